// Package store defines the shared, remotely held item collection that
// workers coordinate through, and helpers shared by its backends.
//
// A Store offers exactly two coordination primitives: a live subscription
// that pushes the whole snapshot after every change, and an optimistic
// compare-and-swap transaction. Push and Delete are the only unconditional
// writes; Delete is reserved for a worker cleaning up an item it owns.
//
// Backends live in subpackages: memory (tests and single-process use),
// pebble (durable single node), and etcd, redis and postgres (shared between
// hosts).
package store
