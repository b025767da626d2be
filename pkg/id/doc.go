// Package id generates the store keys handed out for queued work items.
//
// # Format
//
// An ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence],
// rendered as 32 lowercase hex characters. Byte-wise and string-wise
// comparison both preserve generation order, so sorting store keys yields
// submission order.
//
// # Monotonicity
//
// A Generator never goes backwards within a process:
//   - if the clock regresses it pins to the last seen millisecond and bumps
//     the sequence;
//   - if the sequence would overflow within a millisecond it waits for the
//     next one.
//
// Usage
//
//	g := id.NewGenerator()
//	key := g.Next().String()
//	parsed, err := id.Parse(key)
package id
