// Package lease implements the claim algorithm: a pure transform that picks
// the first claimable item of a snapshot and proposes the snapshot in which
// the calling worker holds its lease.
//
// Nothing here performs I/O. The store's compare-and-swap transaction may run
// ProposeClaim several times against successively fresher snapshots, so the
// functions are deterministic for a given (snapshot, now, policy) and never
// mutate their input.
package lease
