// Package item defines the unit of shared queue state: a source revision
// plus its lease metadata, and the immutable Snapshot of the whole
// collection that the claim algorithm scans.
//
// Items are kept in natural order inside a Snapshot: never-claimed items
// first by store key (store keys are time-sortable, so this is submission
// order), then claimed items with the oldest lease first.
package item
