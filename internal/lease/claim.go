package lease

import (
	"time"

	"github.com/rzbill/ciqueue/internal/item"
)

// Policy is what a worker brings to a claim.
type Policy struct {
	WorkerID string
	// Timeout is how long a lease stays live without being refreshed.
	Timeout time.Duration
	// Filter restricts which revisions this worker claims. Nil accepts all.
	Filter *Filter
}

// Claimable reports whether it may be claimed under p at now.
func (p Policy) Claimable(it item.Item, now time.Time) bool {
	if !it.Expired(now, p.Timeout) {
		return false
	}
	return p.Filter.Accept(it, now)
}

// FindClaimable is the dry run of ProposeClaim: it returns the candidate
// without building a new snapshot.
func FindClaimable(s item.Snapshot, now time.Time, p Policy) (item.Item, bool) {
	for i := 0; i < s.Len(); i++ {
		if it := s.At(i); p.Claimable(it, now) {
			return it, true
		}
	}
	return item.Item{}, false
}

// ProposeClaim scans s in natural order and leases the first claimable item
// to p.WorkerID. It returns the claimed item and the proposed snapshot, or
// (nil, s) when nothing is claimable.
func ProposeClaim(s item.Snapshot, now time.Time, p Policy) (*item.Item, item.Snapshot) {
	candidate, ok := FindClaimable(s, now, p)
	if !ok {
		return nil, s
	}
	claimed := candidate.Claim(p.WorkerID, now)
	return &claimed, s.With(claimed)
}

// Expired returns the items whose lease has lapsed at now and are held by
// someone. Used for sweep diagnostics.
func Expired(s item.Snapshot, now time.Time, timeout time.Duration) []item.Item {
	var out []item.Item
	for i := 0; i < s.Len(); i++ {
		it := s.At(i)
		if it.Leased() && it.Expired(now, timeout) {
			out = append(out, it)
		}
	}
	return out
}
