package item

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item is one queued revision with its lease metadata.
type Item struct {
	// StoreKey is assigned by the store on Push. It is the record's key and
	// is not part of the encoded body.
	StoreKey string `json:"-"`

	Revision Revision `json:"revision"`

	// LeaseHolder is the worker id holding the lease, empty if unclaimed.
	LeaseHolder string `json:"lease_holder,omitempty"`
	// LeaseTimestamp is when the lease was acquired, in unix ms. 0 = absent.
	LeaseTimestamp int64 `json:"lease_ts,omitempty"`
	// OrderingKey is -LeaseTimestamp once claimed, 0 when never claimed.
	OrderingKey int64 `json:"ordering_key,omitempty"`
}

// Leased reports whether the item carries lease metadata, live or not.
func (it Item) Leased() bool { return it.LeaseHolder != "" && it.LeaseTimestamp != 0 }

// LeasedAt returns the lease acquisition time, or the zero time.
func (it Item) LeasedAt() time.Time {
	if it.LeaseTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(it.LeaseTimestamp)
}

// Expired reports whether the lease is absent or older than timeout at now.
// A lease is expired when leaseTimestamp + timeout < now.
func (it Item) Expired(now time.Time, timeout time.Duration) bool {
	if !it.Leased() {
		return true
	}
	return it.LeaseTimestamp+timeout.Milliseconds() < now.UnixMilli()
}

// Claim returns a copy of it leased to worker at now.
func (it Item) Claim(worker string, now time.Time) Item {
	ts := now.UnixMilli()
	it.LeaseHolder = worker
	it.LeaseTimestamp = ts
	it.OrderingKey = -ts
	return it
}

// Marshal encodes the record body.
func (it Item) Marshal() ([]byte, error) { return json.Marshal(it) }

// Unmarshal decodes a record body stored under key.
func Unmarshal(key string, data []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, fmt.Errorf("item %s: decode: %w", key, err)
	}
	it.StoreKey = key
	return it, nil
}

// New returns an unclaimed item for rev.
func New(key string, rev Revision) Item { return Item{StoreKey: key, Revision: rev} }
