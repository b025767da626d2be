package item

import "sort"

// Snapshot is an immutable, naturally ordered view of the item collection.
// The zero value is an empty snapshot.
type Snapshot struct {
	items []Item
}

// NewSnapshot copies items and sorts them into natural order.
func NewSnapshot(items []Item) Snapshot {
	cp := make([]Item, len(items))
	copy(cp, items)
	sort.SliceStable(cp, func(i, j int) bool { return less(cp[i], cp[j]) })
	return Snapshot{items: cp}
}

// less orders never-claimed items first by StoreKey, then claimed items by
// OrderingKey descending (oldest lease first), ties broken by StoreKey.
func less(a, b Item) bool {
	ac, bc := a.OrderingKey != 0, b.OrderingKey != 0
	if ac != bc {
		return !ac
	}
	if ac && a.OrderingKey != b.OrderingKey {
		return a.OrderingKey > b.OrderingKey
	}
	return a.StoreKey < b.StoreKey
}

// Len returns the number of items.
func (s Snapshot) Len() int { return len(s.items) }

// At returns the i-th item in natural order.
func (s Snapshot) At(i int) Item { return s.items[i] }

// Items returns a copy of the items in natural order.
func (s Snapshot) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Get looks up an item by store key.
func (s Snapshot) Get(key string) (Item, bool) {
	for _, it := range s.items {
		if it.StoreKey == key {
			return it, true
		}
	}
	return Item{}, false
}

// Clone returns an independent copy.
func (s Snapshot) Clone() Snapshot { return Snapshot{items: s.Items()} }

// With returns a snapshot where it replaces the item with the same store key,
// or is added if absent.
func (s Snapshot) With(it Item) Snapshot {
	out := make([]Item, 0, len(s.items)+1)
	replaced := false
	for _, cur := range s.items {
		if cur.StoreKey == it.StoreKey {
			out = append(out, it)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, it)
	}
	return NewSnapshot(out)
}

// Without returns a snapshot minus the given store keys.
func (s Snapshot) Without(keys ...string) Snapshot {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if _, ok := drop[it.StoreKey]; ok {
			continue
		}
		out = append(out, it)
	}
	return Snapshot{items: out}
}

// Matching returns the items whose revision matches needle.
func (s Snapshot) Matching(needle Revision) []Item {
	var out []Item
	for _, it := range s.items {
		if it.Revision.Matches(needle) {
			out = append(out, it)
		}
	}
	return out
}

// Equal reports whether both snapshots hold the same items in the same order.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for i := range s.items {
		if s.items[i] != other.items[i] {
			return false
		}
	}
	return true
}
