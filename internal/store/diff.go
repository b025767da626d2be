package store

import "github.com/rzbill/ciqueue/internal/item"

// Diff returns the writes that turn before into after: items that are new or
// changed, and keys that disappeared.
func Diff(before, after item.Snapshot) (upserts []item.Item, deletes []string) {
	prev := make(map[string]item.Item, before.Len())
	for i := 0; i < before.Len(); i++ {
		it := before.At(i)
		prev[it.StoreKey] = it
	}
	for i := 0; i < after.Len(); i++ {
		it := after.At(i)
		old, ok := prev[it.StoreKey]
		delete(prev, it.StoreKey)
		if !ok || old != it {
			upserts = append(upserts, it)
		}
	}
	for i := 0; i < before.Len(); i++ {
		if _, gone := prev[before.At(i).StoreKey]; gone {
			deletes = append(deletes, before.At(i).StoreKey)
		}
	}
	return upserts, deletes
}
