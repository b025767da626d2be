// Package pebblestore is a thin wrapper around Pebble: fsync policy,
// snapshots, batches, prefix scans, CRC-framed records and a metrics hook.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), pebblestore.EncodeRecord(nil, []byte("v")), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	_ = db.ScanPrefix([]byte("q/"), func(k, v []byte) bool { return true })
package pebblestore
