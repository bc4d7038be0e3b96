package state

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var keyIndexBucket = []byte("key_index")

// DurableIndex is an optional bbolt-backed mirror of the live key space,
// storing only key -> revision. It exists so an operator can inspect or
// scan the key space with a separate process (or after a crash, before
// replay finishes) without touching the engine's in-memory store or its
// event log. It is not a source of truth: on any discrepancy the
// in-memory Store (rebuilt from snapshot + WAL replay) wins.
type DurableIndex struct {
	db *bolt.DB
}

// OpenDurableIndex opens (creating if needed) the bbolt file at path.
func OpenDurableIndex(path string) (*DurableIndex, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: open durable index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keyIndexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init durable index: %w", err)
	}
	return &DurableIndex{db: db}, nil
}

// Mirror records key's current revision, called by the engine right
// after a put is applied. A failure here is returned to the engine, which
// reports the put as an internal error even though the event is already
// in the event log.
func (d *DurableIndex) Mirror(key string, revision int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keyIndexBucket)
		var rev [8]byte
		binary.BigEndian.PutUint64(rev[:], uint64(revision))
		return b.Put([]byte(key), rev[:])
	})
}

// Forget removes key from the mirror, called after a delete commits.
func (d *DurableIndex) Forget(key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyIndexBucket).Delete([]byte(key))
	})
}

// RevisionOf returns the mirrored revision for key, if present.
func (d *DurableIndex) RevisionOf(key string) (int64, bool, error) {
	var rev int64
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keyIndexBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		rev = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return rev, found, err
}

// Rebuild truncates the mirror and repopulates it from a full key/revision
// snapshot, used once at startup after the in-memory store finishes replay
// so the durable mirror matches live state even across an unclean shutdown.
func (d *DurableIndex) Rebuild(entries map[string]int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(keyIndexBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(keyIndexBucket)
		if err != nil {
			return err
		}
		for k, rev := range entries {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(rev))
			if err := b.Put([]byte(k), buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying bbolt database.
func (d *DurableIndex) Close() error {
	return d.db.Close()
}
