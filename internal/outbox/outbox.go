// Package outbox journals shard ops that could not be pushed before their
// shard was evicted, so a later load can replay them.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"slidesync/internal/document/shard"
)

var bucket = []byte("outbox")

type Bolt struct {
	db *bolt.DB
}

func Open(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (o *Bolt) Close() error {
	return o.db.Close()
}

func key(docID, slideID string) []byte {
	return []byte(docID + "/" + slideID)
}

// Save appends ops to whatever is already journaled for the slide.
func (o *Bolt) Save(docID, slideID string, ops []shard.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var existing []shard.Op
		if raw := b.Get(key(docID, slideID)); raw != nil {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode outbox %s/%s: %w", docID, slideID, err)
			}
		}
		raw, err := json.Marshal(append(existing, ops...))
		if err != nil {
			return err
		}
		return b.Put(key(docID, slideID), raw)
	})
}

// Take returns and removes the journaled ops of a slide.
func (o *Bolt) Take(docID, slideID string) ([]shard.Op, error) {
	var ops []shard.Op
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		raw := b.Get(key(docID, slideID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &ops); err != nil {
			return fmt.Errorf("decode outbox %s/%s: %w", docID, slideID, err)
		}
		return b.Delete(key(docID, slideID))
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Slides lists slides of docID that have journaled ops.
func (o *Bolt) Slides(docID string) ([]string, error) {
	var out []string
	prefix := []byte(docID + "/")
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}
