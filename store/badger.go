package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "upload:snapshot:"

// Badger stores snapshots in an embedded Badger database.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadger wraps an open database. A positive ttl expires snapshots that are not saved
// again within that time.
func NewBadger(db *badger.DB, ttl time.Duration) *Badger {
	return &Badger{db: db, ttl: ttl}
}

// Save stores the snapshot under key, replacing any previous one.
func (b *Badger) Save(ctx context.Context, key string, snap upload.Snapshot) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(key), data)
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Load reads the snapshot stored under key.
func (b *Badger) Load(ctx context.Context, key string) (upload.Snapshot, error) {
	if err := validateKey(key); err != nil {
		return upload.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return upload.Snapshot{}, err
	}

	var snap upload.Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return upload.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return upload.Snapshot{}, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Delete removes the snapshot stored under key.
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(key))
	})
}

// Keys returns the keys of every stored snapshot.
func (b *Badger) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	prefix := []byte(badgerPrefix)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return keys, nil
}

func badgerKey(key string) []byte {
	return []byte(badgerPrefix + key)
}
