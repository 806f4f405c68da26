// Package auditspool buffers audit entries on local disk while the audit sink is unavailable.
//
// Entries are keyed by an increasing sequence so Peek returns them in the order they were
// recorded. A secondary bucket maps entry ids to sequence keys, which makes Push idempotent
// per entry and lets Ack remove entries by id.
package auditspool

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

var (
	entriesBucket = []byte("audit_spool")
	indexBucket   = []byte("audit_spool_ids")
)

type BoltSpool struct {
	db *bolt.DB
}

// Open opens (or creates) the spool file and its buckets.
func Open(path string) (*BoltSpool, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSpool{db: db}, nil
}

func (s *BoltSpool) Close() error {
	return s.db.Close()
}

// Push appends an entry. Pushing an entry id that is already spooled is a no-op.
func (s *BoltSpool) Push(_ context.Context, entry domain.AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		if index.Get([]byte(entry.EntryID)) != nil {
			return nil
		}
		entries := tx.Bucket(entriesBucket)
		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		if err := entries.Put(key, raw); err != nil {
			return err
		}
		return index.Put([]byte(entry.EntryID), key)
	})
}

// Peek returns up to limit of the oldest entries without removing them.
func (s *BoltSpool) Peek(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	out := []domain.AuditEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var entry domain.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack removes delivered entries. Unknown ids are ignored.
func (s *BoltSpool) Ack(_ context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		entries := tx.Bucket(entriesBucket)
		for _, id := range entryIDs {
			key := index.Get([]byte(id))
			if key == nil {
				continue
			}
			if err := entries.Delete(key); err != nil {
				return err
			}
			if err := index.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltSpool) Len(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ ports.AuditSpool = (*BoltSpool)(nil)
