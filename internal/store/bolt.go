package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/models"
)

var recordsBucket = []byte("task_records")

// BoltStore embedded single-file store. bbolt serializes writers, so every
// read-check-write below runs inside one Update transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore open (or create) the bolt file at cfg.Path
func NewBoltStore(cfg config.BoltConfig) (*BoltStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bolt directory: %w", err)
		}
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Second
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, unavailable("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return fmt.Errorf("could not create records bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Insert(ctx context.Context, rec *models.TaskRecord) (*models.TaskRecord, bool, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, false, err
	}

	var (
		existing *models.TaskRecord
		inserted bool
	)
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if v := b.Get([]byte(rec.Fingerprint)); v != nil {
			var decErr error
			existing, decErr = decodeRecord(v)
			return decErr
		}
		inserted = true
		return b.Put([]byte(rec.Fingerprint), data)
	})
	if err != nil {
		return nil, false, unavailable("insert", err)
	}
	if inserted {
		return rec.Clone(), true, nil
	}
	return existing, false, nil
}

func (s *BoltStore) Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error) {
	var rec *models.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(fp))
		if v == nil {
			return models.ErrNotFound
		}
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec, nil
}

func (s *BoltStore) CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error {
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get([]byte(fp))
		if v == nil {
			return models.ErrNotFound
		}
		current, err := decodeRecord(v)
		if err != nil {
			return err
		}
		if current.Status != expected || current.Revision != revision {
			return models.ErrConflict
		}
		return b.Put([]byte(fp), data)
	})
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
		return err
	}
	if err != nil {
		return unavailable("compare_and_swap", err)
	}
	return nil
}

func (s *BoltStore) Scan(ctx context.Context, after models.Fingerprint, limit int) ([]*models.TaskRecord, error) {
	var out []*models.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()

		var k, v []byte
		if after == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(after))
			if k != nil && bytes.Equal(k, []byte(after)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("scan", err)
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, fp models.Fingerprint) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b.Get([]byte(fp)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(fp))
	})
	if err != nil {
		return false, unavailable("delete", err)
	}
	return existed, nil
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket) == nil {
			return fmt.Errorf("records bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
