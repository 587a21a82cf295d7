package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sendqueue/internal/constants"
	"sendqueue/internal/models"
	"sendqueue/internal/security"

	"go.etcd.io/bbolt"
)

// BoltStore keeps the queue as one JSON document under a key in a bbolt
// bucket, the same shape a browser keeps in local storage.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
	key    []byte
}

func NewBoltStore(path, key string) (*BoltStore, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid bolt path: %w", err)
	}
	if err := security.ValidateParentDir(path); err != nil {
		return nil, fmt.Errorf("invalid bolt path: %w", err)
	}
	if key == "" {
		key = constants.DefaultQueueKey
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: time.Duration(constants.DefaultBoltOpenTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	bucket := []byte(constants.DefaultBoltBucket)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, bucket: bucket, key: []byte(key)}, nil
}

func (s *BoltStore) Load(ctx context.Context) ([]models.QueuedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []models.QueuedMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get(s.key)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return entries, nil
}

// Save writes the whole queue under the key, or deletes the key when
// entries is empty.
func (s *BoltStore) Save(ctx context.Context, entries []models.QueuedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var payload []byte
	if len(entries) > 0 {
		var err error
		if payload, err = json.Marshal(entries); err != nil {
			return fmt.Errorf("failed to encode queue: %w", err)
		}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if payload == nil {
			return b.Delete(s.key)
		}
		return b.Put(s.key, payload)
	})
}

// Keys lists every queue key present in the bucket.
func (s *BoltStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
