package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv_blobs")

// BoltBackend stores keyed blobs in a single bbolt bucket. It is the default
// durable backend: one file, no external service.
type BoltBackend struct {
	db *bolt.DB
}

var _ Backend = &BoltBackend{}

func NewBoltBackend(path string) (*BoltBackend, error) {
	if path == "" {
		return nil, errors.New("bolt backend: empty path")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "bolt backend: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bolt backend: create bucket")
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	if b == nil || b.db == nil {
		return nil, false, errors.New("bolt backend: db is nil")
	}
	var value []byte
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "bolt backend: get")
	}
	return value, found, nil
}

func (b *BoltBackend) Put(_ context.Context, key string, value []byte) error {
	if b == nil || b.db == nil {
		return errors.New("bolt backend: db is nil")
	}
	if key == "" {
		return errors.New("bolt backend: key is empty")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
	if err != nil {
		return errors.Wrap(err, "bolt backend: put")
	}
	return nil
}

func (b *BoltBackend) Delete(_ context.Context, key string) error {
	if b == nil || b.db == nil {
		return errors.New("bolt backend: db is nil")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, "bolt backend: delete")
	}
	return nil
}

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
