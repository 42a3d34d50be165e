package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("state")

// Bolt is a bbolt-backed KV. All keys live in a single state bucket;
// the caller namespaces keys itself.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if len(raw) == 0 {
			return nil
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return errors.New("state bucket missing")
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Bolt) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return errors.New("state bucket missing")
		}
		return b.Delete([]byte(key))
	})
}

func (s *Bolt) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
