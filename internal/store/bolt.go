package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// boltBucket is the single bucket holding all key/value pairs.
var boltBucket = []byte("kv")

// Bolt is a single-file store backed by a bbolt B-tree database. Writes are
// transactional and survive process restarts.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(boltBucket)
		return berr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket in %s: %w", path, err)
	}

	return &Bolt{db: db}, nil
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *Bolt) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key.
func (s *Bolt) Set(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

// Delete removes key. bbolt's Delete on a missing key is already a no-op.
func (s *Bolt) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

// Keys returns every key currently present.
func (s *Bolt) Keys() ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, _ []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list bbolt keys: %w", err)
	}
	return keys, nil
}

// Reset drops and recreates the bucket.
func (s *Bolt) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	})
}

// Close closes the database file.
func (s *Bolt) Close() error {
	return s.db.Close()
}
