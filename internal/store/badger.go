package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"
)

// Badger is an LSM-tree store backed by a badger database directory.
// Values are snappy-compressed on disk; keys are stored verbatim.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the badger database under dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *Badger) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(key)
		if gerr != nil {
			return gerr
		}
		return item.Value(func(v []byte) error {
			decoded, derr := snappy.Decode(nil, v)
			if derr != nil {
				return fmt.Errorf("decompress value: %w", derr)
			}
			value = decoded
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Badger) Set(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, snappy.Encode(nil, value))
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

// Delete removes key. Badger's delete of a missing key is already a no-op.
func (s *Badger) Delete(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Keys returns every key currently present using a keys-only iteration.
func (s *Badger) Keys() ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger keys: %w", err)
	}
	return keys, nil
}

// Reset drops every entry.
func (s *Badger) Reset() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("badger reset: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Badger) Close() error {
	return s.db.Close()
}
