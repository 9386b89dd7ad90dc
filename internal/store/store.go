// Package store provides the pluggable local key/value backing store used
// by a database peer.
//
// Four backends are included: an in-memory map (ram), a single-file bbolt
// database (dbm), a directory-per-key filesystem store (dir), and a badger
// LSM store with snappy-compressed values (badger). All backends treat keys
// and values as opaque byte strings.
package store

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound indicates a Get for a key that is not present.
var ErrKeyNotFound = errors.New("key not found")

// ErrUnknownKind indicates an unrecognized store kind name.
var ErrUnknownKind = errors.New("unknown store kind")

// ErrBadArgs indicates the trailing store arguments do not match what the
// chosen backend expects.
var ErrBadArgs = errors.New("invalid store arguments")

// Store is the contract a backing store fulfills for its peer session.
//
// Delete of a missing key is a no-op, never an error. Reset clears every
// entry; it is invoked once before a bulk resynchronization. Close releases
// backend resources; the peer calls it when its connection ends.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(key, value []byte) error

	// Delete removes key. Missing keys are ignored.
	Delete(key []byte) error

	// Keys returns every key currently present.
	Keys() ([][]byte, error)

	// Reset removes every entry.
	Reset() error

	// Close releases the backend.
	Close() error
}

// Kinds lists the recognized store kind names in the order they are
// presented to users.
var Kinds = []string{"ram", "dbm", "dir", "badger"}

// Open creates a store of the named kind. The trailing args are
// backend-specific: ram takes none, the others take exactly one path.
func Open(kind string, args []string) (Store, error) {
	switch kind {
	case "ram":
		if len(args) != 0 {
			return nil, fmt.Errorf("ram store takes no arguments, got %d: %w", len(args), ErrBadArgs)
		}
		return NewRAM(), nil
	case "dbm":
		path, err := singlePath(kind, args)
		if err != nil {
			return nil, err
		}
		return OpenBolt(path)
	case "dir":
		path, err := singlePath(kind, args)
		if err != nil {
			return nil, err
		}
		return OpenDir(path)
	case "badger":
		path, err := singlePath(kind, args)
		if err != nil {
			return nil, err
		}
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("store kind %q: %w", kind, ErrUnknownKind)
	}
}

func singlePath(kind string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s store expects exactly one path argument, got %d: %w", kind, len(args), ErrBadArgs)
	}
	return args[0], nil
}
