package store_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dantte-lp/gokvdb/internal/store"
)

// openBackends returns one freshly opened store per backend kind, each on
// its own temporary path.
func openBackends(t *testing.T) map[string]store.Store {
	t.Helper()

	dir := t.TempDir()
	backends := map[string][]string{
		"ram":    nil,
		"dbm":    {filepath.Join(dir, "kv.db")},
		"dir":    {filepath.Join(dir, "kvdir")},
		"badger": {filepath.Join(dir, "kvbadger")},
	}

	out := make(map[string]store.Store, len(backends))
	for kind, args := range backends {
		s, err := store.Open(kind, args)
		if err != nil {
			t.Fatalf("Open(%q) error: %v", kind, err)
		}
		t.Cleanup(func() { s.Close() })
		out[kind] = s
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for kind, s := range openBackends(t) {
		t.Run(kind, func(t *testing.T) {
			key := []byte("foo")
			value := []byte("bar")

			// Missing key.
			if _, err := s.Get(key); !errors.Is(err, store.ErrKeyNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
			}

			// Set then Get.
			if err := s.Set(key, value); err != nil {
				t.Fatalf("Set() error: %v", err)
			}
			got, err := s.Get(key)
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if !bytes.Equal(got, value) {
				t.Errorf("Get() = %q, want %q", got, value)
			}

			// Overwrite.
			if err := s.Set(key, []byte("baz")); err != nil {
				t.Fatalf("Set(overwrite) error: %v", err)
			}
			got, err = s.Get(key)
			if err != nil {
				t.Fatalf("Get() after overwrite error: %v", err)
			}
			if !bytes.Equal(got, []byte("baz")) {
				t.Errorf("Get() after overwrite = %q, want %q", got, "baz")
			}

			// Delete is idempotent.
			if err := s.Delete(key); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if err := s.Delete(key); err != nil {
				t.Fatalf("Delete() repeated error: %v", err)
			}
			if _, err := s.Get(key); !errors.Is(err, store.ErrKeyNotFound) {
				t.Errorf("Get() after Delete error = %v, want ErrKeyNotFound", err)
			}
		})
	}
}

func TestStoreKeysAndReset(t *testing.T) {
	for kind, s := range openBackends(t) {
		t.Run(kind, func(t *testing.T) {
			want := []string{"a", "bb", "ccc"}
			for _, k := range want {
				if err := s.Set([]byte(k), []byte("v")); err != nil {
					t.Fatalf("Set(%q) error: %v", k, err)
				}
			}

			keys, err := s.Keys()
			if err != nil {
				t.Fatalf("Keys() error: %v", err)
			}
			got := make([]string, len(keys))
			for i, k := range keys {
				got[i] = string(k)
			}
			sort.Strings(got)
			if len(got) != len(want) {
				t.Fatalf("Keys() = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
				}
			}

			if err := s.Reset(); err != nil {
				t.Fatalf("Reset() error: %v", err)
			}
			keys, err = s.Keys()
			if err != nil {
				t.Fatalf("Keys() after Reset error: %v", err)
			}
			if len(keys) != 0 {
				t.Errorf("Keys() after Reset = %d entries, want 0", len(keys))
			}
		})
	}
}

func TestStoreBinaryKeys(t *testing.T) {
	for kind, s := range openBackends(t) {
		t.Run(kind, func(t *testing.T) {
			key := []byte{0x00, 0xff, 0x10}
			value := []byte{0xde, 0xad, 0x00, 0xbe, 0xef}

			if err := s.Set(key, value); err != nil {
				t.Fatalf("Set(binary) error: %v", err)
			}
			got, err := s.Get(key)
			if err != nil {
				t.Fatalf("Get(binary) error: %v", err)
			}
			if !bytes.Equal(got, value) {
				t.Errorf("Get(binary) = %x, want %x", got, value)
			}

			keys, err := s.Keys()
			if err != nil {
				t.Fatalf("Keys() error: %v", err)
			}
			found := false
			for _, k := range keys {
				if bytes.Equal(k, key) {
					found = true
				}
			}
			if !found {
				t.Errorf("Keys() does not contain binary key %x", key)
			}
		})
	}
}

func TestOpenUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := store.Open("tape", nil); !errors.Is(err, store.ErrUnknownKind) {
		t.Errorf("Open(tape) error = %v, want ErrUnknownKind", err)
	}
}

func TestOpenBadArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		args []string
	}{
		{"ram", []string{"unexpected"}},
		{"dbm", nil},
		{"dir", []string{"a", "b"}},
		{"badger", nil},
	}

	for _, tt := range tests {
		if _, err := store.Open(tt.kind, tt.args); !errors.Is(err, store.ErrBadArgs) {
			t.Errorf("Open(%q, %v) error = %v, want ErrBadArgs", tt.kind, tt.args, err)
		}
	}
}
