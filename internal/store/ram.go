package store

import "sync"

// RAM is an in-memory store backed by a plain map. Contents are lost when
// the process exits; a peer using it is expected to resynchronize on
// startup.
type RAM struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewRAM creates an empty in-memory store.
func NewRAM() *RAM {
	return &RAM{
		m: make(map[string][]byte),
	}
}

// Get returns a copy of the value for key.
func (s *RAM) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value under key.
func (s *RAM) Set(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[string(key)] = v
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *RAM) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, string(key))
	return nil
}

// Keys returns every key currently present.
func (s *RAM) Keys() ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([][]byte, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, []byte(k))
	}
	return keys, nil
}

// Reset discards every entry.
func (s *RAM) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[string][]byte)
	return nil
}

// Close is a no-op.
func (s *RAM) Close() error {
	return nil
}
