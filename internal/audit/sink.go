package audit

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Sink is the persistent store behind a Log. Writing the same key twice
// replaces the earlier blob.
type Sink interface {
	Write(key string, blob []byte) error
	ReadAll() (map[string][]byte, error)
	// ListKeys returns keys with the given prefix in ascending order.
	ListKeys(prefix string) ([]string, error)
}

// ErrSinkUnavailable is returned by a MemorySink set to fail.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// MemorySink keeps blobs in memory. Writes can be made to fail, which
// tests use to exercise retry.
type MemorySink struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	failing bool
	writes  int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{blobs: make(map[string][]byte)}
}

// SetFailing makes subsequent writes fail (or succeed again).
func (s *MemorySink) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = fail
}

// Writes returns the number of successful writes.
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemorySink) Write(key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrSinkUnavailable
	}
	s.blobs[key] = slices.Clone(blob)
	s.writes++
	return nil
}

func (s *MemorySink) ReadAll() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.blobs))
	for k, v := range s.blobs {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

func (s *MemorySink) ListKeys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, k := range slices.Sorted(maps.Keys(s.blobs)) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
