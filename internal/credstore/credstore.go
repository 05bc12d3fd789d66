// Package credstore keeps private keys and other secrets encrypted at rest.
// Each entry is sealed with age using a passphrase-derived (scrypt)
// recipient, so entries can have different passphrases.
package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"filippo.io/age"
)

var (
	// ErrNotFound is returned by Get and Delete for unknown key IDs.
	ErrNotFound = errors.New("credential not found")
	// ErrDecrypt is returned when an entry cannot be decrypted. No partial
	// plaintext is ever returned alongside it.
	ErrDecrypt = errors.New("credential decryption failed")
)

// Option configures a Store.
type Option func(*Store)

// WithWorkFactor sets the scrypt work factor (log2 N) used for new
// entries. Lower values are only suitable for tests.
func WithWorkFactor(logN int) Option {
	return func(s *Store) { s.workFactor = logN }
}

// Store is a file-backed credential store. The zero path keeps entries in
// memory only.
type Store struct {
	mu         sync.RWMutex
	path       string
	entries    map[string][]byte
	workFactor int
}

type storeFile struct {
	Version int               `json:"version"`
	Entries map[string][]byte `json:"entries"`
}

// Open loads the store at path, creating an empty one if it does not exist.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, entries: make(map[string][]byte)}
	for _, o := range opts {
		o(s)
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential store: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing credential store: %w", err)
	}
	if f.Entries != nil {
		s.entries = f.Entries
	}
	return s, nil
}

// Put encrypts secret under keyID with passphrase, replacing any
// existing entry, and persists the store.
func (s *Store) Put(keyID string, secret []byte, passphrase string) error {
	if keyID == "" {
		return errors.New("credstore: empty key id")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(secret); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[keyID]
	s.entries[keyID] = buf.Bytes()
	if err := s.flush(); err != nil {
		if had {
			s.entries[keyID] = prev
		} else {
			delete(s.entries, keyID)
		}
		return err
	}
	return nil
}

// Get decrypts the entry for keyID. A wrong passphrase or corrupted entry
// yields ErrDecrypt and no data.
func (s *Store) Get(keyID, passphrase string) ([]byte, error) {
	s.mu.RLock()
	sealed, ok := s.entries[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, keyID, err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, keyID, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		clear(plaintext)
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, keyID, err)
	}
	return plaintext, nil
}

// Delete removes keyID and persists the store.
func (s *Store) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	delete(s.entries, keyID)
	if err := s.flush(); err != nil {
		s.entries[keyID] = prev
		return err
	}
	return nil
}

// Has reports whether keyID exists.
func (s *Store) Has(keyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[keyID]
	return ok
}

// Keys returns all key IDs in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// flush writes the store atomically with mode 0600. Caller holds mu.
func (s *Store) flush() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(storeFile{Version: 1, Entries: s.entries})
	if err != nil {
		return fmt.Errorf("marshaling credential store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating credential store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing credential store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing credential store: %w", err)
	}
	return nil
}
