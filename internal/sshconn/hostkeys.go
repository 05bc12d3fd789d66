package sshconn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
)

// HostKeyStore verifies host keys against an OpenSSH known_hosts file.
// Unknown hosts are trusted on first use and appended to the file; a key
// that differs from the recorded one is always an error.
type HostKeyStore struct {
	path   string
	audit  *audit.Log
	logger *slog.Logger

	mu sync.Mutex
}

// DefaultKnownHostsPath returns dataDir/known_hosts.
func DefaultKnownHostsPath(dataDir string) string {
	return filepath.Join(dataDir, "known_hosts")
}

// NewHostKeyStore opens (creating if needed) the known_hosts file at path.
// log may be nil.
func NewHostKeyStore(path string, log *audit.Log) (*HostKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening known_hosts: %w", err)
	}
	f.Close()
	return &HostKeyStore{path: path, audit: log, logger: slog.Default().With("component", "hostkeys")}, nil
}

// Path returns the known_hosts file location.
func (s *HostKeyStore) Path() string { return s.path }

// Fingerprint returns the SHA256 fingerprint of key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// Verify checks key for hostname (host:port). A pinned fingerprint in h
// is checked first.
func (s *HostKeyStore) Verify(h HostConfig, hostname string, remote net.Addr, key ssh.PublicKey) error {
	observed := Fingerprint(key)
	if h.Fingerprint != "" && h.Fingerprint != observed {
		s.recordChange(h, h.Fingerprint, observed, false)
		return &failure.HostKeyChangedError{Host: hostname, Expected: h.Fingerprint, Observed: observed}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	check, err := knownhosts.New(s.path)
	if err != nil {
		return s.storeFailure(h, fmt.Errorf("reading known_hosts: %w", err))
	}
	// knownhosts only accepts TCP remotes; the hostname is what is matched.
	if _, ok := remote.(*net.TCPAddr); !ok {
		remote = &net.TCPAddr{IP: net.IPv4zero}
	}
	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		var revoked *knownhosts.RevokedError
		if errors.As(err, &revoked) {
			return failure.Security("host key", "host key for %s has been revoked", hostname)
		}
		return s.storeFailure(h, err)
	}
	if len(keyErr.Want) > 0 {
		expected := Fingerprint(keyErr.Want[0].Key)
		s.recordChange(h, expected, observed, false)
		return &failure.HostKeyChangedError{Host: hostname, Expected: expected, Observed: observed}
	}

	if err := s.appendKey(hostname, key); err != nil {
		return s.storeFailure(h, err)
	}
	s.logger.Info("trusted new host key", "host", hostname, "fingerprint", observed)
	s.recordChange(h, "", observed, true)
	return nil
}

// Callback returns an ssh.HostKeyCallback bound to h.
func (s *HostKeyStore) Callback(h HostConfig) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return s.Verify(h, hostname, remote, key)
	}
}

func (s *HostKeyStore) appendKey(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening known_hosts: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing known_hosts: %w", err)
	}
	return f.Close()
}

// storeFailure fails closed for hosts with strict checking. Other hosts
// proceed without a persisted key.
func (s *HostKeyStore) storeFailure(h HostConfig, err error) error {
	if h.StrictHostKeyChecking {
		return failure.Security("host key", "cannot verify host key for %s: known_hosts unavailable", h)
	}
	s.logger.Warn("host key not verified", "host", h.String(), "error", err)
	return nil
}

func (s *HostKeyStore) recordChange(h HostConfig, expected, observed string, trusted bool) {
	if s.audit == nil {
		return
	}
	payload := map[string]string{"observed": observed}
	if expected != "" {
		payload["expected"] = expected
	}
	sec := audit.SecurityMedium
	if !trusted {
		sec = audit.SecurityCritical
	}
	s.audit.Record(audit.Entry{
		Kind:     audit.KindHostKeyUpdate,
		Host:     h.Addr(),
		User:     h.Username,
		Success:  trusted,
		Security: sec,
		Payload:  payload,
	})
}
