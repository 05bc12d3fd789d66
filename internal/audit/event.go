// Package audit records security-relevant actions into a buffered,
// hash-chained, append-only log.
//
// Raw command text and full file paths never enter the buffer: Record
// sanitizes every Entry into an Event first, so nothing downstream
// (storage, stats, export) can leak them.
package audit

import (
	"encoding/hex"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

// Kind classifies audit events.
type Kind string

const (
	KindConnectionAttempt Kind = "CONNECTION_ATTEMPT"
	KindCommandExecution  Kind = "COMMAND_EXECUTION"
	KindFileTransfer      Kind = "FILE_TRANSFER"
	KindKeyGeneration     Kind = "KEY_GENERATION"
	KindKeyImport         Kind = "KEY_IMPORT"
	KindHostKeyUpdate     Kind = "HOST_KEY_UPDATE"
	KindDisconnection     Kind = "DISCONNECTION"
	KindSecurityWarning   Kind = "SECURITY_WARNING"
	KindSecurityViolation Kind = "SECURITY_VIOLATION"
	KindAuthentication    Kind = "AUTHENTICATION"
	KindSystemEvent       Kind = "SYSTEM_EVENT"
)

// Security is the security tag stored with an event.
type Security string

const (
	SecurityLow      Security = "low"
	SecurityMedium   Security = "medium"
	SecurityHigh     Security = "high"
	SecurityCritical Security = "critical"
)

const (
	maxCommandName = 32
	maxPathElem    = 64
	commandHashLen = 16
)

// Entry is what callers hand to Record. Command and Path are raw and are
// sanitized before buffering.
type Entry struct {
	Kind      Kind
	SessionID string
	Host      string
	User      string
	Command   string
	Path      string
	Success   bool
	Blocked   bool
	Security  Security
	Payload   map[string]string
}

// Event is the immutable, sanitized record that is buffered and persisted.
type Event struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	SessionID   string            `json:"session_id,omitempty"`
	Host        string            `json:"host,omitempty"`
	User        string            `json:"user,omitempty"`
	CommandName string            `json:"command_name,omitempty"`
	CommandHash string            `json:"command_hash,omitempty"`
	Path        string            `json:"path,omitempty"`
	Success     bool              `json:"success"`
	Blocked     bool              `json:"blocked,omitempty"`
	Security    Security          `json:"security,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// Critical reports whether the event forces an immediate flush.
func (e Event) Critical() bool {
	switch e.Kind {
	case KindKeyGeneration, KindKeyImport, KindHostKeyUpdate, KindSecurityViolation:
		return true
	case KindAuthentication:
		return !e.Success
	case KindCommandExecution:
		return e.Blocked || e.Security == SecurityLow
	}
	return false
}

func sanitize(e Entry, now time.Time) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      e.Kind,
		Timestamp: now.UTC(),
		SessionID: e.SessionID,
		Host:      e.Host,
		User:      e.User,
		Path:      SanitizePath(e.Path),
		Success:   e.Success,
		Blocked:   e.Blocked,
		Security:  e.Security,
	}
	if e.Command != "" {
		ev.CommandName = truncate(validate.BaseCommand(e.Command), maxCommandName)
		ev.CommandHash = HashCommand(e.Command)
	}
	if len(e.Payload) > 0 {
		ev.Payload = make(map[string]string, len(e.Payload))
		for k, v := range e.Payload {
			if k == "reason" {
				v = redactPaths(v)
			}
			ev.Payload[k] = v
		}
	}
	return ev
}

// HashCommand returns the stored fingerprint of a command line.
func HashCommand(command string) string {
	sum := blake3.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])[:commandHashLen]
}

// SanitizePath keeps only the final element of p, truncated.
func SanitizePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	base := path.Base(p)
	if base == "." || base == "/" {
		return base
	}
	return truncate(base, maxPathElem)
}

// redactPaths replaces every path-like word of a free-text reason.
func redactPaths(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if strings.ContainsAny(w, `/\`) {
			words[i] = "[path]"
		}
	}
	return strings.Join(words, " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
