// Package failure defines the engine's error taxonomy and turns any error
// into the short reason and severity shown to users.
package failure

import (
	"errors"
	"fmt"
)

// Severity is the coarse tag attached to user-visible failures.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidationError reports a blocked or invalid command. Always recoverable.
type ValidationError struct {
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	return "command rejected: " + e.Reason
}

// SecurityError reports a policy failure that aborts the operation.
type SecurityError struct {
	Op       string
	Reason   string
	Severity Severity
}

func (e *SecurityError) Error() string {
	if e.Op == "" {
		return "security: " + e.Reason
	}
	return fmt.Sprintf("security: %s: %s", e.Op, e.Reason)
}

// Security builds a SecurityError with high severity.
func Security(op, format string, args ...any) *SecurityError {
	return &SecurityError{Op: op, Reason: fmt.Sprintf(format, args...), Severity: SeverityHigh}
}

// HostKeyChangedError is raised when a host presents a key different from
// the one trusted earlier. It is a potential man-in-the-middle signal.
type HostKeyChangedError struct {
	Host     string
	Expected string
	Observed string
}

func (e *HostKeyChangedError) Error() string {
	return fmt.Sprintf("host key for %s changed (expected %s, observed %s)", e.Host, e.Expected, e.Observed)
}

// TransportError wraps a network or socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError, keeping nil as nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// AuditWriteError reports a failed audit flush. It stays inside the audit
// package and is never returned to callers recording events.
type AuditWriteError struct {
	Key string
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write %s: %v", e.Key, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// Describe maps err onto a short human-readable reason and severity. Raw
// library errors are never passed through.
func Describe(err error) (string, Severity) {
	if err == nil {
		return "", ""
	}

	var hk *HostKeyChangedError
	if errors.As(err, &hk) {
		return "Host key for " + hk.Host + " has changed. The connection was refused.", SeverityCritical
	}
	var sec *SecurityError
	if errors.As(err, &sec) {
		sev := sec.Severity
		if sev == "" {
			sev = SeverityHigh
		}
		return "Blocked by security policy: " + sec.Reason, sev
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return "Command not allowed: " + val.Reason, SeverityMedium
	}
	var tr *TransportError
	if errors.As(err, &tr) {
		return "Connection problem while trying to " + tr.Op + ".", SeverityMedium
	}
	return "The operation failed.", SeverityLow
}
