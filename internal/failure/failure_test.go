package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantSev  Severity
		contains string
	}{
		{"host key", fmt.Errorf("connect: %w", &HostKeyChangedError{Host: "db1", Expected: "a", Observed: "b"}), SeverityCritical, "db1"},
		{"security", Security("connect", "password auth on critical host"), SeverityHigh, "password auth"},
		{"validation", &ValidationError{Reason: "dangerous pattern"}, SeverityMedium, "dangerous pattern"},
		{"transport", Transport("dial", errors.New("ssh: handshake failed: EOF")), SeverityMedium, "dial"},
		{"other", errors.New("x509: boom"), SeverityLow, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, sev := Describe(tt.err)
			if sev != tt.wantSev {
				t.Errorf("severity = %s, want %s", sev, tt.wantSev)
			}
			if !strings.Contains(reason, tt.contains) {
				t.Errorf("reason %q does not contain %q", reason, tt.contains)
			}
			if strings.Contains(reason, "handshake") || strings.Contains(reason, "x509") {
				t.Errorf("reason leaks library error: %q", reason)
			}
		})
	}
}

func TestTransportNil(t *testing.T) {
	if Transport("dial", nil) != nil {
		t.Error("Transport(nil) should be nil")
	}
}

func TestAuditWriteErrorUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := &AuditWriteError{Key: "audit/1", Err: base}
	if !errors.Is(err, base) {
		t.Error("AuditWriteError should unwrap to its cause")
	}
}
