// Package validate classifies command strings as allowed, allowed with a
// warning, blocked or invalid before they reach a process or remote shell.
//
// Evaluation is a pure function of the command, the validation level and
// the policy: no I/O, no hidden state, identical inputs give identical
// results.
package validate

import (
	"fmt"
	"strings"

	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
)

// MaxCommandLength is the longest command accepted, in characters.
const MaxCommandLength = 8192

// Level is the strictness tier. Higher levels include every check of the
// lower ones.
type Level int

const (
	Permissive Level = iota
	Moderate
	Strict
	Whitelist
)

var levelNames = map[Level]string{
	Permissive: "permissive",
	Moderate:   "moderate",
	Strict:     "strict",
	Whitelist:  "whitelist",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == key {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid validation level %q (want permissive, moderate, strict or whitelist)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Status is the outcome of one evaluation.
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusWarning Status = "allowed-with-warning"
	StatusBlocked Status = "blocked"
	StatusInvalid Status = "invalid-input"
)

// Security is the coarse security tag of an evaluated command.
type Security string

const (
	SecurityLow    Security = "low"
	SecurityMedium Security = "medium"
	SecurityHigh   Security = "high"
)

// Result is the immutable outcome of validating one command.
type Result struct {
	Status   Status   `json:"status"`
	// Rule names the check that decided the result without quoting any
	// part of the command; Reason may include the offending operand.
	Rule     string   `json:"rule"`
	Reason   string   `json:"reason"`
	Security Security `json:"security"`
	Level    Level    `json:"level"`
}

// Allowed reports whether the command may run (possibly with a warning).
func (r Result) Allowed() bool {
	return r.Status == StatusAllowed || r.Status == StatusWarning
}

// Err returns a *failure.ValidationError for blocked or invalid results.
func (r Result) Err() error {
	if r.Allowed() {
		return nil
	}
	return &failure.ValidationError{Reason: r.Reason}
}

func allowed(level Level, sec Security) Result {
	return Result{Status: StatusAllowed, Rule: "allowed", Reason: "allowed at " + level.String() + " level", Security: sec, Level: level}
}

func warning(level Level, rule string, detail ...string) Result {
	return Result{Status: StatusWarning, Rule: rule, Reason: withDetail(rule, detail), Security: SecurityMedium, Level: level}
}

func blocked(level Level, rule string, detail ...string) Result {
	return Result{Status: StatusBlocked, Rule: rule, Reason: withDetail(rule, detail), Security: SecurityLow, Level: level}
}

func invalid(level Level, rule string, detail ...string) Result {
	return Result{Status: StatusInvalid, Rule: rule, Reason: withDetail(rule, detail), Security: SecurityLow, Level: level}
}

func withDetail(rule string, detail []string) string {
	if len(detail) == 0 {
		return rule
	}
	return rule + ": " + strings.Join(detail, " ")
}
