package audit

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Stats aggregates events on demand.
type Stats struct {
	Total       int              `json:"total"`
	ByKind      map[Kind]int     `json:"by_kind"`
	BySecurity  map[Security]int `json:"by_security"`
	Successes   int              `json:"successes"`
	SuccessRate float64          `json:"success_rate"`
}

// Stats computes counts over all persisted events plus the buffer.
func (l *Log) Stats() (Stats, error) {
	events, err := l.Events()
	if err != nil {
		return Stats{}, err
	}
	return computeStats(events), nil
}

func computeStats(events []Event) Stats {
	s := Stats{
		Total:      len(events),
		ByKind:     make(map[Kind]int),
		BySecurity: make(map[Security]int),
	}
	for _, ev := range events {
		s.ByKind[ev.Kind]++
		if ev.Security != "" {
			s.BySecurity[ev.Security]++
		}
		if ev.Success {
			s.Successes++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Total)
	}
	return s
}

// Format selects an export encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatCSV    Format = "csv"
	FormatSyslog Format = "syslog"
)

// ParseFormat parses an export format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV, FormatSyslog:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json, csv or syslog)", s)
}

var csvHeader = []string{
	"id", "timestamp", "kind", "session_id", "host", "user",
	"command_name", "command_hash", "path", "success", "blocked", "security",
}

// Export writes every event in the given format. Events carry only
// hashed commands and sanitized paths, so neither appears raw.
func (l *Log) Export(w io.Writer, format Format) error {
	events, err := l.Events()
	if err != nil {
		return err
	}
	return export(w, format, events)
}

func export(w io.Writer, format Format, events []Event) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if events == nil {
			events = []Event{}
		}
		return enc.Encode(events)

	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, ev := range events {
			if err := cw.Write([]string{
				ev.ID,
				ev.Timestamp.Format(time.RFC3339Nano),
				string(ev.Kind),
				ev.SessionID,
				ev.Host,
				ev.User,
				ev.CommandName,
				ev.CommandHash,
				ev.Path,
				strconv.FormatBool(ev.Success),
				strconv.FormatBool(ev.Blocked),
				string(ev.Security),
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case FormatSyslog:
		for _, ev := range events {
			if _, err := io.WriteString(w, syslogLine(ev)+"\n"); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.New("audit: unsupported export format " + string(format))
}

// syslog facility authpriv (10).
const facilityAuthPriv = 10 << 3

func syslogSeverity(ev Event) int {
	switch {
	case ev.Kind == KindSecurityViolation || (ev.Kind == KindHostKeyUpdate && !ev.Success):
		return 2 // critical
	case ev.Blocked || ev.Kind == KindSecurityWarning:
		return 4 // warning
	case !ev.Success:
		return 3 // error
	}
	return 6 // informational
}

// syslogLine renders an RFC 5424 style line.
func syslogLine(ev Event) string {
	host := ev.Host
	if host == "" {
		host = "-"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<%d>1 %s %s tb-terminal - %s -",
		facilityAuthPriv+syslogSeverity(ev), ev.Timestamp.Format(time.RFC3339Nano), host, ev.Kind)

	kv := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&sb, " %s=%q", k, v)
		}
	}
	kv("id", ev.ID)
	kv("session", ev.SessionID)
	kv("user", ev.User)
	kv("command", ev.CommandName)
	kv("command_hash", ev.CommandHash)
	kv("path", ev.Path)
	kv("security", string(ev.Security))
	fmt.Fprintf(&sb, " success=%t", ev.Success)
	for _, k := range slices.Sorted(maps.Keys(ev.Payload)) {
		kv(k, ev.Payload[k])
	}
	return sb.String()
}
