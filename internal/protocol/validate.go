package protocol

import (
	"fmt"
	"regexp"
)

// idRe matches session and owner identifiers.
var idRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

const (
	maxIDLen = 128
	// MaxDimension bounds terminal columns and rows.
	MaxDimension = 1000
)

// ValidateID checks that an identifier is non-empty and uses a safe
// character set.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s too long (%d chars, max %d)", field, len(id), maxIDLen)
	}
	if !idRe.MatchString(id) {
		return fmt.Errorf("invalid %s: %q", field, id)
	}
	return nil
}

// ValidateSize checks terminal dimensions. Zero means "use the default".
func ValidateSize(cols, rows int) error {
	if cols < 0 || rows < 0 || cols > MaxDimension || rows > MaxDimension {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return nil
}

// ValidateOpen checks a session.open message. The session id may be empty,
// in which case the server mints one.
func ValidateOpen(m SessionOpenMessage) error {
	if m.SessionID != "" {
		if err := ValidateID("sessionId", m.SessionID); err != nil {
			return err
		}
	}
	if err := ValidateID("ownerId", m.OwnerID); err != nil {
		return err
	}
	return ValidateSize(m.Cols, m.Rows)
}
