// Package protocol defines the JSON messages exchanged with a UI client
// over the terminal websocket.
package protocol

// Message types
const (
	TypeSessionOpen   = "session.open"
	TypeSessionClose  = "session.close"
	TypeSessionReady  = "session.ready"
	TypeSessionError  = "session.error"
	TypeSessionExited = "session.exited"
	TypeSessionSignal = "session.signal"
	TypePTYInput      = "pty.input"
	TypePTYOutput     = "pty.output"
	TypePTYResize     = "pty.resize"
	TypeFocus         = "session.focus"
)

// Envelope is used for initial JSON decode to determine message type
type Envelope struct {
	Type string `json:"type"`
}

// SessionOpenMessage starts a supervised process. An empty command opens
// an interactive shell.
type SessionOpenMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId"`
	Command   string `json:"command,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type SessionCloseMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type SessionReadyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Pid       int    `json:"pid,omitempty"`
}

// SessionErrorMessage carries a short user-facing reason, never a raw
// library error.
type SessionErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	Severity  string `json:"severity,omitempty"`
}

type SessionExitedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// SessionSignalMessage sends ctrl+c, ctrl+d or ctrl+z.
type SessionSignalMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal"`
}

type SessionFocusMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type PTYInputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type PTYOutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type PTYResizeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}
