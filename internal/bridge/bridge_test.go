package bridge

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinkerbelle-io/tb-terminal/internal/process"
	"github.com/tinkerbelle-io/tb-terminal/internal/protocol"
	"github.com/tinkerbelle-io/tb-terminal/internal/signing"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

type message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Error     string `json:"error"`
	Severity  string `json:"severity"`
	ExitCode  int    `json:"exitCode"`
	Pid       int    `json:"pid"`
}

func newTestServer(t *testing.T, cfg Config, opts process.Options) (*httptest.Server, *process.Manager) {
	t.Helper()
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.GraceDelay == 0 {
		opts.GraceDelay = 500 * time.Millisecond
	}
	mgr := process.NewManager(opts)
	srv := New(cfg, mgr)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		mgr.Close()
	})
	return ts, mgr
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil reads messages until one has type want, returning it and the
// output gathered on the way.
func readUntil(t *testing.T, ws *websocket.Conn, want string) (message, string) {
	t.Helper()
	var out strings.Builder
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v (output so far %q)", want, err, out.String())
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad message %s: %v", data, err)
		}
		if m.Type == protocol.TypePTYOutput {
			out.WriteString(m.Data)
		}
		if m.Type == want {
			return m, out.String()
		}
	}
}

var terminal = Config{Permissions: []string{"terminal"}}

func TestUnauthorized(t *testing.T) {
	ts, _ := newTestServer(t, Config{Token: "s3cret", Permissions: []string{"terminal"}}, process.Options{})

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected dial to fail with wrong token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}

	header := http.Header{"Authorization": []string{"Bearer s3cret"}}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), header)
	if err != nil {
		t.Fatalf("bearer dial failed: %v", err)
	}
	ws.Close()
}

func TestPermissionDenied(t *testing.T) {
	ts, _ := newTestServer(t, Config{Permissions: []string{"scan"}}, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "s1", OwnerID: "b1"})
	m, _ := readUntil(t, ws, protocol.TypeSessionError)
	if m.Error != "terminal permission not granted" {
		t.Errorf("unexpected error: %q", m.Error)
	}
	if m.SessionID != "s1" {
		t.Errorf("sessionId = %q", m.SessionID)
	}
}

func TestOpenRunsCommandAndReportsExit(t *testing.T) {
	ts, _ := newTestServer(t, terminal, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "s1", OwnerID: "b1", Command: "echo bridge-ok", Cols: 100, Rows: 30})
	ready, _ := readUntil(t, ws, protocol.TypeSessionReady)
	if ready.SessionID != "s1" || ready.Pid == 0 {
		t.Errorf("ready = %+v", ready)
	}
	exited, out := readUntil(t, ws, protocol.TypeSessionExited)
	if exited.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", exited.ExitCode)
	}
	if !strings.Contains(out, "bridge-ok") {
		t.Errorf("output missing command output: %q", out)
	}
	if !strings.Contains(out, "[process exited with code 0]") {
		t.Errorf("output missing status line: %q", out)
	}
}

func TestSignedOpen(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Permissions: []string{"terminal"}, Verifier: signing.NewVerifier(pub, 0)}
	ts, _ := newTestServer(t, cfg, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "unsigned", OwnerID: "b1", Command: "echo nope"})
	m, _ := readUntil(t, ws, protocol.TypeSessionError)
	if m.Error != "request signature rejected" {
		t.Errorf("unsigned open error = %q", m.Error)
	}

	request, _ := json.Marshal(protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "signed", OwnerID: "b1", Command: "echo signed-ok"})
	signed, err := signing.Sign(priv, request, time.Now(), "nonce-1", "user1", "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, signed); err != nil {
		t.Fatal(err)
	}
	ready, _ := readUntil(t, ws, protocol.TypeSessionReady)
	if ready.SessionID != "signed" {
		t.Errorf("ready = %+v", ready)
	}
	_, out := readUntil(t, ws, protocol.TypeSessionExited)
	if !strings.Contains(out, "signed-ok") {
		t.Errorf("output = %q", out)
	}

	if err := ws.WriteMessage(websocket.TextMessage, signed); err != nil {
		t.Fatal(err)
	}
	m, _ = readUntil(t, ws, protocol.TypeSessionError)
	if m.Error != "request signature rejected" {
		t.Errorf("replayed open error = %q", m.Error)
	}
}

func TestInputDrivesShell(t *testing.T) {
	ts, _ := newTestServer(t, terminal, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, OwnerID: "b1"})
	ready, _ := readUntil(t, ws, protocol.TypeSessionReady)
	if ready.SessionID == "" {
		t.Fatal("expected a minted session id")
	}
	send(t, ws, protocol.PTYResizeMessage{Type: protocol.TypePTYResize, SessionID: ready.SessionID, Cols: 120, Rows: 40})
	send(t, ws, protocol.PTYInputMessage{Type: protocol.TypePTYInput, SessionID: ready.SessionID, Data: "exit 3\n"})

	exited, _ := readUntil(t, ws, protocol.TypeSessionExited)
	if exited.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", exited.ExitCode)
	}
}

func TestOpenErrors(t *testing.T) {
	v, _ := validate.New(validate.DefaultPolicy())
	ts, _ := newTestServer(t, terminal, process.Options{Validator: v, Level: validate.Strict})
	ws := dial(t, ts, "")

	tests := []struct {
		name     string
		msg      any
		wantErr  string
		severity string
	}{
		{"missing owner", protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "x"}, "ownerId is required", "low"},
		{"bad size", protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, OwnerID: "o", Cols: -4}, "invalid terminal size", "low"},
		{"blocked command", protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, OwnerID: "o", Command: "sudo rm -rf /var"}, "Command not allowed", "medium"},
		{"input to unknown session", protocol.PTYInputMessage{Type: protocol.TypePTYInput, SessionID: "nope", Data: "x"}, "unknown session", "low"},
		{"signal to unknown session", protocol.SessionSignalMessage{Type: protocol.TypeSessionSignal, SessionID: "nope", Signal: "ctrl+c"}, "unknown session", "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, ws, tt.msg)
			m, _ := readUntil(t, ws, protocol.TypeSessionError)
			if !strings.Contains(m.Error, tt.wantErr) {
				t.Errorf("error %q does not contain %q", m.Error, tt.wantErr)
			}
			if m.Severity != tt.severity {
				t.Errorf("severity = %q, want %q", m.Severity, tt.severity)
			}
		})
	}
}

func TestMaxSessions(t *testing.T) {
	ts, _ := newTestServer(t, Config{Permissions: []string{"terminal"}, MaxSessions: 1}, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "s1", OwnerID: "b1"})
	readUntil(t, ws, protocol.TypeSessionReady)

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "s2", OwnerID: "b2"})
	m, _ := readUntil(t, ws, protocol.TypeSessionError)
	if m.Error != "maximum sessions reached" {
		t.Errorf("unexpected error: %q", m.Error)
	}
}

func TestCloseAndSignal(t *testing.T) {
	ts, _ := newTestServer(t, terminal, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "s1", OwnerID: "b1", Command: "sleep 30"})
	readUntil(t, ws, protocol.TypeSessionReady)
	send(t, ws, protocol.SessionSignalMessage{Type: protocol.TypeSessionSignal, SessionID: "s1", Signal: "ctrl+q"})
	if m, _ := readUntil(t, ws, protocol.TypeSessionError); m.Error != "signal not delivered" {
		t.Errorf("unexpected error: %q", m.Error)
	}
	send(t, ws, protocol.SessionCloseMessage{Type: protocol.TypeSessionClose, SessionID: "s1"})

	exited, out := readUntil(t, ws, protocol.TypeSessionExited)
	if exited.SessionID != "s1" {
		t.Errorf("exited session = %q", exited.SessionID)
	}
	if !strings.Contains(out, "[process terminated") {
		t.Errorf("expected terminated status line, got %q", out)
	}
}

func TestDisconnectTerminatesSessions(t *testing.T) {
	ts, mgr := newTestServer(t, terminal, process.Options{})
	ws := dial(t, ts, "")

	send(t, ws, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "s1", OwnerID: "b1"})
	readUntil(t, ws, protocol.TypeSessionReady)
	ws.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := mgr.Status("s1"); ok && st.State.IsFinished() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session still live after client disconnected")
}

func TestOwnerIDsAreScopedPerConnection(t *testing.T) {
	ts, mgr := newTestServer(t, terminal, process.Options{})
	first := dial(t, ts, "")
	second := dial(t, ts, "")

	send(t, first, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "first", OwnerID: "block-1", Command: "sleep 30"})
	readUntil(t, first, protocol.TypeSessionReady)
	send(t, second, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "second", OwnerID: "block-1", Command: "sleep 30"})
	readUntil(t, second, protocol.TypeSessionReady)

	for _, id := range []string{"first", "second"} {
		st, ok := mgr.Status(id)
		if !ok || st.State.IsFinished() {
			t.Errorf("session %s: state = %s, want live", id, st.State)
		}
	}
	if _, live := mgr.ActiveFor("block-1"); live {
		t.Error("raw client owner id reached the process manager")
	}

	send(t, second, protocol.PTYInputMessage{Type: protocol.TypePTYInput, SessionID: "first", Data: "x"})
	if m, _ := readUntil(t, second, protocol.TypeSessionError); m.Error != "unknown session" {
		t.Errorf("cross-connection input: %q", m.Error)
	}

	// Reopening under the same owner on one connection still replaces the
	// previous session of that connection only.
	send(t, second, protocol.SessionOpenMessage{Type: protocol.TypeSessionOpen, SessionID: "third", OwnerID: "block-1", Command: "sleep 30"})
	readUntil(t, second, protocol.TypeSessionReady)
	if st, _ := mgr.Status("second"); !st.State.IsFinished() {
		t.Errorf("second: state = %s, want finished after reopen", st.State)
	}
	if st, _ := mgr.Status("first"); st.State.IsFinished() {
		t.Errorf("first: state = %s, terminated by another connection", st.State)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"https://app.example.com"}}, process.NewManager(process.Options{}))
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "localhost:7681", true},
		{"http://localhost:7681", "localhost:7681", true},
		{"https://app.example.com", "localhost:7681", true},
		{"https://evil.example.com", "localhost:7681", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	s := New(Config{Token: "test"}, process.NewManager(process.Options{}))
	if s.maxSessions != DefaultMaxSessions {
		t.Errorf("expected default max sessions %d, got %d", DefaultMaxSessions, s.maxSessions)
	}
	if s.idleTimeout != DefaultIdleTimeout {
		t.Errorf("idle timeout = %v", s.idleTimeout)
	}
	if s.permissions["terminal"] {
		t.Error("terminal permission should not be granted by default")
	}
}
