// Package bridge serves supervised process sessions to a UI client over a
// websocket, speaking the JSON messages in internal/protocol.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/process"
	"github.com/tinkerbelle-io/tb-terminal/internal/protocol"
	"github.com/tinkerbelle-io/tb-terminal/internal/signing"
)

const (
	DefaultMaxSessions = 5
	DefaultReadLimit   = 64 << 10
	DefaultIdleTimeout = 30 * time.Minute

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	idleCheck    = time.Minute
)

// clientError is a protocol-level problem reported to the client
// verbatim.
type clientError string

func (e clientError) Error() string { return string(e) }

const (
	errPermission  clientError = "terminal permission not granted"
	errMaxSessions clientError = "maximum sessions reached"
	errNotOwned    clientError = "unknown session"
	errNoInput     clientError = "session is not accepting input"
	errNoSignal    clientError = "signal not delivered"
	errReused      clientError = "session id already used"
	errSignature   clientError = "request signature rejected"
)

// Config configures a Server.
type Config struct {
	// Token, when set, must be presented as a bearer token or the
	// "token" query parameter.
	Token string
	// Permissions granted to clients; "terminal" is required to open
	// sessions.
	Permissions    []string
	MaxSessions    int
	IdleTimeout    time.Duration
	AllowedOrigins []string
	ReadLimit      int64
	// Verifier, when set, requires every session.open to be signed.
	Verifier *signing.Verifier
}

// Server is an http.Handler upgrading requests to terminal websockets.
type Server struct {
	mgr         *process.Manager
	token       string
	permissions map[string]bool
	maxSessions int
	idleTimeout time.Duration
	readLimit   int64
	origins     []string
	verifier    *signing.Verifier
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server attached to mgr.
func New(cfg Config, mgr *process.Manager) *Server {
	s := &Server{
		mgr:         mgr,
		token:       cfg.Token,
		permissions: make(map[string]bool),
		maxSessions: cfg.MaxSessions,
		idleTimeout: cfg.IdleTimeout,
		readLimit:   cfg.ReadLimit,
		origins:     cfg.AllowedOrigins,
		verifier:    cfg.Verifier,
		logger:      slog.Default().With("component", "bridge"),
	}
	for _, p := range cfg.Permissions {
		s.permissions[p] = true
	}
	if s.maxSessions <= 0 {
		s.maxSessions = DefaultMaxSessions
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.readLimit <= 0 {
		s.readLimit = DefaultReadLimit
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// checkOrigin accepts same-host requests, requests without an Origin
// header and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &conn{
		id:       uuid.NewString(),
		srv:      s,
		ws:       ws,
		sessions: make(map[string]bool),
		logger:   s.logger.With("remote", r.RemoteAddr),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run()
	}()
}

// Close drops every client connection and waits for their sessions to be
// terminated.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

type conn struct {
	// id scopes client owner ids so two connections never share one.
	id     string
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]bool
	forwards sync.WaitGroup
}

func (c *conn) run() {
	done := make(chan struct{})
	defer func() {
		close(done)
		c.ws.Close()
		c.closeAll()
		c.forwards.Wait()
	}()

	stop := context.AfterFunc(c.srv.ctx, func() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
	defer stop()

	go c.keepalive(done)

	c.ws.SetReadLimit(c.srv.readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.logger.Info("client connected")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read failed", "error", err)
			}
			c.logger.Info("client disconnected")
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *conn) keepalive(done <-chan struct{}) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	idle := time.NewTicker(idleCheck)
	defer idle.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-idle.C:
			c.reapIdle(time.Now())
		}
	}
}

// reapIdle terminates sessions with no traffic for the idle timeout.
func (c *conn) reapIdle(now time.Time) {
	for _, id := range c.owned() {
		st, ok := c.srv.mgr.Status(id)
		if !ok || !st.State.IsActive() {
			continue
		}
		if now.Sub(st.LastActivity) > c.srv.idleTimeout {
			c.logger.Info("closing idle session", "session", id, "idle", now.Sub(st.LastActivity).Round(time.Second))
			go c.srv.mgr.Terminate(id, process.DefaultTerminateTimeout)
		}
	}
}

func (c *conn) handleMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("malformed message", "error", err)
		return
	}

	var err error
	var sessionID string
	switch env.Type {
	case protocol.TypeSessionOpen:
		if data, err = c.verify(data); err != nil {
			break
		}
		var msg protocol.SessionOpenMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			sessionID = msg.SessionID
			err = c.handleSessionOpen(msg)
		}
	case protocol.TypePTYInput:
		var msg protocol.PTYInputMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			sessionID = msg.SessionID
			err = c.handleInput(msg)
		}
	case protocol.TypePTYResize:
		var msg protocol.PTYResizeMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			sessionID = msg.SessionID
			err = c.handleResize(msg)
		}
	case protocol.TypeSessionSignal:
		var msg protocol.SessionSignalMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			sessionID = msg.SessionID
			err = c.handleSignal(msg)
		}
	case protocol.TypeFocus:
		var msg protocol.SessionFocusMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			sessionID = msg.SessionID
			if c.owns(msg.SessionID) {
				c.srv.mgr.Focus(msg.SessionID)
			}
		}
	case protocol.TypeSessionClose:
		var msg protocol.SessionCloseMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			sessionID = msg.SessionID
			err = c.handleClose(msg)
		}
	default:
		c.logger.Debug("unknown message type", "type", env.Type)
		return
	}
	if err != nil {
		c.sendError(sessionID, err)
	}
}

// verify checks the signature of a session.open when a verifier is
// configured and returns the request without its signing fields.
func (c *conn) verify(data []byte) ([]byte, error) {
	if c.srv.verifier == nil {
		return data, nil
	}
	request, claims, err := c.srv.verifier.Verify(data)
	if err != nil {
		c.logger.Warn("rejected unsigned or invalid session.open", "user", claims.UserID, "origin", claims.Origin, "error", err)
		return nil, errSignature
	}
	c.logger.Debug("verified session.open", "user", claims.UserID, "origin", claims.Origin)
	return request, nil
}

func (c *conn) handleSessionOpen(msg protocol.SessionOpenMessage) error {
	if !c.srv.permissions["terminal"] {
		return errPermission
	}
	if err := protocol.ValidateOpen(msg); err != nil {
		return clientError(err.Error())
	}
	if c.live() >= c.srv.maxSessions {
		return errMaxSessions
	}

	req := process.DetectRequirements(msg.Command)
	req.NeedsInput = true
	req.NeedsPTY = true
	req.LongRunning = true

	id, err := c.srv.mgr.Activate(c.srv.ctx, msg.SessionID, c.owner(msg.OwnerID), msg.Command, req)
	if errors.Is(err, process.ErrSessionIDReused) {
		return errReused
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessions[id] = true
	c.mu.Unlock()

	if msg.Cols > 0 && msg.Rows > 0 {
		if err := c.srv.mgr.Resize(id, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
			c.logger.Debug("initial resize failed", "session", id, "error", err)
		}
	}
	out, _ := c.srv.mgr.Output(id)
	st, _ := c.srv.mgr.Status(id)
	if err := c.send(protocol.SessionReadyMessage{Type: protocol.TypeSessionReady, SessionID: id, Pid: st.Pid}); err != nil {
		return err
	}

	c.forwards.Add(1)
	go c.forward(id, out)
	return nil
}

// forward relays output until the session ends, then reports the exit
// code and releases the session.
func (c *conn) forward(id string, out <-chan []byte) {
	defer c.forwards.Done()
	for chunk := range out {
		if err := c.send(protocol.PTYOutputMessage{Type: protocol.TypePTYOutput, SessionID: id, Data: string(chunk)}); err != nil {
			c.logger.Debug("output send failed", "session", id, "error", err)
		}
	}
	st, _ := c.srv.mgr.Status(id)
	c.send(protocol.SessionExitedMessage{Type: protocol.TypeSessionExited, SessionID: id, ExitCode: st.ExitCode})

	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	c.srv.mgr.Remove(id)
}

func (c *conn) handleInput(msg protocol.PTYInputMessage) error {
	if !c.owns(msg.SessionID) {
		return errNotOwned
	}
	if !c.srv.mgr.WriteInput(msg.SessionID, []byte(msg.Data)) {
		return errNoInput
	}
	return nil
}

func (c *conn) handleResize(msg protocol.PTYResizeMessage) error {
	if !c.owns(msg.SessionID) {
		return errNotOwned
	}
	if err := protocol.ValidateSize(msg.Cols, msg.Rows); err != nil {
		return clientError(err.Error())
	}
	if err := c.srv.mgr.Resize(msg.SessionID, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
		c.logger.Debug("resize failed", "session", msg.SessionID, "error", err)
	}
	return nil
}

func (c *conn) handleSignal(msg protocol.SessionSignalMessage) error {
	if !c.owns(msg.SessionID) {
		return errNotOwned
	}
	if !c.srv.mgr.SendControlSignal(msg.SessionID, msg.Signal) {
		return errNoSignal
	}
	return nil
}

func (c *conn) handleClose(msg protocol.SessionCloseMessage) error {
	if !c.owns(msg.SessionID) {
		return errNotOwned
	}
	go c.srv.mgr.Terminate(msg.SessionID, process.DefaultTerminateTimeout)
	return nil
}

// closeAll terminates every session opened by this client.
func (c *conn) closeAll() {
	var wg sync.WaitGroup
	for _, id := range c.owned() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.srv.mgr.Terminate(id, process.DefaultTerminateTimeout)
		}()
	}
	wg.Wait()
}

func (c *conn) owner(clientID string) string {
	return c.id + "/" + clientID
}

func (c *conn) owns(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *conn) owned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *conn) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// sendError reports err to the client. Protocol errors pass through;
// everything else is reduced to a short reason by failure.Describe.
func (c *conn) sendError(sessionID string, err error) {
	var reason string
	sev := failure.SeverityLow
	var ce clientError
	if errors.As(err, &ce) {
		reason = ce.Error()
	} else {
		reason, sev = failure.Describe(err)
	}
	c.logger.Debug("session error", "session", sessionID, "error", err)
	c.send(protocol.SessionErrorMessage{
		Type:      protocol.TypeSessionError,
		SessionID: sessionID,
		Error:     reason,
		Severity:  string(sev),
	})
}
