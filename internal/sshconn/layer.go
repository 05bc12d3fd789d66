// Package sshconn establishes authenticated SSH sessions, directly or
// through pooled jump hosts, and runs validated commands and file
// transfers over them. Every security-relevant step is audited.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/credstore"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/health"
	"github.com/tinkerbelle-io/tb-terminal/internal/session"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

// DefaultTimeout bounds dialing plus the SSH handshake.
const DefaultTimeout = 15 * time.Second

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Options configures a Layer. HostKeys is required.
type Options struct {
	HostKeys    *HostKeyStore
	Audit       *audit.Log
	Credentials *credstore.Store
	Device      DeviceCapabilities
	Health      *health.Monitor
	Validator   *validate.Validator
	Timeout     time.Duration
	Now         func() time.Time
}

// Connection is one authenticated remote-shell session. It holds a
// reference to its jump host, if any, but never owns the pooled entry.
type Connection struct {
	ID   string
	Host HostConfig

	client *ssh.Client
	jump   *jumpEntry

	mu     sync.Mutex
	info   session.Info
	closed bool
}

// Info returns a snapshot of the session counters and state.
func (c *Connection) Info() session.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Via returns the jump host address, or "" for a direct connection.
func (c *Connection) Via() string {
	if c.jump == nil {
		return ""
	}
	return c.jump.key
}

// Probe sends an OpenSSH keepalive request and waits for any reply.
func (c *Connection) Probe(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) account(sent, received int, now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.BytesSent += int64(sent)
	c.info.BytesReceived += int64(received)
	c.info.CommandsExecuted++
	c.info.Touch(now)
	return c.info.CommandsExecuted
}

type jumpEntry struct {
	key    string
	client *ssh.Client
	refs   int
	dead   chan struct{}
}

func (e *jumpEntry) alive() bool {
	select {
	case <-e.dead:
		return false
	default:
		return true
	}
}

// Layer owns connections and the jump-host pool.
type Layer struct {
	hostKeys  *HostKeyStore
	audit     *audit.Log
	creds     *credstore.Store
	device    DeviceCapabilities
	health    *health.Monitor
	validator *validate.Validator
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	jumps map[string]*jumpEntry
}

// NewLayer creates a Layer.
func NewLayer(opts Options) (*Layer, error) {
	if opts.HostKeys == nil {
		return nil, errors.New("sshconn: a host key store is required")
	}
	l := &Layer{
		hostKeys:  opts.HostKeys,
		audit:     opts.Audit,
		creds:     opts.Credentials,
		device:    opts.Device,
		health:    opts.Health,
		validator: opts.Validator,
		timeout:   opts.Timeout,
		now:       opts.Now,
		logger:    slog.Default().With("component", "sshconn"),
		conns:     make(map[string]*Connection),
		jumps:     make(map[string]*jumpEntry),
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Connect pre-checks h, dials it and authenticates. The attempt is
// audited whether or not it succeeds.
func (l *Layer) Connect(ctx context.Context, h HostConfig, passphrase string) (*Connection, error) {
	if err := Precheck(h, l.device); err != nil {
		l.recordAttempt(h, "", "", err)
		return nil, err
	}
	client, err := l.dial(ctx, h, passphrase, nil)
	if err != nil {
		l.recordAttempt(h, "", "", err)
		return nil, err
	}
	conn := l.register(h, client, nil)
	l.recordAttempt(h, conn.ID, "", nil)
	return conn, nil
}

// ConnectThroughJumpHost authenticates to target over a direct-tcpip
// tunnel through a pooled connection to jump.
func (l *Layer) ConnectThroughJumpHost(ctx context.Context, target, jump HostConfig, targetPassphrase, jumpPassphrase string) (*Connection, error) {
	via := jump.Addr()
	for _, h := range []HostConfig{jump, target} {
		if err := Precheck(h, l.device); err != nil {
			l.recordAttempt(target, "", via, err)
			return nil, err
		}
	}

	entry, err := l.acquireJump(ctx, jump, jumpPassphrase)
	if err != nil {
		l.recordAttempt(target, "", via, err)
		return nil, err
	}
	client, err := l.dial(ctx, target, targetPassphrase, entry.client)
	if err != nil {
		l.releaseJump(entry)
		l.recordAttempt(target, "", via, err)
		return nil, err
	}
	conn := l.register(target, client, entry)
	l.recordAttempt(target, conn.ID, via, nil)
	return conn, nil
}

func (l *Layer) acquireJump(ctx context.Context, jump HostConfig, passphrase string) (*jumpEntry, error) {
	key := jump.Addr()

	l.mu.Lock()
	if e := l.jumps[key]; e != nil {
		if e.alive() {
			e.refs++
			l.mu.Unlock()
			return e, nil
		}
		l.logger.Debug("evicting closed jump host", "jump", key)
		delete(l.jumps, key)
	}
	l.mu.Unlock()

	client, err := l.dial(ctx, jump, passphrase, nil)
	if err != nil {
		return nil, err
	}
	l.recordAttempt(jump, "", "", nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.jumps[key]; e != nil && e.alive() {
		// Lost a race with another caller; share its entry.
		client.Close()
		e.refs++
		return e, nil
	}
	e := &jumpEntry{key: key, client: client, refs: 1, dead: make(chan struct{})}
	go func() {
		client.Wait()
		close(e.dead)
	}()
	l.jumps[key] = e
	return e, nil
}

func (l *Layer) releaseJump(e *jumpEntry) {
	l.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && l.jumps[e.key] == e {
		delete(l.jumps, e.key)
	}
	l.mu.Unlock()

	if last {
		l.logger.Debug("closing jump host", "jump", e.key)
		e.client.Close()
	}
}

// dial connects to h directly, or through via when it is non-nil.
func (l *Layer) dial(ctx context.Context, h HostConfig, passphrase string, via *ssh.Client) (*ssh.Client, error) {
	auth, err := l.authMethods(h, passphrase)
	if err != nil {
		return nil, err
	}
	if h.Compression {
		l.logger.Debug("compression requested but not supported by the transport", "host", h.String())
	}

	var hostKeyErr error
	cfg := &ssh.ClientConfig{
		User: h.Username,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = l.hostKeys.Verify(h, hostname, remote, key)
			return hostKeyErr
		},
		Timeout: l.timeout,
		Config: ssh.Config{
			Ciphers: orDefault(h.Ciphers, AllowedCiphers),
			MACs:    orDefault(h.MACs, AllowedMACs),
		},
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	addr := h.Addr()
	var conn net.Conn
	if via == nil {
		d := net.Dialer{Timeout: l.timeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = via.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, failure.Transport("reach "+h.String(), fmt.Errorf("dial %s: %w", addr, err))
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		// The context fired mid-handshake and closed conn.
		if err == nil {
			c.Close()
			err = ctx.Err()
		}
	}
	if err != nil {
		conn.Close()
		switch {
		case hostKeyErr != nil:
			return nil, hostKeyErr
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, failure.Security("authenticate", "authentication to %s failed", h)
		}
		return nil, failure.Transport("connect to "+h.String(), fmt.Errorf("ssh handshake %s: %w", addr, err))
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func orDefault(list, def []string) []string {
	if len(list) == 0 {
		return def
	}
	return list
}

func (l *Layer) register(h HostConfig, client *ssh.Client, jump *jumpEntry) *Connection {
	now := l.now()
	conn := &Connection{
		ID:     uuid.NewString(),
		Host:   h,
		client: client,
		jump:   jump,
		info: session.Info{
			Kind:         session.KindRemoteShell,
			State:        session.StatePending,
			CreatedAt:    now,
			LastActivity: now,
			OwnerID:      h.String(),
		},
	}
	conn.info.ID = conn.ID
	_ = conn.info.Transition(session.StateRunning)

	l.mu.Lock()
	l.conns[conn.ID] = conn
	l.mu.Unlock()

	if l.health != nil {
		l.health.Register(conn.ID, conn)
		if err := l.health.Start(context.Background(), conn.ID); err != nil {
			l.logger.Debug("health probes not started", "session", conn.ID, "error", err)
		}
	}
	go l.watch(conn)
	l.logger.Info("connected", "session", conn.ID, "host", h.String(), "via", conn.Via())
	return conn
}

// watch reports a transport that ends without Close to the health
// monitor.
func (l *Layer) watch(conn *Connection) {
	err := conn.client.Wait()
	if conn.isClosed() {
		return
	}
	l.logger.Warn("connection lost", "session", conn.ID, "host", conn.Host.String(), "error", err)
	if l.health != nil {
		l.health.RecordFailure(conn.ID, fmt.Errorf("connection lost: %w", err))
	}
}

// transportFailure degrades health first, then wraps err for the caller.
func (l *Layer) transportFailure(conn *Connection, op string, err error) error {
	if l.health != nil {
		l.health.RecordFailure(conn.ID, err)
	}
	l.logger.Warn("transport error", "session", conn.ID, "op", op, "error", err)
	return failure.Transport(op, err)
}

// Get returns the open connection with id.
func (l *Layer) Get(id string) (*Connection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[id]
	return c, ok
}

// Connections returns snapshots of all open connections, oldest first.
func (l *Layer) Connections() []session.Info {
	l.mu.Lock()
	out := make([]session.Info, 0, len(l.conns))
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close closes conn, audits the disconnection and releases its jump host
// reference. The pooled jump client is closed only when no other
// connection references it.
func (l *Layer) Close(conn *Connection) error {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return nil
	}
	conn.closed = true
	_ = conn.info.Transition(session.StateCompleted)
	_ = conn.info.Transition(session.StateTerminated)
	conn.info.Touch(l.now())
	commands := conn.info.CommandsExecuted
	conn.mu.Unlock()

	if err := conn.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("closing client", "session", conn.ID, "error", err)
	}

	l.mu.Lock()
	delete(l.conns, conn.ID)
	l.mu.Unlock()

	if conn.jump != nil {
		l.releaseJump(conn.jump)
	}
	if l.health != nil {
		l.health.Unregister(conn.ID)
	}
	l.record(audit.Entry{
		Kind:      audit.KindDisconnection,
		SessionID: conn.ID,
		Host:      conn.Host.Addr(),
		User:      conn.Host.Username,
		Success:   true,
		Security:  audit.SecurityLow,
		Payload:   map[string]string{"commands": strconv.FormatInt(commands, 10)},
	})
	l.logger.Info("disconnected", "session", conn.ID, "host", conn.Host.String())
	return nil
}

// Disconnect closes the connection with id.
func (l *Layer) Disconnect(id string) error {
	conn, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	return l.Close(conn)
}

// CloseAll closes every open connection.
func (l *Layer) CloseAll() {
	l.mu.Lock()
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		l.Close(c)
	}
}

func (l *Layer) record(e audit.Entry) {
	if l.audit != nil {
		l.audit.Record(e)
	}
}

func (l *Layer) recordAttempt(h HostConfig, sessionID, via string, err error) {
	e := audit.Entry{
		Kind:      audit.KindConnectionAttempt,
		SessionID: sessionID,
		Host:      h.Addr(),
		User:      h.Username,
		Success:   err == nil,
		Security:  tierSecurity(h.Tier),
		Payload:   map[string]string{"tier": string(h.Tier), "auth": string(h.Auth)},
	}
	if via != "" {
		e.Payload["via"] = via
	}
	if err != nil {
		e.Payload["reason"], _ = failure.Describe(err)
	}
	l.record(e)

	// A failed authentication is critical, so its flush also persists the
	// attempt buffered above.
	var sec *failure.SecurityError
	if errors.As(err, &sec) && sec.Op == "authenticate" {
		l.record(audit.Entry{
			Kind:      audit.KindAuthentication,
			SessionID: sessionID,
			Host:      h.Addr(),
			User:      h.Username,
			Success:   false,
			Security:  audit.SecurityHigh,
			Payload:   map[string]string{"auth": string(h.Auth)},
		})
	}
}

func tierSecurity(t Tier) audit.Security {
	switch t {
	case TierCritical:
		return audit.SecurityCritical
	case TierHigh:
		return audit.SecurityHigh
	case TierLow:
		return audit.SecurityLow
	}
	return audit.SecurityMedium
}
