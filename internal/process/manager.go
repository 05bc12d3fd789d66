// Package process supervises locally spawned interactive processes: it
// merges their output, routes input and control signals, tracks focus and
// enforces one supervised process per owner.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinkerbelle-io/tb-terminal/internal/events"
	"github.com/tinkerbelle-io/tb-terminal/internal/session"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

const (
	DefaultTerminateTimeout = 5 * time.Second
	DefaultGraceDelay       = 100 * time.Millisecond

	// killWait bounds the wait for exit after a forced kill.
	killWait = 3 * time.Second

	outputBuffer = 256
	inputBuffer  = 64
	readChunk    = 4096
)

const (
	ctrlC byte = 0x03
	ctrlD byte = 0x04
	ctrlZ byte = 0x1A
)

var controlSignals = map[string]byte{
	"ctrl+c": ctrlC,
	"ctrl+d": ctrlD,
	"ctrl+z": ctrlZ,
}

var (
	ErrSessionIDReused = errors.New("session id already used")
	ErrUnknownSession  = errors.New("unknown session")
)

// EventType names a manager event.
type EventType string

const (
	EventActivated    EventType = "activated"
	EventFocusChanged EventType = "focus-changed"
	EventTerminated   EventType = "terminated"
)

// Event is published on every session state change. It is observational
// only.
type Event struct {
	Type      EventType
	SessionID string
	OwnerID   string
	ExitCode  int
	At        time.Time
}

// Status is a read-only snapshot of one supervised session.
type Status struct {
	session.Info
	Command      string       `json:"command"`
	Requirements Requirements `json:"requirements"`
	Pid          int          `json:"pid"`
	ExitCode     int          `json:"exit_code"`
	TerminatedAt time.Time    `json:"terminated_at,omitzero"`
}

// Options configures a Manager.
type Options struct {
	Spawner Spawner
	// Validator, when set, gates every command before it is spawned.
	Validator *validate.Validator
	Level     validate.Level
	// Shell runs command lines; defaults to $SHELL, then /bin/sh.
	Shell      string
	Dir        string
	GraceDelay time.Duration
	Now        func() time.Time
}

type handle struct {
	info         session.Info
	command      string
	req          Requirements
	proc         Process
	output       chan []byte
	input        chan []byte
	done         chan struct{} // closed once the state is terminated
	abandon      chan struct{} // closed when readers must stop
	cancelled    bool
	exitCode     int
	terminatedAt time.Time
}

// Manager supervises local process sessions. Registries are guarded by
// mu; activations are serialized by activateMu so the one-process-per-owner
// rule holds under concurrent callers.
type Manager struct {
	spawner   Spawner
	validator *validate.Validator
	level     validate.Level
	shell     string
	dir       string
	grace     time.Duration
	now       func() time.Time
	logger    *slog.Logger
	bus       *events.Broadcaster[Event]

	activateMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*handle
	owners   map[string]string
	used     map[string]bool
	focused  string
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		spawner:   opts.Spawner,
		validator: opts.Validator,
		level:     opts.Level,
		shell:     opts.Shell,
		dir:       opts.Dir,
		grace:     opts.GraceDelay,
		now:       opts.Now,
		logger:    slog.Default().With("component", "process"),
		bus:       events.New[Event](),
		sessions:  make(map[string]*handle),
		owners:    make(map[string]string),
		used:      make(map[string]bool),
	}
	if m.spawner == nil {
		m.spawner = OSSpawner{}
	}
	if m.shell == "" {
		m.shell = os.Getenv("SHELL")
	}
	if m.shell == "" {
		m.shell = "/bin/sh"
	}
	if m.grace <= 0 {
		m.grace = DefaultGraceDelay
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Subscribe registers an event subscriber.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe(events.DefaultBuffer)
}

// Activate starts a supervised session for command. It returns "" and no
// error when req needs no supervision; the caller then runs the command
// itself. Any supervised session already owned by ownerID is terminated
// before the new one starts. An empty command with NeedsPTY starts an
// interactive shell.
func (m *Manager) Activate(ctx context.Context, sessionID, ownerID, command string, req Requirements) (string, error) {
	if m.validator != nil && strings.TrimSpace(command) != "" {
		if r := m.validator.Validate(command, m.level); !r.Allowed() {
			return "", r.Err()
		}
	}
	if !req.Supervised() {
		return "", nil
	}

	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	m.mu.Lock()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if m.used[sessionID] {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionIDReused, sessionID)
	}
	m.used[sessionID] = true
	prev := m.owners[ownerID]
	m.mu.Unlock()

	if prev != "" {
		if !m.Terminate(prev, DefaultTerminateTimeout) {
			return "", fmt.Errorf("previous session %s of owner %s did not terminate", prev, ownerID)
		}
	}

	now := m.now()
	h := &handle{
		info: session.Info{
			ID:           sessionID,
			Kind:         session.KindLocalProcess,
			State:        session.StatePending,
			OwnerID:      ownerID,
			CreatedAt:    now,
			LastActivity: now,
		},
		command: command,
		req:     req,
		output:  make(chan []byte, outputBuffer),
		input:   make(chan []byte, inputBuffer),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}

	spec := SpawnSpec{
		Executable: m.shell,
		Env:        FilterEnv(os.Environ()),
		Dir:        m.dir,
		PTY:        req.NeedsPTY,
	}
	if strings.TrimSpace(command) != "" {
		spec.Args = []string{"-c", command}
	}

	proc, err := m.spawner.Spawn(ctx, spec)
	if err != nil {
		m.logger.Warn("spawn failed", "session", sessionID, "error", err)
		return "", fmt.Errorf("spawn session %s: %w", sessionID, err)
	}
	h.proc = proc

	m.mu.Lock()
	_ = h.info.Transition(session.StateRunning)
	if req.NeedsInput || req.NeedsPTY {
		_ = h.info.Transition(session.StateInteractive)
	}
	m.sessions[sessionID] = h
	m.owners[ownerID] = sessionID
	m.bus.Publish(Event{Type: EventActivated, SessionID: sessionID, OwnerID: ownerID, At: now})
	m.mu.Unlock()

	m.logger.Info("session activated", "session", sessionID, "owner", ownerID, "pid", proc.Pid(), "pty", req.NeedsPTY)

	var readers sync.WaitGroup
	for _, r := range proc.Outputs() {
		readers.Add(1)
		go m.pump(h, r, &readers)
	}
	go m.writeInput(h)
	go m.watch(h, &readers)

	return sessionID, nil
}

func (m *Manager) pump(h *handle, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.mu.Lock()
			h.info.BytesReceived += int64(n)
			h.info.Touch(m.now())
			m.mu.Unlock()
			select {
			case h.output <- chunk:
			case <-h.abandon:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) writeInput(h *handle) {
	w := h.proc.Stdin()
	for {
		select {
		case <-h.done:
			return
		case data := <-h.input:
			if w == nil {
				continue
			}
			if _, err := w.Write(data); err != nil {
				m.logger.Debug("input write failed", "session", h.info.ID, "error", err)
			}
		}
	}
}

// watch waits for exit, finalizes state, then drains and closes output.
func (m *Manager) watch(h *handle, readers *sync.WaitGroup) {
	code, err := h.proc.Wait()
	if err != nil {
		m.logger.Warn("wait failed", "session", h.info.ID, "error", err)
	}
	now := m.now()

	m.mu.Lock()
	final := session.StateCompleted
	switch {
	case h.cancelled:
		final = session.StateCancelled
	case code != 0 || err != nil:
		final = session.StateFailed
	}
	_ = h.info.Transition(final)
	_ = h.info.Transition(session.StateTerminated)
	h.exitCode = code
	h.terminatedAt = now
	h.info.Touch(now)
	if m.owners[h.info.OwnerID] == h.info.ID {
		delete(m.owners, h.info.OwnerID)
	}
	if m.focused == h.info.ID {
		m.focused = ""
	}
	m.bus.Publish(Event{Type: EventTerminated, SessionID: h.info.ID, OwnerID: h.info.OwnerID, ExitCode: code, At: now})
	close(h.done)
	m.mu.Unlock()

	m.logger.Info("session terminated", "session", h.info.ID, "state", final, "exit_code", code)

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.grace):
		close(h.abandon)
		h.proc.Close()
		<-drained
	}
	h.proc.Close()

	status := fmt.Sprintf("\r\n[process exited with code %d]\r\n", code)
	if h.cancelled {
		status = fmt.Sprintf("\r\n[process terminated, code %d]\r\n", code)
	}
	select {
	case h.output <- []byte(status):
	case <-time.After(time.Second):
	}
	close(h.output)
}

func (m *Manager) lookup(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// SendInput writes text plus a trailing newline to the session's stdin.
// It returns false, writing nothing, unless the session declared input
// and is running.
func (m *Manager) SendInput(id, text string) bool {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if !m.enqueue(id, []byte(text), true) {
		return false
	}
	m.mu.Lock()
	if h := m.sessions[id]; h != nil {
		h.info.CommandsExecuted++
	}
	m.mu.Unlock()
	return true
}

// WriteInput writes raw bytes with the same gating as SendInput.
func (m *Manager) WriteInput(id string, data []byte) bool {
	return m.enqueue(id, data, true)
}

// SendControlSignal writes the control byte for ctrl+c, ctrl+d or ctrl+z
// to the session's input, with no newline.
func (m *Manager) SendControlSignal(id, signal string) bool {
	b, ok := controlSignals[strings.ToLower(strings.TrimSpace(signal))]
	if !ok {
		return false
	}
	return m.enqueue(id, []byte{b}, false)
}

func (m *Manager) enqueue(id string, data []byte, needsInput bool) bool {
	m.mu.Lock()
	h := m.sessions[id]
	if h == nil || !h.info.State.IsActive() || (needsInput && !h.req.NeedsInput) {
		m.mu.Unlock()
		return false
	}
	h.info.BytesSent += int64(len(data))
	h.info.Touch(m.now())
	m.mu.Unlock()

	select {
	case h.input <- data:
		return true
	case <-h.done:
		return false
	}
}

// Terminate stops a session in two stages: an interrupt, then a forced
// kill if it has not exited within timeout. It reports whether the
// session reached the terminated state.
func (m *Manager) Terminate(id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}
	m.mu.Lock()
	h := m.sessions[id]
	if h == nil {
		m.mu.Unlock()
		return false
	}
	if h.info.State == session.StateTerminated {
		m.mu.Unlock()
		return true
	}
	h.cancelled = true
	m.mu.Unlock()

	if err := h.proc.Interrupt(); err != nil {
		m.logger.Debug("interrupt failed", "session", id, "error", err)
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
	}

	m.logger.Warn("session ignored interrupt, killing", "session", id, "timeout", timeout)
	if err := h.proc.Kill(); err != nil {
		m.logger.Debug("kill failed", "session", id, "error", err)
	}
	select {
	case <-h.done:
		return true
	case <-time.After(killWait):
		return false
	}
}

// Resize changes the terminal size of a PTY session.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	h := m.lookup(id)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return h.proc.Resize(cols, rows)
}

// Focus makes id the focused session. Unknown or finished sessions, and
// the already-focused one, leave focus unchanged.
func (m *Manager) Focus(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.sessions[id]
	if h == nil || !h.info.State.IsActive() || m.focused == id {
		return
	}
	m.focused = id
	m.bus.Publish(Event{Type: EventFocusChanged, SessionID: id, OwnerID: h.info.OwnerID, At: m.now()})
}

// Focused returns the focused session id, if any.
func (m *Manager) Focused() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused, m.focused != ""
}

// Output returns the merged output stream. It is closed after the process
// exits and its trailing status line has been delivered.
func (m *Manager) Output(id string) (<-chan []byte, bool) {
	h := m.lookup(id)
	if h == nil {
		return nil, false
	}
	return h.output, true
}

// Done returns a channel closed once id is terminated.
func (m *Manager) Done(id string) (<-chan struct{}, bool) {
	h := m.lookup(id)
	if h == nil {
		return nil, false
	}
	return h.done, true
}

// Status returns a snapshot of id.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.sessions[id]
	if h == nil {
		return Status{}, false
	}
	return m.statusLocked(h), true
}

// Sessions returns snapshots of every registered session.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, m.statusLocked(h))
	}
	return out
}

func (m *Manager) statusLocked(h *handle) Status {
	return Status{
		Info:         h.info,
		Command:      h.command,
		Requirements: h.req,
		Pid:          h.proc.Pid(),
		ExitCode:     h.exitCode,
		TerminatedAt: h.terminatedAt,
	}
}

// ActiveFor returns the live session of ownerID, if any.
func (m *Manager) ActiveFor(ownerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.owners[ownerID]
	return id, ok
}

// Remove drops a terminated session from the registry. Its id stays
// reserved.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.sessions[id]
	if h == nil || h.info.State != session.StateTerminated {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Close terminates every live session and closes subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	var live []string
	for id, h := range m.sessions {
		if h.info.State.IsActive() {
			live = append(live, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range live {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Terminate(id, DefaultTerminateTimeout)
		}(id)
	}
	wg.Wait()
	m.bus.Close()
}
