// Package health probes established sessions periodically and decides
// when a dropped session may be reconnected automatically.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-terminal/internal/events"
)

const (
	DefaultInterval     = 2 * time.Minute
	DefaultInitialDelay = 10 * time.Second
	DefaultProbeTimeout = 10 * time.Second

	// MaxReconnectFailures is the consecutive-failure ceiling for auto
	// reconnect.
	MaxReconnectFailures = 3
	// ReconnectWindow is how recent the last successful probe must be.
	ReconnectWindow = 5 * time.Minute
)

// ErrNoConnectivity is returned by Check when the device is offline; no
// probe is sent and metrics are left unchanged.
var ErrNoConnectivity = errors.New("no device connectivity")

// Quality is the latency-derived link tier.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// QualityFor maps a successful probe latency to its band.
func QualityFor(latency time.Duration) Quality {
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 300*time.Millisecond:
		return QualityGood
	case latency < 800*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Metrics is the health state of one session.
type Metrics struct {
	Latency             time.Duration `json:"latency"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Quality             Quality       `json:"quality"`
	LastCheck           time.Time     `json:"last_check"`
	LastSuccess         time.Time     `json:"last_success"`
	LastError           string        `json:"last_error,omitempty"`
}

// Update is published whenever a session's metrics change.
type Update struct {
	SessionID string
	Metrics   Metrics
}

// Prober performs one lightweight reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// TCPProber dials Addr and closes the connection.
type TCPProber struct {
	Addr string
}

func (p TCPProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Gate reports device-level connectivity.
type Gate interface {
	Connected() bool
}

// Options configures a Monitor.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	ProbeTimeout time.Duration
	Gate         Gate
	Now          func() time.Time
}

type entry struct {
	prober  Prober
	metrics Metrics
	cancel  context.CancelFunc
}

// Monitor owns the health metrics of every registered session. Metrics
// are only mutated here.
type Monitor struct {
	interval     time.Duration
	initialDelay time.Duration
	probeTimeout time.Duration
	gate         Gate
	now          func() time.Time
	logger       *slog.Logger
	bus          *events.Broadcaster[Update]

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewMonitor creates a Monitor with defaults for unset options.
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		probeTimeout: opts.ProbeTimeout,
		gate:         opts.Gate,
		now:          opts.Now,
		logger:       slog.Default().With("component", "health"),
		bus:          events.New[Update](),
		sessions:     make(map[string]*entry),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.initialDelay <= 0 {
		m.initialDelay = DefaultInitialDelay
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = DefaultProbeTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Register starts tracking a session that has just connected. It counts
// as healthy with a success at registration time.
func (m *Monitor) Register(id string, p Prober) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[id]; ok && old.cancel != nil {
		old.cancel()
	}
	m.sessions[id] = &entry{
		prober: p,
		metrics: Metrics{
			Healthy:     true,
			Quality:     QualityUnknown,
			LastSuccess: now,
		},
	}
}

// Unregister stops tracking id and its probe loop.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(m.sessions, id)
	}
}

// Start runs the periodic probe loop for a registered session: first
// probe after the initial delay, then every interval.
func (m *Monitor) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("health: session %s not registered", id)
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(m.initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if _, err := m.Check(ctx, id); err != nil && !errors.Is(err, ErrNoConnectivity) {
					m.logger.Debug("probe failed", "session", id, "error", err)
				}
				timer.Reset(m.interval)
			}
		}
	}()
	return nil
}

// Check runs one probe for id and updates its metrics.
func (m *Monitor) Check(ctx context.Context, id string) (Metrics, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Metrics{}, fmt.Errorf("health: session %s not registered", id)
	}
	if m.gate != nil && !m.gate.Connected() {
		return m.snapshot(id), ErrNoConnectivity
	}

	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	start := m.now()
	err := e.prober.Probe(ctx)
	latency := m.now().Sub(start)

	if err != nil {
		return m.RecordFailure(id, err), err
	}
	return m.recordSuccess(id, latency), nil
}

func (m *Monitor) recordSuccess(id string, latency time.Duration) Metrics {
	now := m.now()
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Metrics{}
	}
	e.metrics.Latency = latency
	e.metrics.Healthy = true
	e.metrics.ConsecutiveFailures = 0
	e.metrics.Quality = QualityFor(latency)
	e.metrics.LastCheck = now
	e.metrics.LastSuccess = now
	e.metrics.LastError = ""
	out := e.metrics
	m.mu.Unlock()

	m.bus.Publish(Update{SessionID: id, Metrics: out})
	return out
}

// RecordFailure marks a failed probe or transport error on id: unhealthy,
// one more consecutive failure, quality critical.
func (m *Monitor) RecordFailure(id string, err error) Metrics {
	now := m.now()
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Metrics{}
	}
	e.metrics.Healthy = false
	e.metrics.ConsecutiveFailures++
	e.metrics.Quality = QualityCritical
	e.metrics.LastCheck = now
	if err != nil {
		e.metrics.LastError = err.Error()
	}
	out := e.metrics
	m.mu.Unlock()

	m.logger.Warn("session unhealthy", "session", id, "failures", out.ConsecutiveFailures)
	m.bus.Publish(Update{SessionID: id, Metrics: out})
	return out
}

// Metrics returns a copy of id's metrics.
func (m *Monitor) Metrics(id string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics, true
}

func (m *Monitor) snapshot(id string) Metrics {
	mt, _ := m.Metrics(id)
	return mt
}

// ShouldAutoReconnect is true only when id is unhealthy, has fewer than
// MaxReconnectFailures consecutive failures and succeeded within
// ReconnectWindow.
func (m *Monitor) ShouldAutoReconnect(id string) bool {
	mt, ok := m.Metrics(id)
	if !ok || mt.Healthy {
		return false
	}
	if mt.ConsecutiveFailures >= MaxReconnectFailures {
		return false
	}
	if mt.LastSuccess.IsZero() {
		return false
	}
	return m.now().Sub(mt.LastSuccess) <= ReconnectWindow
}

// Subscribe returns metric updates for all sessions.
func (m *Monitor) Subscribe() (<-chan Update, func()) {
	return m.bus.Subscribe(events.DefaultBuffer)
}

// Close stops every probe loop and closes subscriptions.
func (m *Monitor) Close() {
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.cancel != nil {
			e.cancel()
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.bus.Close()
}
