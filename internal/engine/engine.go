// Package engine wires the terminal-session components together from a
// Config: audit log, credential store, host keys, validator, health
// monitor, process manager and SSH layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/config"
	"github.com/tinkerbelle-io/tb-terminal/internal/credstore"
	"github.com/tinkerbelle-io/tb-terminal/internal/health"
	"github.com/tinkerbelle-io/tb-terminal/internal/process"
	"github.com/tinkerbelle-io/tb-terminal/internal/sshconn"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

const defaultNetworkInterval = 10 * time.Second

// Options adjusts how New builds an Engine.
type Options struct {
	// Device reports local capabilities such as biometrics. Nil means
	// none are available.
	Device sshconn.DeviceCapabilities
	// Interfaces overrides interface listing for the network observer.
	Interfaces func() ([]health.Interface, error)
	// Spawner overrides process spawning.
	Spawner process.Spawner
	// CredentialOptions are passed to credstore.Open.
	CredentialOptions []credstore.Option
}

// Engine owns every long-lived component.
type Engine struct {
	Config      *config.Config
	Audit       *audit.Log
	Credentials *credstore.Store
	HostKeys    *sshconn.HostKeyStore
	Validator   *validate.Validator
	Level       validate.Level
	Network     *health.NetworkObserver
	Health      *health.Monitor
	Processes   *process.Manager
	SSH         *sshconn.Layer

	sinkCloser func() error
	logger     *slog.Logger
	closeOnce  sync.Once
	closeErr   error
}

// New builds an Engine from cfg. The data directory is created with 0700.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	e := &Engine{
		Config: cfg,
		Level:  cfg.Validation.Level,
		logger: slog.Default().With("component", "engine"),
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sink, closer, err := openSink(cfg)
	if err != nil {
		return nil, err
	}
	e.sinkCloser = closer
	e.Audit, err = audit.New(sink, audit.Options{
		Capacity:      cfg.Audit.Capacity,
		FlushInterval: cfg.Audit.FlushInterval,
		Debug:         cfg.Audit.Debug,
	})
	if err != nil {
		e.closeSink()
		return nil, err
	}

	e.Credentials, err = credstore.Open(cfg.CredentialsPath(), opts.CredentialOptions...)
	if err != nil {
		e.closeSink()
		return nil, err
	}

	e.HostKeys, err = sshconn.NewHostKeyStore(cfg.KnownHostsPath(), e.Audit)
	if err != nil {
		e.closeSink()
		return nil, err
	}

	e.Validator, err = NewValidator(cfg)
	if err != nil {
		e.closeSink()
		return nil, err
	}

	e.Network = health.NewNetworkObserver(opts.Interfaces)
	e.Network.Refresh()
	e.Health = health.NewMonitor(health.Options{
		Interval:     cfg.Health.Interval,
		InitialDelay: cfg.Health.InitialDelay,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		Gate:         e.Network,
	})

	e.Processes = process.NewManager(process.Options{
		Spawner:   opts.Spawner,
		Validator: e.Validator,
		Level:     e.Level,
		Shell:     cfg.Shell,
	})

	e.SSH, err = sshconn.NewLayer(sshconn.Options{
		HostKeys:    e.HostKeys,
		Audit:       e.Audit,
		Credentials: e.Credentials,
		Device:      opts.Device,
		Health:      e.Health,
		Validator:   e.Validator,
	})
	if err != nil {
		e.closeSink()
		return nil, err
	}
	return e, nil
}

// NewValidator builds the validator for cfg: the policy file when one is
// configured, the default policy otherwise.
func NewValidator(cfg *config.Config) (*validate.Validator, error) {
	policy := validate.DefaultPolicy()
	if cfg.Validation.PolicyFile != "" {
		pf, err := validate.LoadPolicy(cfg.Validation.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = pf.Policy
	}
	return validate.New(policy)
}

func openSink(cfg *config.Config) (audit.Sink, func() error, error) {
	switch cfg.Audit.Sink {
	case config.SinkMemory:
		return audit.NewMemorySink(), nil, nil
	case config.SinkFile:
		s, err := audit.NewFileSink(cfg.AuditPath())
		return s, nil, err
	default:
		s, err := audit.OpenSQLiteSink(cfg.AuditPath())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

func (e *Engine) closeSink() error {
	if e.sinkCloser == nil {
		return nil
	}
	return e.sinkCloser()
}

// Validate checks command at the configured level.
func (e *Engine) Validate(command string) validate.Result {
	return e.Validator.Validate(command, e.Level)
}

// Host resolves a configured host by name, or parses user@host[:port]
// into a strict medium-tier host using auth.
func (e *Engine) Host(nameOrTarget string, auth sshconn.AuthMethod) (sshconn.HostConfig, error) {
	if h, ok := e.Config.Host(nameOrTarget); ok {
		return h, nil
	}
	t, err := sshconn.ParseTarget(nameOrTarget)
	if err != nil {
		return sshconn.HostConfig{}, fmt.Errorf("unknown host %q: %w", nameOrTarget, err)
	}
	return t.Config(auth)
}

// Run drives the background loops (audit flushing and connectivity
// observation) until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Audit.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		interval := e.Config.Health.NetworkInterval
		if interval <= 0 {
			interval = defaultNetworkInterval
		}
		e.Network.Run(ctx, interval)
	}()
	wg.Wait()
}

// Close shuts every component down in dependency order and reports
// unpersisted audit events.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.SSH.CloseAll()
		e.Processes.Close()
		e.Health.Close()
		var errs []error
		if err := e.Audit.Close(); err != nil {
			e.logger.Error("audit events not persisted", "pending", e.Audit.Pending(), "error", err)
			errs = append(errs, err)
		}
		if err := e.closeSink(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
