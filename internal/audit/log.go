package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
)

const (
	DefaultCapacity      = 100
	DefaultFlushInterval = 30 * time.Second
)

// Options configures a Log.
type Options struct {
	// Capacity is the buffer size that triggers a flush.
	Capacity int
	// FlushInterval is the period used by Run.
	FlushInterval time.Duration
	// Debug allows callers to attach small command outputs to events.
	Debug bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Log buffers sanitized events and flushes them to a Sink as hash-chained
// batches. Flush failures keep the buffer intact and are never returned
// from Record.
type Log struct {
	sink     Sink
	capacity int
	interval time.Duration
	debug    bool
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	buf    []Event
	closed bool

	// flushMu serializes flushes; it is always taken before mu.
	flushMu    sync.Mutex
	pendingKey string
	prevHash   string
	seq        uint64
}

// New creates a Log over sink, recovering the chain head from the last
// persisted batch.
func New(sink Sink, opts Options) (*Log, error) {
	l := &Log{
		sink:     sink,
		capacity: opts.Capacity,
		interval: opts.FlushInterval,
		debug:    opts.Debug,
		now:      opts.Now,
		logger:   slog.Default().With("component", "audit"),
	}
	if l.capacity <= 0 {
		l.capacity = DefaultCapacity
	}
	if l.interval <= 0 {
		l.interval = DefaultFlushInterval
	}
	if l.now == nil {
		l.now = time.Now
	}

	keys, err := sink.ListKeys(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("audit: list batches: %w", err)
	}
	if len(keys) > 0 {
		all, err := sink.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("audit: read batches: %w", err)
		}
		last, err := decodeBatch(all[keys[len(keys)-1]])
		if err != nil {
			return nil, fmt.Errorf("audit: recover chain head: %w", err)
		}
		l.prevHash = last.Hash
		l.seq = last.Seq
	}
	return l, nil
}

// Debug reports whether debug capture of command output is enabled.
func (l *Log) Debug() bool { return l.debug }

// Record sanitizes e, buffers it and flushes when the event is critical
// or the buffer is full. Events recorded after Close are dropped.
func (l *Log) Record(e Entry) Event {
	ev := sanitize(e, l.now())

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warn("audit log closed, dropping event", "kind", ev.Kind, "id", ev.ID)
		return ev
	}
	l.buf = append(l.buf, ev)
	full := len(l.buf) >= l.capacity
	l.mu.Unlock()

	if ev.Critical() || full {
		// Errors are logged inside flush and retried on the next cycle.
		_ = l.Flush()
	}
	return ev
}

// Pending returns the number of buffered, unpersisted events.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Flush writes every buffered event as one batch. On failure the buffer
// is kept and the next flush reuses the same key.
func (l *Log) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	events := make([]Event, len(l.buf))
	copy(events, l.buf)
	l.mu.Unlock()
	if len(events) == 0 {
		return nil
	}

	key := l.pendingKey
	if key == "" {
		key = batchKey(l.now().UnixNano(), l.seq+1)
	}

	b, err := newBatch(l.seq+1, l.prevHash, events)
	if err == nil {
		var blob []byte
		blob, err = encodeBatch(b)
		if err == nil {
			err = l.sink.Write(key, blob)
		}
	}
	if err != nil {
		l.pendingKey = key
		werr := &failure.AuditWriteError{Key: key, Err: err}
		l.logger.Warn("audit flush failed, keeping buffer", "key", key, "events", len(events), "error", err)
		return werr
	}

	l.pendingKey = ""
	l.prevHash = b.Hash
	l.seq = b.Seq

	l.mu.Lock()
	l.buf = l.buf[len(events):]
	l.mu.Unlock()

	l.logger.Debug("audit batch flushed", "key", key, "events", len(events))
	return nil
}

// Run flushes every FlushInterval until ctx is cancelled, then flushes
// once more.
func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = l.Flush()
			return
		case <-ticker.C:
			_ = l.Flush()
		}
	}
}

// Close performs a final flush. It returns the flush error, if any, so
// shutdown code can report unpersisted events.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.Flush()
}

// persisted returns every persisted batch in key order, excluding a blob
// written under the pending key by a write that reported failure.
func (l *Log) persisted() ([]string, []batch, error) {
	l.flushMu.Lock()
	pending := l.pendingKey
	l.flushMu.Unlock()

	keys, err := l.sink.ListKeys(KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	all, err := l.sink.ReadAll()
	if err != nil {
		return nil, nil, err
	}

	var outKeys []string
	var batches []batch
	for _, k := range keys {
		if k == pending {
			continue
		}
		b, err := decodeBatch(all[k])
		if err != nil {
			return nil, nil, fmt.Errorf("batch %s: %w", k, err)
		}
		outKeys = append(outKeys, k)
		batches = append(batches, b)
	}
	return outKeys, batches, nil
}

// Events returns all persisted events followed by the buffered ones.
func (l *Log) Events() ([]Event, error) {
	_, batches, err := l.persisted()
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	var out []Event
	for _, b := range batches {
		out = append(out, b.Events...)
	}
	l.mu.Lock()
	out = append(out, l.buf...)
	l.mu.Unlock()
	return out, nil
}
