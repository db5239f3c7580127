// Package audit records one entry per completed root invocation into a
// bounded in-memory ring with an optional durable tail.
package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sddion/chainbox/pkg/contracts"
)

// Level filters which entries are recorded.
type Level string

const (
	LevelAll    Level = "all"
	LevelErrors Level = "errors"
	LevelNone   Level = "none"
)

// Sink is a durable tail behind the ring.
type Sink interface {
	Append(ctx context.Context, entry *contracts.AuditEntry) error
	Close() error
}

// Log is the audit surface. Append-only; the ring keeps the most recent
// entries, the sink keeps everything.
type Log struct {
	mu      sync.Mutex
	ring    []*contracts.AuditEntry
	next    int
	full    bool
	level   Level
	enabled bool
	sink    Sink
	logger  *slog.Logger
}

// New creates a Log with a ring of the given capacity. sink may be nil.
func New(enabled bool, level Level, ringSize int, sink Sink, logger *slog.Logger) *Log {
	if ringSize <= 0 {
		ringSize = 1000
	}
	if level == "" {
		level = LevelAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		ring:    make([]*contracts.AuditEntry, ringSize),
		level:   level,
		enabled: enabled,
		sink:    sink,
		logger:  logger.With("component", "audit"),
	}
}

// Record appends one entry. Sink failures are logged, never propagated: the
// invocation that produced the entry already completed.
func (l *Log) Record(ctx context.Context, entry *contracts.AuditEntry) {
	if !l.enabled || l.level == LevelNone {
		return
	}
	if l.level == LevelErrors && entry.Status == contracts.StatusSuccess {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	l.mu.Lock()
	l.ring[l.next] = entry
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Append(ctx, entry); err != nil {
			l.logger.ErrorContext(ctx, "audit sink append failed", "error", err, "traceId", entry.TraceID)
		}
	}
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []*contracts.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*contracts.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		if l.ring[idx] != nil {
			out = append(out, l.ring[idx])
		}
	}
	return out
}

// Close releases the sink.
func (l *Log) Close() error {
	l.mu.Lock()
	sink := l.sink
	l.sink = nil
	l.mu.Unlock()
	if sink != nil {
		return sink.Close()
	}
	return nil
}
