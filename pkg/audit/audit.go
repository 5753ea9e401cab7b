// Package audit appends immutable audit entries without blocking the sync
// path. Write failures are logged and counted, never returned.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/metrics"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/types"
)

// Config configures the writer.
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// item is either an entry to write or a flush barrier.
type item struct {
	entry *types.AuditEntry
	ack   chan struct{}
}

// Logger hands entries to a background writer. Record never blocks and
// never fails from the caller's point of view.
type Logger struct {
	store  storage.AuditStore
	cfg    Config
	logger zerolog.Logger

	entries chan item
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu   sync.Mutex
	lastErr error
	errs    int
}

// New creates a logger and starts its writer goroutine.
func New(store storage.AuditStore, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	l := &Logger{
		store:   store,
		cfg:     cfg,
		logger:  log.WithComponent("audit"),
		entries: make(chan item, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues an entry for entityID.
func (l *Logger) Record(action types.AuditAction, entityType, entityID string, metadata map[string]any) {
	entry := &types.AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Timestamp:  time.Now(),
		Metadata:   metadata,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.fail(entry, serrors.AuditWrite("record", errors.New("audit logger closed")))
		return
	}

	select {
	case l.entries <- item{entry: entry}:
	default:
		l.fail(entry, serrors.AuditWrite("record", fmt.Errorf("buffer full (%d entries)", cap(l.entries))))
	}
}

// Flush waits until every entry recorded before the call has been written
// or dropped.
func (l *Logger) Flush(ctx context.Context) error {
	ack := make(chan struct{})

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.entries <- item{ack: ack}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and drains the buffer.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	<-l.done
	return nil
}

// Errors returns how many entries were lost and the most recent cause.
func (l *Logger) Errors() (int, error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.errs, l.lastErr
}

func (l *Logger) run() {
	defer close(l.done)
	for it := range l.entries {
		if it.ack != nil {
			close(it.ack)
			continue
		}
		l.write(it.entry)
	}
}

func (l *Logger) write(entry *types.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	if err := l.store.AppendAudit(ctx, entry); err != nil {
		l.fail(entry, serrors.AuditWrite("append", err))
	}
}

func (l *Logger) fail(entry *types.AuditEntry, err error) {
	metrics.AuditWriteErrorsTotal.Inc()

	l.errMu.Lock()
	l.errs++
	l.lastErr = err
	l.errMu.Unlock()

	l.logger.Error().
		Err(err).
		Str("action", string(entry.Action)).
		Str("entity_type", entry.EntityType).
		Str("entity_id", entry.EntityID).
		Msg("audit entry dropped")
}
