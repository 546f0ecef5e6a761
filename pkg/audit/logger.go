// Package audit keeps a tamper-evident trail of what the portal did on
// behalf of whom: every authorisation request, its outcome, and the guest
// identities captured along the way. Events are buffered and flushed to
// storage asynchronously so the hot path never waits on disk.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds audit logger settings.
type Config struct {
	// BufferSize is the event channel capacity. A full buffer drops
	// events rather than blocking callers.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often buffered events are written out.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns audit logger defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the asynchronous audit trail writer.
type Logger struct {
	config  Config
	storage Storage
	logger  *zap.Logger

	events chan *Event
	buffer []*Event

	dropped int64
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLogger creates an audit logger writing to the given storage.
func NewLogger(config Config, storage Storage, logger *zap.Logger) *Logger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Logger{
		config:  config,
		storage: storage,
		logger:  logger,
		events:  make(chan *Event, config.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the flush loop.
func (l *Logger) Start() error {
	l.wg.Add(1)
	go l.flushLoop()
	return nil
}

// Stop drains the buffer to storage and closes it.
func (l *Logger) Stop() error {
	l.cancel()
	l.wg.Wait()

	// Final drain of whatever was queued after the loop exited.
	for {
		select {
		case event := <-l.events:
			l.buffer = append(l.buffer, event)
		default:
			l.flush()
			return l.storage.Close()
		}
	}
}

// Record queues an audit event. A missing ID or timestamp is filled in.
// Never blocks; events are dropped when the buffer is full.
func (l *Logger) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case l.events <- &event:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.logger.Warn("Audit buffer full, dropping event", zap.String("type", string(event.Type)))
	}
}

// Dropped returns the number of events lost to a full buffer.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case event := <-l.events:
			l.buffer = append(l.buffer, event)
			if len(l.buffer) >= l.config.BufferSize {
				l.flush()
			}
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *Logger) flush() {
	if len(l.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.storage.Store(ctx, l.buffer); err != nil {
		l.logger.Error("Failed to flush audit events",
			zap.Int("count", len(l.buffer)),
			zap.Error(err),
		)
		return
	}
	l.buffer = l.buffer[:0]
}
