package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/metrics"
	"github.com/halcyon-ai/casefile/internal/store"
)

const (
	// maxAttempts is the number of write attempts per snapshot.
	maxAttempts = 3

	// baseBackoff is the delay before the second attempt; doubled for each
	// further attempt (2s, 4s).
	baseBackoff = 2 * time.Second

	// queueSize bounds the async snapshot queue.
	queueSize = 256

	// writeTimeout caps a single store operation so a worker can't hang on a
	// slow backend.
	writeTimeout = 30 * time.Second
)

// Saver writes session snapshots through the document store with bounded
// retry. Persistence failures are never surfaced to clients: after the final
// attempt the snapshot is dropped with an error log and the session stays in
// memory for a later opportunity.
type Saver struct {
	docs   store.DocumentStore
	logger *logger.Logger

	queue    chan *store.SessionDocument
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// NewSaver creates a saver backed by the given document store and starts a
// single background worker draining the async queue.
func NewSaver(docs store.DocumentStore, log *logger.Logger) *Saver {
	s := &Saver{
		docs:     docs,
		logger:   log.WithComponent("persist"),
		queue:    make(chan *store.SessionDocument, queueSize),
		shutdown: make(chan struct{}),
		sleep:    time.Sleep,
	}

	s.workers.Add(1)
	go s.worker()

	return s
}

// Persist writes one snapshot synchronously with retry. Attempts are spaced
// by exponential backoff (2s, 4s). Returns the last error when every attempt
// fails.
func (s *Saver) Persist(ctx context.Context, doc *store.SessionDocument) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.sleep(baseBackoff << (attempt - 2))
		}

		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.docs.Upsert(writeCtx, doc)
		cancel()

		if err == nil {
			if attempt > 1 {
				s.logger.Info("snapshot persisted after retry",
					slog.String("session_id", doc.ID),
					slog.Int("attempt", attempt))
			}
			return nil
		}

		lastErr = err
		s.logger.Warn("snapshot write failed",
			slog.String("session_id", doc.ID),
			slog.String("scenario", doc.Scenario),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	metrics.PersistFailures.Inc()
	s.logger.Error("giving up persisting snapshot; session retained in memory",
		slog.String("session_id", doc.ID),
		slog.String("scenario", doc.Scenario),
		slog.Int("attempts", maxAttempts))
	return fmt.Errorf("persist session %s: %w", doc.ID, lastErr)
}

// Enqueue queues a snapshot for asynchronous persistence. Never blocks the
// caller: when the queue is full the snapshot is dropped with a warning (the
// next finalization will write a fresher one).
func (s *Saver) Enqueue(doc *store.SessionDocument) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- doc:
	default:
		s.logger.Warn("snapshot queue full, dropping snapshot",
			slog.String("session_id", doc.ID))
	}
}

func (s *Saver) worker() {
	defer s.workers.Done()

	for {
		select {
		case doc := <-s.queue:
			_ = s.Persist(context.Background(), doc)
		case <-s.shutdown:
			// Drain remaining snapshots before exiting.
			for {
				select {
				case doc := <-s.queue:
					_ = s.Persist(context.Background(), doc)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops the worker after draining queued snapshots.
func (s *Saver) Shutdown() {
	s.closed.Store(true)
	close(s.shutdown)
	s.workers.Wait()
	s.logger.Info("persistence worker stopped")
}

// SetSleepForTest replaces the backoff sleep; tests use this to avoid
// real multi-second delays.
func (s *Saver) SetSleepForTest(fn func(time.Duration)) {
	s.sleep = fn
}
