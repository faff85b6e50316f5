package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/metrics"
	"github.com/halcyon-ai/casefile/internal/persist"
	"github.com/halcyon-ai/casefile/internal/store"
)

// Failure modes of manager operations. The HTTP layer maps these onto
// status codes (429, 404, 409, 400).
var (
	ErrTooMany        = errors.New("too many active sessions")
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyRunning = errors.New("session is already running")
	ErrNoThread       = errors.New("session has no conversation thread yet")
	ErrReadOnly       = errors.New("session is a read-only snapshot")
)

// recoveryDetail is written onto sessions stranded in_progress by a restart.
const recoveryDetail = "Session was in progress when the server restarted; it cannot be resumed."

// TurnRunner executes one turn of the agent workflow against a session,
// pushing events and recording results (thread id, diagnosis, run meta,
// error detail) as it goes. It returns when the turn is over; the manager
// then finalizes. The agent bridge is the production implementation; tests
// substitute fakes.
type TurnRunner interface {
	RunTurn(ctx context.Context, s *Session, prompt, threadID string)
}

// Config bounds the manager's pools and timers.
type Config struct {
	MaxActive   int
	MaxRecent   int
	MaxEventLog int
	IdleTimeout time.Duration
}

// Manager is the process-wide registry of sessions.
//
// Sessions with status pending/in_progress live in the active map (bounded,
// admission controlled); terminal sessions move to the recent queue
// (insertion ordered, FIFO eviction). Evicted sessions remain retrievable
// from the document store. All map mutation happens under the manager lock;
// per-session state is guarded by the session's own lock.
type Manager struct {
	mu       sync.Mutex
	active   map[string]*Session
	recent   map[string]*Session
	recentIn []string // insertion order for FIFO eviction

	cfg    Config
	runner TurnRunner
	saver  *persist.Saver
	docs   store.DocumentStore
	logger *logger.Logger
}

// NewManager creates a manager. Call Recover once at startup to fail over
// sessions stranded by a previous process.
func NewManager(cfg Config, runner TurnRunner, saver *persist.Saver, docs store.DocumentStore, log *logger.Logger) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 8
	}
	if cfg.MaxRecent <= 0 {
		cfg.MaxRecent = 100
	}
	if cfg.MaxEventLog <= 0 {
		cfg.MaxEventLog = 500
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}

	return &Manager{
		active: make(map[string]*Session),
		recent: make(map[string]*Session),
		cfg:    cfg,
		runner: runner,
		saver:  saver,
		docs:   docs,
		logger: log.WithComponent("session-manager"),
	}
}

// Create admits a new pending session. The agent run does not start until
// Start is called.
func (m *Manager) Create(scenario, alertText string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= m.cfg.MaxActive {
		return nil, ErrTooMany
	}

	s := newSession(scenario, alertText, m.cfg.MaxEventLog, m.logger)
	m.active[s.ID] = s

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(len(m.active)))

	m.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("scenario", scenario),
		slog.Int("active", len(m.active)))

	return s, nil
}

// ActiveCount returns the current size of the active pool.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Start launches the first turn of a pending session. Idempotent: starting
// a session that is no longer pending is a no-op.
func (m *Manager) Start(s *Session) {
	s.mu.Lock()
	if s.status != StatusPending || s.readOnly {
		s.mu.Unlock()
		return
	}
	s.status = StatusInProgress
	s.turnCount = 1
	s.updatedAt = nowISO()
	prompt := s.AlertText
	s.mu.Unlock()

	// Turn 0 starts with the user's alert so the event log is structurally
	// uniform across turns.
	s.PushEvent(event.New(event.TagUserMessage, 0, event.UserMessagePayload{Text: prompt}))

	go m.runTurn(s, prompt, "")
}

// runTurn is the per-session background worker: one bridge run, then
// finalization.
func (m *Manager) runTurn(s *Session, prompt, threadID string) {
	ctx := logger.WithSessionID(logger.WithScenario(context.Background(), s.Scenario), s.ID)
	m.runner.RunTurn(ctx, s, prompt, threadID)
	m.finalizeTurn(s)
}

// finalizeTurn determines the terminal status for the turn, persists the
// snapshot, emits the done sentinel and schedules the post-terminal
// lifecycle.
//
// Status priority: a set cancel signal wins, then a recorded error, then
// completed. An error alongside a partial diagnosis is still a failure.
func (m *Manager) finalizeTurn(s *Session) {
	s.mu.Lock()
	var terminal Status
	switch {
	case s.cancel.IsSet():
		terminal = StatusCancelled
	case s.errorDetail != "":
		terminal = StatusFailed
	default:
		terminal = StatusCompleted
	}
	s.status = terminal
	s.updatedAt = nowISO()
	turn := s.turnCount - 1
	s.mu.Unlock()

	metrics.SessionsFinalized.WithLabelValues(string(terminal)).Inc()

	m.logger.Info("turn finalized",
		slog.String("session_id", s.ID),
		slog.String("status", string(terminal)),
		slog.Int("turn", turn))

	// Persist before the done sentinel so a subscriber that exits on done
	// can immediately re-read a consistent document.
	if err := m.saver.Persist(context.Background(), s.Snapshot()); err != nil {
		m.logger.Warn("finalization persist failed; session retained in memory",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
	}

	s.PushEvent(event.New(event.TagDone, turn, event.DonePayload{Status: string(terminal)}))

	switch terminal {
	case StatusCompleted:
		m.scheduleIdleFinalizer(s)
	default:
		m.moveToRecent(s)
	}
}

// scheduleIdleFinalizer arms the per-session idle timer. A follow-up
// arriving before it fires cancels and replaces it.
func (m *Manager) scheduleIdleFinalizer(s *Session) {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.evictIdle(s)
	})
	s.mu.Unlock()
}

// evictIdle moves a completed session to the recent queue after its idle
// timeout, unless a follow-up has taken it back in progress.
func (m *Manager) evictIdle(s *Session) {
	if s.Status() != StatusCompleted {
		return
	}
	m.logger.Info("idle timeout, evicting session",
		slog.String("session_id", s.ID))
	m.moveToRecent(s)
}

// moveToRecent transfers a session from the active map to the recent queue,
// evicting the oldest recent entry beyond capacity. The evicted session
// remains in the document store.
func (m *Manager) moveToRecent(s *Session) {
	m.mu.Lock()
	if _, ok := m.active[s.ID]; !ok {
		// Deleted, or already moved.
		m.mu.Unlock()
		return
	}
	delete(m.active, s.ID)
	m.recent[s.ID] = s
	m.recentIn = append(m.recentIn, s.ID)

	var evicted *Session
	for len(m.recent) > m.cfg.MaxRecent && len(m.recentIn) > 0 {
		oldest := m.recentIn[0]
		m.recentIn = m.recentIn[1:]
		if old, ok := m.recent[oldest]; ok {
			delete(m.recent, oldest)
			evicted = old
		}
	}
	metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	// One last best-effort write so the dropped entry is current in the store.
	m.saver.Enqueue(s.Snapshot())

	if evicted != nil {
		m.logger.Info("evicted oldest recent session",
			slog.String("session_id", evicted.ID))
	}
}

// Get returns a session from the active map, the recent queue, or as a
// read-only snapshot hydrated from the document store.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.active[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if s, ok := m.recent[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	doc, err := m.docs.Get(ctx, id, "")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return Hydrate(doc, m.logger), nil
}

// ListAll merges in-memory sessions with a page from the document store,
// deduplicated by id (memory wins), ordered by updated_at descending.
func (m *Manager) ListAll(ctx context.Context) []Summary {
	m.mu.Lock()
	summaries := make(map[string]Summary, len(m.active)+len(m.recent))
	for id, s := range m.active {
		summaries[id] = s.Summarize()
	}
	for id, s := range m.recent {
		summaries[id] = s.Summarize()
	}
	m.mu.Unlock()

	docs, err := m.docs.List(ctx, store.Query{Limit: 100})
	if err != nil {
		m.logger.Warn("document store listing failed; returning in-memory sessions only",
			slog.String("error", err.Error()))
	}
	for _, doc := range docs {
		if _, ok := summaries[doc.ID]; !ok {
			summaries[doc.ID] = SummarizeDocument(doc)
		}
	}

	out := make([]Summary, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out
}

// SendFollowUp starts a new turn on an existing conversation, reusing the
// external thread id. Returns the event offset of the new turn's first
// event so the client can re-subscribe at exactly the turn boundary.
func (m *Manager) SendFollowUp(ctx context.Context, id, text string) (int, error) {
	m.mu.Lock()
	s, inActive := m.active[id]
	if !inActive {
		var inRecent bool
		s, inRecent = m.recent[id]
		if !inRecent {
			m.mu.Unlock()
			return 0, ErrNotFound
		}
		// Re-admission from the recent queue counts against the active pool.
		if len(m.active) >= m.cfg.MaxActive {
			m.mu.Unlock()
			return 0, ErrTooMany
		}
	}
	m.mu.Unlock()

	s.mu.Lock()
	if s.readOnly {
		s.mu.Unlock()
		return 0, ErrReadOnly
	}
	if s.status == StatusInProgress || s.status == StatusPending {
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	if s.threadID == "" {
		s.mu.Unlock()
		return 0, ErrNoThread
	}

	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.cancel.Reset()
	s.errorDetail = ""
	s.steps = nil
	s.turnCount++
	turn := s.turnCount - 1
	threadID := s.threadID
	s.status = StatusInProgress
	s.updatedAt = nowISO()
	offset := len(s.events)
	s.mu.Unlock()

	if !inActive {
		m.mu.Lock()
		delete(m.recent, id)
		m.active[id] = s
		metrics.ActiveSessions.Set(float64(len(m.active)))
		m.mu.Unlock()
	}

	s.PushEvent(event.New(event.TagUserMessage, turn, event.UserMessagePayload{Text: text}))

	m.logger.Info("follow-up accepted",
		slog.String("session_id", id),
		slog.Int("turn", turn),
		slog.Int("event_offset", offset))

	go m.runTurn(s, text, threadID)

	return offset, nil
}

// Cancel requests cooperative cancellation of a running session. A no-op
// when the session is not in progress. The current agent call completes
// before the worker observes the signal; a status_change event gives
// connected clients immediate feedback.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	if s.Status() != StatusInProgress {
		return nil
	}

	s.cancel.Set()
	s.PushEvent(event.New(event.TagStatusChange, s.CurrentTurn(), event.StatusChangePayload{
		Status:  "cancelling",
		Message: "Cancellation requested; the current agent call will finish first.",
	}))

	m.logger.Info("cancellation requested", slog.String("session_id", id))
	return nil
}

// Delete cancels a running session, removes it from memory and deletes its
// document.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	if ok {
		delete(m.active, id)
	} else if s, ok = m.recent[id]; ok {
		delete(m.recent, id)
	}
	metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	scenario := ""
	if s != nil {
		scenario = s.Scenario
		s.cancel.Set()
		s.mu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.mu.Unlock()
		s.closeAllSubscribers()
	}

	if err := m.docs.Delete(ctx, id, scenario); err != nil {
		return err
	}

	m.logger.Info("session deleted", slog.String("session_id", id))
	return nil
}

// Recover marks sessions stranded in_progress by a previous process as
// failed. Runs once at startup; failures are logged but never block boot.
func (m *Manager) Recover(ctx context.Context) {
	docs, err := m.docs.List(ctx, store.Query{Status: string(StatusInProgress)})
	if err != nil {
		m.logger.Error("recovery listing failed",
			slog.String("error", err.Error()))
		return
	}

	recovered := 0
	for _, doc := range docs {
		doc.Status = string(StatusFailed)
		doc.ErrorDetail = recoveryDetail
		if err := m.docs.Upsert(ctx, doc); err != nil {
			m.logger.Error("failed to fail over stranded session",
				slog.String("session_id", doc.ID),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Info("recovery pass complete",
			slog.Int("recovered", recovered))
	}
}

// Shutdown persists every in-memory session best-effort. Called during
// graceful server shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active)+len(m.recent))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	for _, s := range m.recent {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := m.docs.Upsert(ctx, s.Snapshot()); err != nil {
			m.logger.Warn("shutdown persist failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
	m.logger.Info("session manager shutdown complete",
		slog.Int("persisted", len(sessions)))
}
