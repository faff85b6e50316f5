package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/metrics"
	"github.com/halcyon-ai/casefile/internal/store"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one multi-turn investigation conversation.
//
// It owns an append-only event log (capped; head truncated on overflow), a
// registry of live subscribers, conversation metadata carried across turns
// (external thread id, turn count), and per-turn results (diagnosis, steps,
// run statistics). The manager holds exclusive ownership; the agent bridge
// borrows it to push events; subscribers observe through their channels.
//
// Thread-safety: all mutable state is guarded by mu. PushEvent appends and
// snapshots the subscriber set under mu, then delivers outside it under
// deliverMu so a slow store or subscriber can never block the log. deliverMu
// serialises fan-out so subscribers observe events in append order.
type Session struct {
	ID        string
	Scenario  string
	AlertText string
	CreatedAt string

	mu        sync.Mutex
	status    Status
	updatedAt string
	threadID  string
	turnCount int

	events    []event.Event
	maxEvents int

	steps       []event.StepPayload
	diagnosis   string
	runMeta     *event.RunCompletePayload
	errorDetail string

	subscribers map[string]*Subscriber
	deliverMu   sync.Mutex

	// Runtime-only; never persisted.
	cancel    *CancelSignal
	idleTimer *time.Timer
	readOnly  bool

	logger *logger.Logger
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// newSession creates a pending session. Sessions are created through the
// Manager, which enforces admission control.
func newSession(scenario, alertText string, maxEvents int, log *logger.Logger) *Session {
	id := uuid.New().String()
	now := nowISO()
	return &Session{
		ID:          id,
		Scenario:    scenario,
		AlertText:   alertText,
		CreatedAt:   now,
		status:      StatusPending,
		updatedAt:   now,
		maxEvents:   maxEvents,
		events:      make([]event.Event, 0, 64),
		subscribers: make(map[string]*Subscriber),
		cancel:      NewCancelSignal(),
		logger:      log.WithSession(id, scenario),
	}
}

// Hydrate rebuilds a read-only session snapshot from a persisted document.
// Hydrated sessions carry no runtime state: they can be inspected and their
// event log replayed, but not run or cancelled.
func Hydrate(doc *store.SessionDocument, log *logger.Logger) *Session {
	s := &Session{
		ID:          doc.ID,
		Scenario:    doc.Scenario,
		AlertText:   doc.AlertText,
		CreatedAt:   doc.CreatedAt,
		status:      Status(doc.Status),
		updatedAt:   doc.UpdatedAt,
		threadID:    doc.ThreadID,
		turnCount:   doc.TurnCount,
		events:      append([]event.Event(nil), doc.EventLog...),
		maxEvents:   len(doc.EventLog) + 1,
		steps:       append([]event.StepPayload(nil), doc.Steps...),
		diagnosis:   doc.Diagnosis,
		runMeta:     doc.RunMeta,
		errorDetail: doc.ErrorDetail,
		subscribers: make(map[string]*Subscriber),
		cancel:      NewCancelSignal(),
		readOnly:    true,
		logger:      log.WithSession(doc.ID, doc.Scenario),
	}
	return s
}

// PushEvent appends an event to the log and fans it out to subscribers.
//
// The append, updated_at bump, steps aggregation and subscriber snapshot
// happen under the session lock; delivery happens outside it. Events are
// immutable once appended. When the log is at capacity the oldest entry is
// dropped; offsets are indexes into the current log, so truncation is
// visible as an index shift on re-subscribe.
func (s *Session) PushEvent(e event.Event) {
	s.mu.Lock()

	if len(s.events) >= s.maxEvents {
		drop := len(s.events) - s.maxEvents + 1
		s.events = append(s.events[:0], s.events[drop:]...)
	}
	s.events = append(s.events, e)
	s.updatedAt = nowISO()

	if e.Name == event.TagStepComplete {
		s.aggregateStepLocked(e)
	}

	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	metrics.EventsPushed.Inc()

	// deliverMu keeps fan-out in append order across concurrent pushers.
	// Sends are non-blocking, so this never holds up the caller for long.
	s.deliverMu.Lock()
	var overflowed []*Subscriber
	for _, sub := range subs {
		if !sub.send(e) && sub.IsClosed() {
			overflowed = append(overflowed, sub)
		}
	}
	s.deliverMu.Unlock()

	for _, sub := range overflowed {
		s.logger.Warn("subscriber lagging, closed",
			slog.String("subscriber_id", sub.ID),
			slog.String("event", e.Name))
		s.Unsubscribe(sub)
	}
}

// aggregateStepLocked folds a step_complete event into the latest-turn step
// summaries. Malformed payloads are logged and skipped; they never fail the
// ingestion path.
func (s *Session) aggregateStepLocked(e event.Event) {
	var step event.StepPayload
	if err := json.Unmarshal([]byte(e.Data), &step); err != nil {
		s.logger.Warn("malformed step_complete payload",
			slog.String("error", err.Error()))
		return
	}
	s.steps = append(s.steps, step)
}

// Subscribe registers a new subscriber and returns the history suffix from
// sinceIndex (clamped to [0, len]) together with the subscriber. The caller
// must drain history before reading the channel: registration and the
// history copy happen under the same lock that guards appends, so the
// concatenation of history and channel deliveries is a gap-free, duplicate
// free suffix of the log (as long as the channel never overflows).
func (s *Session) Subscribe(sinceIndex int) ([]event.Event, *Subscriber) {
	sub := newSubscriber(uuid.New().String())

	s.mu.Lock()
	if sinceIndex < 0 {
		sinceIndex = 0
	}
	if sinceIndex > len(s.events) {
		sinceIndex = len(s.events)
	}
	history := make([]event.Event, len(s.events)-sinceIndex)
	copy(history, s.events[sinceIndex:])
	s.subscribers[sub.ID] = sub
	s.mu.Unlock()

	s.logger.Debug("subscriber joined",
		slog.String("subscriber_id", sub.ID),
		slog.Int("since_index", sinceIndex),
		slog.Int("history_len", len(history)))

	return history, sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// multiple times and concurrently with PushEvent.
func (s *Session) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	_, present := s.subscribers[sub.ID]
	delete(s.subscribers, sub.ID)
	s.mu.Unlock()

	sub.close()

	if present {
		s.logger.Debug("subscriber left", slog.String("subscriber_id", sub.ID))
	}
}

// EventCount returns the current length of the event log.
func (s *Session) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// SubscriberCount returns the number of live subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.updatedAt = nowISO()
	s.mu.Unlock()
}

// ThreadID returns the external conversation handle, empty until the first
// turn's run has created a thread.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// RecordThreadID stores the external thread id. Re-recording a different id
// on a follow-up is unexpected but tolerated; the newest one wins.
func (s *Session) RecordThreadID(threadID string) {
	if threadID == "" {
		return
	}
	s.mu.Lock()
	prev := s.threadID
	s.threadID = threadID
	s.updatedAt = nowISO()
	s.mu.Unlock()

	if prev != "" && prev != threadID {
		s.logger.Warn("runtime issued a new thread id on follow-up",
			slog.String("previous", prev),
			slog.String("current", threadID))
	}
}

// TurnCount returns the number of user-initiated turns so far.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// CurrentTurn returns the zero-based turn number the session is on.
func (s *Session) CurrentTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCount == 0 {
		return 0
	}
	return s.turnCount - 1
}

// SetDiagnosis records the latest final response text. Overwritten per turn
// by design; per-turn history lives in the event log.
func (s *Session) SetDiagnosis(text string) {
	s.mu.Lock()
	s.diagnosis = text
	s.updatedAt = nowISO()
	s.mu.Unlock()
}

// Diagnosis returns the latest final response text.
func (s *Session) Diagnosis() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diagnosis
}

// SetRunMeta records the latest turn's completion statistics.
func (s *Session) SetRunMeta(meta event.RunCompletePayload) {
	s.mu.Lock()
	s.runMeta = &meta
	s.updatedAt = nowISO()
	s.mu.Unlock()
}

// SetErrorDetail records a turn failure. Cleared at the start of a follow-up.
func (s *Session) SetErrorDetail(detail string) {
	s.mu.Lock()
	s.errorDetail = detail
	s.updatedAt = nowISO()
	s.mu.Unlock()
}

// ErrorDetail returns the recorded failure detail, if any.
func (s *Session) ErrorDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorDetail
}

// Cancel returns the session's cooperative cancellation signal.
func (s *Session) Cancel() *CancelSignal {
	return s.cancel
}

// Snapshot serialises the session to its persisted document shape.
func (s *Session) Snapshot() *store.SessionDocument {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &store.SessionDocument{
		DocType:     store.DocTypeSession,
		ID:          s.ID,
		Scenario:    s.Scenario,
		Status:      string(s.status),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.updatedAt,
		AlertText:   s.AlertText,
		ThreadID:    s.threadID,
		TurnCount:   s.turnCount,
		Diagnosis:   s.diagnosis,
		RunMeta:     s.runMeta,
		ErrorDetail: s.errorDetail,
		Steps:       append([]event.StepPayload(nil), s.steps...),
		EventLog:    append([]event.Event(nil), s.events...),
	}
}

// Summary is the compact listing shape for a session.
type Summary struct {
	ID        string `json:"id"`
	Scenario  string `json:"scenario"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	TurnCount int    `json:"turn_count"`
	AlertText string `json:"alert_text"`
}

// Summarize returns the compact listing shape.
func (s *Session) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert := s.AlertText
	if len(alert) > 200 {
		alert = alert[:200]
	}
	return Summary{
		ID:        s.ID,
		Scenario:  s.Scenario,
		Status:    string(s.status),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
		TurnCount: s.turnCount,
		AlertText: alert,
	}
}

// SummarizeDocument builds a Summary from a persisted document.
func SummarizeDocument(doc *store.SessionDocument) Summary {
	alert := doc.AlertText
	if len(alert) > 200 {
		alert = alert[:200]
	}
	return Summary{
		ID:        doc.ID,
		Scenario:  doc.Scenario,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		TurnCount: doc.TurnCount,
		AlertText: alert,
	}
}

// closeAllSubscribers closes every subscriber channel. Called when the
// session is deleted.
func (s *Session) closeAllSubscribers() {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[string]*Subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
