package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/persist"
	"github.com/halcyon-ai/casefile/internal/store"
)

type runCall struct {
	prompt   string
	threadID string
}

// fakeRunner records RunTurn calls and delegates to a per-test behaviour.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	behave func(ctx context.Context, s *Session, prompt, threadID string)
}

func (f *fakeRunner) RunTurn(ctx context.Context, s *Session, prompt, threadID string) {
	f.mu.Lock()
	f.calls = append(f.calls, runCall{prompt: prompt, threadID: threadID})
	f.mu.Unlock()

	if f.behave != nil {
		f.behave(ctx, s, prompt, threadID)
	}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// completeTurn mimics the bridge's happy path.
func completeTurn(s *Session, threadID, text string) {
	turn := s.CurrentTurn()
	s.RecordThreadID(threadID)
	if turn == 0 {
		s.PushEvent(event.New(event.TagThreadCreated, turn, event.ThreadCreatedPayload{ThreadID: threadID}))
	}
	payload := event.StepPayload{Step: 1, Agent: "graph", Duration: 0.1, Query: "q", Response: "r"}
	s.PushEvent(event.New(event.TagStepResponse, turn, payload))
	s.PushEvent(event.New(event.TagStepComplete, turn, payload))
	s.SetDiagnosis(text)
	s.PushEvent(event.New(event.TagMessage, turn, event.MessagePayload{Text: text}))
	s.SetRunMeta(event.RunCompletePayload{Steps: 1, Tokens: 10, Time: 0.2})
	s.PushEvent(event.New(event.TagRunComplete, turn, event.RunCompletePayload{Steps: 1, Tokens: 10, Time: 0.2}))
}

func newTestManager(t *testing.T, cfg Config, runner TurnRunner) (*Manager, *store.MemoryStore) {
	t.Helper()
	docs := store.NewMemoryStore()
	saver := persist.NewSaver(docs, testLogger())
	saver.SetSleepForTest(func(time.Duration) {})
	t.Cleanup(saver.Shutdown)
	return NewManager(cfg, runner, saver, docs, testLogger()), docs
}

func waitForStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s (now %s)", s.ID, want, s.Status())
}

func waitForDone(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.events)
		last := ""
		if n > 0 {
			last = s.events[n-1].Name
		}
		s.mu.Unlock()
		if last == event.TagDone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never emitted a done event", s.ID)
}

func TestSingleTurnHappyPath(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, prompt, _ string) {
		completeTurn(s, "T", "done")
	}}
	mgr, docs := newTestManager(t, Config{}, runner)

	s, err := mgr.Create("s1", "A")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	mgr.Start(s)

	waitForStatus(t, s, StatusCompleted)
	waitForDone(t, s)

	if s.TurnCount() != 1 {
		t.Errorf("turn_count %d, want 1", s.TurnCount())
	}
	if s.ThreadID() != "T" {
		t.Errorf("thread_id %q, want T", s.ThreadID())
	}
	if s.Diagnosis() != "done" {
		t.Errorf("diagnosis %q, want done", s.Diagnosis())
	}

	s.mu.Lock()
	first := s.events[0]
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	s.mu.Unlock()

	if first.Name != event.TagUserMessage || first.Turn != 0 || first.Data != `{"text":"A"}` {
		t.Errorf("first event = %s turn=%d data=%s, want user_message{A} turn 0", first.Name, first.Turn, first.Data)
	}
	if names[len(names)-2] != event.TagRunComplete {
		t.Errorf("event before done is %s, want run_complete", names[len(names)-2])
	}

	// The terminal snapshot landed in the store.
	doc, err := docs.Get(context.Background(), s.ID, "s1")
	if err != nil {
		t.Fatalf("terminal snapshot not persisted: %v", err)
	}
	if doc.Status != string(StatusCompleted) {
		t.Errorf("persisted status %q", doc.Status)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		<-block
	}}
	mgr, _ := newTestManager(t, Config{}, runner)

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	mgr.Start(s)
	mgr.Start(s)

	waitForStatus(t, s, StatusInProgress)
	time.Sleep(20 * time.Millisecond)
	if n := runner.callCount(); n != 1 {
		t.Errorf("runner invoked %d times, want 1", n)
	}
	close(block)
}

func TestFollowUpContinuity(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, prompt, threadID string) {
		completeTurn(s, "T", "answer to "+prompt)
	}}
	mgr, _ := newTestManager(t, Config{}, runner)

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	waitForStatus(t, s, StatusCompleted)
	waitForDone(t, s)

	before := s.EventCount()
	offset, err := mgr.SendFollowUp(context.Background(), s.ID, "B")
	if err != nil {
		t.Fatalf("follow-up failed: %v", err)
	}
	if offset != before {
		t.Errorf("event_offset %d, want %d", offset, before)
	}

	waitForStatus(t, s, StatusCompleted)
	waitForDone(t, s)

	runner.mu.Lock()
	second := runner.calls[1]
	runner.mu.Unlock()
	if second.threadID != "T" {
		t.Errorf("follow-up ran with thread %q, want T", second.threadID)
	}
	if second.prompt != "B" {
		t.Errorf("follow-up prompt %q, want B", second.prompt)
	}

	history, sub := s.Subscribe(offset)
	defer s.Unsubscribe(sub)
	if len(history) == 0 {
		t.Fatal("no events after follow-up offset")
	}
	if history[0].Name != event.TagUserMessage || history[0].Turn != 1 || history[0].Data != `{"text":"B"}` {
		t.Errorf("first follow-up event = %s turn=%d data=%s, want user_message{B} turn 1",
			history[0].Name, history[0].Turn, history[0].Data)
	}
	if s.TurnCount() != 2 {
		t.Errorf("turn_count %d, want 2", s.TurnCount())
	}
}

func TestFollowUpPreconditions(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, threadID string) {
		if threadID == "" {
			s.RecordThreadID("T")
		}
		<-block
	}}
	mgr, _ := newTestManager(t, Config{}, runner)

	if _, err := mgr.SendFollowUp(context.Background(), "missing", "B"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	waitForStatus(t, s, StatusInProgress)

	if _, err := mgr.SendFollowUp(context.Background(), s.ID, "B"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("running session: got %v, want ErrAlreadyRunning", err)
	}
	close(block)
	waitForStatus(t, s, StatusCompleted)

	// A completed session that never got a thread can't continue.
	noThread, _ := mgr.Create("s1", "C")
	noThread.setStatus(StatusFailed)
	if _, err := mgr.SendFollowUp(context.Background(), noThread.ID, "B"); !errors.Is(err, ErrNoThread) {
		t.Errorf("threadless session: got %v, want ErrNoThread", err)
	}
}

func TestCancelMidRun(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		close(started)
		// Cooperative: finish the current attempt once the signal is set.
		<-s.Cancel().Done()
	}}
	mgr, _ := newTestManager(t, Config{}, runner)

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	<-started

	if err := mgr.Cancel(context.Background(), s.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	waitForStatus(t, s, StatusCancelled)
	waitForDone(t, s)

	s.mu.Lock()
	var sawCancelling bool
	var doneData string
	for _, e := range s.events {
		if e.Name == event.TagStatusChange {
			sawCancelling = true
		}
		if e.Name == event.TagDone {
			doneData = e.Data
		}
	}
	s.mu.Unlock()

	if !sawCancelling {
		t.Error("no status_change event after cancel")
	}
	if doneData != `{"status":"cancelled"}` {
		t.Errorf("done payload %s, want cancelled", doneData)
	}

	// Cancelled sessions move straight to the recent queue.
	mgr.mu.Lock()
	_, inActive := mgr.active[s.ID]
	_, inRecent := mgr.recent[s.ID]
	mgr.mu.Unlock()
	if inActive || !inRecent {
		t.Errorf("cancelled session placement: active=%v recent=%v", inActive, inRecent)
	}
}

func TestCancelIsNoOpWhenNotRunning(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		completeTurn(s, "T", "done")
	}}
	mgr, _ := newTestManager(t, Config{}, runner)

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	waitForStatus(t, s, StatusCompleted)

	if err := mgr.Cancel(context.Background(), s.ID); err != nil {
		t.Fatalf("cancel errored: %v", err)
	}
	if s.Status() != StatusCompleted {
		t.Errorf("status changed to %s by no-op cancel", s.Status())
	}
}

func TestErrorPrecedenceOverPartialDiagnosis(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		s.SetDiagnosis("partial findings")
		s.SetErrorDetail("runtime exploded")
		s.PushEvent(event.New(event.TagError, 0, event.ErrorPayload{Message: "runtime exploded"}))
	}}
	mgr, _ := newTestManager(t, Config{}, runner)

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)

	waitForStatus(t, s, StatusFailed)
	if s.Diagnosis() != "partial findings" {
		t.Errorf("diagnosis %q", s.Diagnosis())
	}
	if s.ErrorDetail() != "runtime exploded" {
		t.Errorf("error_detail %q", s.ErrorDetail())
	}
}

func TestAdmissionLimit(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		<-block
	}}
	mgr, _ := newTestManager(t, Config{MaxActive: 1}, runner)

	s1, err := mgr.Create("s1", "A")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	mgr.Start(s1)

	if _, err := mgr.Create("s1", "B"); !errors.Is(err, ErrTooMany) {
		t.Fatalf("second create: got %v, want ErrTooMany", err)
	}

	close(block)
	waitForStatus(t, s1, StatusCompleted)
	// Completed sessions stay active until idle timeout; delete frees the slot.
	if err := mgr.Delete(context.Background(), s1.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := mgr.Create("s1", "C"); err != nil {
		t.Errorf("create after slot freed: %v", err)
	}
}

func TestEvictionKeepsStoreCopy(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		s.SetErrorDetail("fails fast")
	}}
	mgr, docs := newTestManager(t, Config{MaxRecent: 2}, runner)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := mgr.Create("s1", "alert")
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		ids = append(ids, s.ID)
		mgr.Start(s)
		waitForStatus(t, s, StatusFailed)

		// Wait for the move to the recent queue.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mgr.mu.Lock()
			_, active := mgr.active[s.ID]
			mgr.mu.Unlock()
			if !active {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	mgr.mu.Lock()
	_, oldestInRecent := mgr.recent[ids[0]]
	_, newestInRecent := mgr.recent[ids[2]]
	recentLen := len(mgr.recent)
	mgr.mu.Unlock()

	if recentLen != 2 {
		t.Fatalf("recent size %d, want 2", recentLen)
	}
	if oldestInRecent {
		t.Error("oldest session still in recent queue")
	}
	if !newestInRecent {
		t.Error("newest session missing from recent queue")
	}

	// The evicted session survives in the document store.
	if _, err := docs.Get(context.Background(), ids[0], "s1"); err != nil {
		t.Errorf("evicted session not in store: %v", err)
	}

	// And Get hydrates it as a read-only snapshot.
	h, err := mgr.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get of evicted session failed: %v", err)
	}
	if !h.readOnly {
		t.Error("evicted session not hydrated read-only")
	}
}

func TestRecoveryFailsStrandedSessions(t *testing.T) {
	docs := store.NewMemoryStore()
	ctx := context.Background()

	stranded := &store.SessionDocument{
		ID:       "stranded-1",
		Scenario: "s1",
		Status:   string(StatusInProgress),
	}
	if err := docs.Upsert(ctx, stranded); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	healthy := &store.SessionDocument{
		ID:       "healthy-1",
		Scenario: "s1",
		Status:   string(StatusCompleted),
	}
	if err := docs.Upsert(ctx, healthy); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	saver := persist.NewSaver(docs, testLogger())
	saver.SetSleepForTest(func(time.Duration) {})
	defer saver.Shutdown()

	mgr := NewManager(Config{}, &fakeRunner{}, saver, docs, testLogger())
	mgr.Recover(ctx)

	doc, err := docs.Get(ctx, "stranded-1", "s1")
	if err != nil {
		t.Fatalf("stranded doc missing: %v", err)
	}
	if doc.Status != string(StatusFailed) {
		t.Errorf("stranded status %q, want failed", doc.Status)
	}
	if doc.ErrorDetail == "" {
		t.Error("stranded session has empty error_detail")
	}

	doc, err = docs.Get(ctx, "healthy-1", "s1")
	if err != nil {
		t.Fatalf("healthy doc missing: %v", err)
	}
	if doc.Status != string(StatusCompleted) {
		t.Errorf("healthy session rewritten to %q", doc.Status)
	}
}

func TestListAllMergesMemoryAndStore(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		completeTurn(s, "T", "done")
	}}
	mgr, docs := newTestManager(t, Config{}, runner)
	ctx := context.Background()

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	waitForStatus(t, s, StatusCompleted)

	// A store-only document, e.g. from a previous process.
	old := &store.SessionDocument{
		ID:        "old-1",
		Scenario:  "s1",
		Status:    string(StatusCompleted),
		UpdatedAt: "2020-01-01T00:00:00Z",
	}
	if err := docs.Upsert(ctx, old); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	// A stale store copy of the live session must lose to memory.
	stale := s.Snapshot()
	stale.Status = string(StatusPending)
	if err := docs.Upsert(ctx, stale); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	list := mgr.ListAll(ctx)
	if len(list) != 2 {
		t.Fatalf("list length %d, want 2", len(list))
	}
	byID := map[string]Summary{}
	for _, sum := range list {
		byID[sum.ID] = sum
	}
	if byID[s.ID].Status != string(StatusCompleted) {
		t.Errorf("in-memory session listed as %q, memory must win", byID[s.ID].Status)
	}
	if _, ok := byID["old-1"]; !ok {
		t.Error("store-only session missing from listing")
	}
	if list[0].UpdatedAt < list[1].UpdatedAt {
		t.Error("listing not ordered by updated_at descending")
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		completeTurn(s, "T", "done")
	}}
	mgr, docs := newTestManager(t, Config{}, runner)
	ctx := context.Background()

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	waitForStatus(t, s, StatusCompleted)
	waitForDone(t, s)

	if err := mgr.Delete(ctx, s.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := mgr.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: got %v, want ErrNotFound", err)
	}
	if _, err := docs.Get(ctx, s.ID, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store get after delete: got %v, want ErrNotFound", err)
	}
}

func TestIdleTimeoutEvictsCompleted(t *testing.T) {
	runner := &fakeRunner{behave: func(_ context.Context, s *Session, _, _ string) {
		completeTurn(s, "T", "done")
	}}
	mgr, _ := newTestManager(t, Config{IdleTimeout: 30 * time.Millisecond}, runner)

	s, _ := mgr.Create("s1", "A")
	mgr.Start(s)
	waitForStatus(t, s, StatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		_, active := mgr.active[s.ID]
		_, recent := mgr.recent[s.ID]
		mgr.mu.Unlock()
		if !active && recent {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("completed session never evicted after idle timeout")
}
