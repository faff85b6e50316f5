package session

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func testSession(maxEvents int) *Session {
	return newSession("test-scenario", "test alert", maxEvents, testLogger())
}

func collectAvailable(sub *Subscriber) []event.Event {
	var out []event.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestSubscriberObservesAppendOrder(t *testing.T) {
	s := testSession(500)
	_, sub := s.Subscribe(0)
	defer s.Unsubscribe(sub)

	const n = 20
	for i := 0; i < n; i++ {
		s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: fmt.Sprintf("m%d", i)}))
	}

	got := collectAvailable(sub)
	if len(got) != n {
		t.Fatalf("expected %d events, got %d", n, len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf(`{"text":"m%d"}`, i)
		if e.Data != want {
			t.Errorf("event %d: got data %q, want %q", i, e.Data, want)
		}
	}

	s.mu.Lock()
	logged := len(s.events)
	s.mu.Unlock()
	if logged != n {
		t.Errorf("event log has %d entries, want %d", logged, n)
	}
}

func TestSubscribeReplayLiveBoundary(t *testing.T) {
	s := testSession(500)
	const total = 10
	for i := 0; i < total; i++ {
		s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: fmt.Sprintf("m%d", i)}))
	}

	for k := 0; k <= total; k++ {
		history, sub := s.Subscribe(k)
		if len(history) != total-k {
			t.Fatalf("subscribe(%d): history length %d, want %d", k, len(history), total-k)
		}

		s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: "live"}))

		select {
		case e := <-sub.Events():
			if e.Data != `{"text":"live"}` {
				t.Fatalf("subscribe(%d): got live event %q", k, e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscribe(%d): live event not delivered", k)
		}

		for _, e := range history {
			if e.Data == `{"text":"live"}` {
				t.Fatalf("subscribe(%d): live event duplicated in history", k)
			}
		}
		s.Unsubscribe(sub)

		// Restore the log for the next iteration's expectations.
		s.mu.Lock()
		s.events = s.events[:total]
		s.mu.Unlock()
	}
}

func TestSubscribeClampsSinceIndex(t *testing.T) {
	s := testSession(500)
	s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: "a"}))

	history, sub := s.Subscribe(-5)
	if len(history) != 1 {
		t.Errorf("negative since: history length %d, want 1", len(history))
	}
	s.Unsubscribe(sub)

	history, sub = s.Subscribe(999)
	if len(history) != 0 {
		t.Errorf("oversized since: history length %d, want 0", len(history))
	}
	s.Unsubscribe(sub)
}

func TestEventLogCap(t *testing.T) {
	const logCap = 50
	s := testSession(logCap)

	for i := 0; i < logCap+25; i++ {
		s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: fmt.Sprintf("m%d", i)}))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) != logCap {
		t.Fatalf("event log has %d entries, want %d", len(s.events), logCap)
	}
	// The retained window is the last logCap events, in order.
	first := s.events[0].Data
	if first != `{"text":"m25"}` {
		t.Errorf("oldest retained event is %q, want m25", first)
	}
	last := s.events[logCap-1].Data
	if last != `{"text":"m74"}` {
		t.Errorf("newest retained event is %q, want m74", last)
	}
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	s := testSession(500)
	_, sub := s.Subscribe(0)

	// Never read: the channel fills and the subscriber is closed.
	for i := 0; i < subscriberBuffer+10; i++ {
		s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: "x"}))
	}

	if !sub.IsClosed() {
		t.Fatal("overflowed subscriber was not closed")
	}
	if n := s.SubscriberCount(); n != 0 {
		t.Errorf("overflowed subscriber still registered, count %d", n)
	}
	// The log kept everything regardless.
	if s.EventCount() != subscriberBuffer+10 {
		t.Errorf("event log has %d entries, want %d", s.EventCount(), subscriberBuffer+10)
	}
}

func TestMalformedEventPayloadIsAppended(t *testing.T) {
	s := testSession(500)
	before := s.Status()

	s.PushEvent(event.Event{
		Name:      event.TagStepComplete,
		Turn:      0,
		Data:      "{not json",
		Timestamp: nowISO(),
	})

	if s.EventCount() != 1 {
		t.Fatalf("malformed event not appended, log size %d", s.EventCount())
	}
	if s.Status() != before {
		t.Errorf("status changed to %s on malformed payload", s.Status())
	}

	s.mu.Lock()
	steps := len(s.steps)
	s.mu.Unlock()
	if steps != 0 {
		t.Errorf("malformed step_complete aggregated, steps %d", steps)
	}
}

func TestStepCompleteAggregation(t *testing.T) {
	s := testSession(500)

	payload := event.StepPayload{Step: 1, Agent: "graph", Query: "q", Response: "r"}
	s.PushEvent(event.New(event.TagStepResponse, 0, payload))
	s.PushEvent(event.New(event.TagStepComplete, 0, payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) != 1 {
		t.Fatalf("steps aggregated %d times, want 1 (step_response must not aggregate)", len(s.steps))
	}
	if s.steps[0].Agent != "graph" {
		t.Errorf("aggregated step agent %q, want graph", s.steps[0].Agent)
	}
}

func TestSnapshotHydrateRoundTrip(t *testing.T) {
	s := testSession(500)
	s.setStatus(StatusCompleted)
	s.RecordThreadID("thread-1")
	s.SetDiagnosis("all clear")
	s.SetRunMeta(event.RunCompletePayload{Steps: 2, Tokens: 100, Time: 1.5})
	s.PushEvent(event.New(event.TagMessage, 0, event.MessagePayload{Text: "all clear"}))

	doc := s.Snapshot()
	if doc.DocType != "session" {
		t.Fatalf("snapshot _docType %q, want session", doc.DocType)
	}

	h := Hydrate(doc, testLogger())
	if h.ID != s.ID || h.Scenario != s.Scenario {
		t.Error("hydrated identity mismatch")
	}
	if h.Status() != StatusCompleted {
		t.Errorf("hydrated status %s, want completed", h.Status())
	}
	if h.ThreadID() != "thread-1" {
		t.Errorf("hydrated thread id %q", h.ThreadID())
	}
	if h.Diagnosis() != "all clear" {
		t.Errorf("hydrated diagnosis %q", h.Diagnosis())
	}
	if h.EventCount() != 1 {
		t.Errorf("hydrated event count %d, want 1", h.EventCount())
	}
	if !h.readOnly {
		t.Error("hydrated session is not read-only")
	}
}

func TestSummarizeTruncatesAlert(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	s := newSession("sc", string(long), 500, testLogger())

	sum := s.Summarize()
	if len(sum.AlertText) != 200 {
		t.Errorf("summary alert length %d, want 200", len(sum.AlertText))
	}
}

func TestCancelSignalResetLifecycle(t *testing.T) {
	c := NewCancelSignal()
	if c.IsSet() {
		t.Fatal("new signal already set")
	}

	c.Set()
	c.Set() // idempotent
	if !c.IsSet() {
		t.Fatal("signal not set after Set")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel not closed after Set")
	}

	c.Reset()
	if c.IsSet() {
		t.Fatal("signal still set after Reset")
	}
	select {
	case <-c.Done():
		t.Fatal("Done channel closed after Reset")
	default:
	}
}
