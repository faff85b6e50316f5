package event

import (
	"encoding/json"
	"time"
)

// Event tags. These are the discriminants carried on the SSE wire and in
// the persisted event log. Consumers switch on the tag to decode Data.
const (
	TagUserMessage    = "user_message"
	TagRunStart       = "run_start"
	TagThreadCreated  = "thread_created"
	TagStepThinking   = "step_thinking"
	TagStepStarted    = "step_started"
	TagStepResponse   = "step_response"
	TagStepComplete   = "step_complete"
	TagActionExecuted = "action_executed"
	TagMessage        = "message"
	TagRunComplete    = "run_complete"
	TagError          = "error"
	TagStatusChange   = "status_change"
	TagHeartbeat      = "heartbeat"
	TagDone           = "done"
)

// Event is a single entry in a session's event log.
// Events are immutable once appended. Data is a JSON-encoded payload string
// whose schema depends on the tag; it is decoded defensively (see Decode).
type Event struct {
	Name      string `json:"event" firestore:"event"`
	Turn      int    `json:"turn" firestore:"turn"`
	Data      string `json:"data" firestore:"data"`
	Timestamp string `json:"timestamp" firestore:"timestamp"`
}

// New builds an event for the given tag and turn, serialising the payload.
// A payload that cannot be marshalled produces an event with empty data;
// event construction never fails out of the ingestion path.
func New(name string, turn int, payload interface{}) Event {
	data := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = string(b)
		}
	}
	return Event{
		Name:      name,
		Turn:      turn,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Decode parses the event's data payload into a generic mapping.
// Malformed JSON yields an empty mapping and ok=false; it never panics or
// returns an error, so callers on the ingestion path cannot crash on bad data.
func (e Event) Decode() (map[string]interface{}, bool) {
	out := map[string]interface{}{}
	if e.Data == "" {
		return out, true
	}
	if err := json.Unmarshal([]byte(e.Data), &out); err != nil {
		return map[string]interface{}{}, false
	}
	return out, true
}

// RunStartPayload announces the start of an agent run.
type RunStartPayload struct {
	RunID     string `json:"run_id"`
	Alert     string `json:"alert"`
	Timestamp string `json:"timestamp"`
}

// ThreadCreatedPayload carries the external conversation handle.
type ThreadCreatedPayload struct {
	ThreadID string `json:"thread_id"`
}

// UserMessagePayload carries the user input for a turn.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// StepThinkingPayload signals a sub-agent preparing to act.
type StepThinkingPayload struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

// StepStartedPayload signals that sub-agent work has begun.
type StepStartedPayload struct {
	Step      int    `json:"step"`
	Agent     string `json:"agent"`
	Query     string `json:"query,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Visualization is one renderable block extracted from a sub-agent response.
// Kind is one of "graph", "table" or "documents".
type Visualization struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

// StepPayload describes a completed sub-agent step. The same payload is
// emitted twice, as step_response then step_complete (the pair is
// contractual; historical consumers depend on it).
type StepPayload struct {
	Step           int             `json:"step"`
	Agent          string          `json:"agent"`
	Duration       float64         `json:"duration"`
	Query          string          `json:"query"`
	Response       string          `json:"response"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	IsAction       bool            `json:"is_action,omitempty"`
	Action         string          `json:"action,omitempty"`
}

// ActionExecutedPayload records a dispatch-style tool side effect.
type ActionExecutedPayload struct {
	Step       int         `json:"step"`
	ActionName string      `json:"action_name"`
	ActionData interface{} `json:"action_data"`
	Timestamp  string      `json:"timestamp"`
}

// MessagePayload carries the final orchestrator response for a turn.
type MessagePayload struct {
	Text string `json:"text"`
}

// RunCompletePayload carries turn completion statistics.
type RunCompletePayload struct {
	Steps  int     `json:"steps"`
	Tokens int     `json:"tokens"`
	Time   float64 `json:"time"`
}

// ErrorPayload carries a turn failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StatusChangePayload is an out-of-band status update (e.g. "cancelling").
type StatusChangePayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DonePayload is the stream sentinel; Status is the session's terminal status.
type DonePayload struct {
	Status string `json:"status"`
}
