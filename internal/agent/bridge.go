package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/session"
)

// callbackBuffer bounds the queue between runtime-owned callback goroutines
// and the bridge's consumer. The runtime is never blocked: a full queue
// drops the callback with a warning.
const callbackBuffer = 256

// Bridge adapts the callback-driven agent runtime into a session's event
// stream. One turn per RunTurn call, run on the session worker goroutine;
// runtime callbacks are marshalled through a bounded channel so the runtime
// thread is never blocked and the session sees events in callback order.
type Bridge struct {
	runtime     Runtime
	maxAttempts int
	logger      *logger.Logger
}

// NewBridge creates a bridge over the given runtime. maxAttempts bounds
// run attempts per turn (minimum 1).
func NewBridge(runtime Runtime, maxAttempts int, log *logger.Logger) *Bridge {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Bridge{
		runtime:     runtime,
		maxAttempts: maxAttempts,
		logger:      log.WithComponent("agent-bridge"),
	}
}

// callback kinds marshalled through the bridge queue.
const (
	cbThread = iota
	cbThinking
	cbStarted
	cbCompleted
	cbToolOutput
	cbAction
	cbDelta
)

type callbackMsg struct {
	kind      int
	threadID  string
	agent     string
	status    string
	step      int
	query     string
	reasoning string
	result    StepResult
	callID    string
	output    string
	action    ActionResult
	text      string
}

// RunTurn executes one turn against the session, emitting the turn's event
// sequence. Transient failures are retried once; capacity failures are not.
// The cancel signal is consulted between attempts only, never mid-call.
func (b *Bridge) RunTurn(ctx context.Context, s *session.Session, prompt, threadID string) {
	turn := s.CurrentTurn()
	log := b.logger.WithSession(s.ID, s.Scenario)

	runID := uuid.New().String()
	s.PushEvent(event.New(event.TagRunStart, turn, event.RunStartPayload{
		RunID:     runID,
		Alert:     prompt,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}))

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if attempt > 1 {
			if s.Cancel().IsSet() {
				log.Info("cancellation observed between attempts; aborting retry",
					slog.Int("attempt", attempt))
				return
			}
			log.Info("retrying agent run", slog.Int("attempt", attempt))
		}

		err := b.runOnce(ctx, s, prompt, threadID, turn, log)
		if err == nil {
			return
		}
		lastErr = err

		if isCapacityError(err) {
			log.Warn("capacity error from runtime; not retrying",
				slog.String("error", err.Error()))
			break
		}
		log.Warn("agent run attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	// A cancel issued during the final attempt wins over the error at
	// finalization; recording the detail is still correct either way.
	s.SetErrorDetail(lastErr.Error())
	s.PushEvent(event.New(event.TagError, turn, event.ErrorPayload{Message: lastErr.Error()}))
}

// runOnce performs a single run attempt: start the consumer, invoke the
// runtime, then drain the queue and emit the closing message/run_complete
// events.
func (b *Bridge) runOnce(ctx context.Context, s *session.Session, prompt, threadID string, turn int, log *logger.Logger) error {
	queue := make(chan callbackMsg, callbackBuffer)
	enqueue := func(msg callbackMsg) {
		select {
		case queue <- msg:
		default:
			log.Warn("callback queue full, dropping callback",
				slog.Int("kind", msg.kind))
		}
	}

	cb := Callbacks{
		OnThreadCreated: func(id string) {
			enqueue(callbackMsg{kind: cbThread, threadID: id})
		},
		OnStepThinking: func(agent, status string) {
			enqueue(callbackMsg{kind: cbThinking, agent: agent, status: status})
		},
		OnStepStarted: func(step int, agent, query, reasoning string) {
			enqueue(callbackMsg{kind: cbStarted, step: step, agent: agent, query: query, reasoning: reasoning})
		},
		OnStepCompleted: func(result StepResult) {
			enqueue(callbackMsg{kind: cbCompleted, result: result})
		},
		OnToolOutput: func(callID, output string) {
			enqueue(callbackMsg{kind: cbToolOutput, callID: callID, output: output})
		},
		OnActionExecuted: func(action ActionResult) {
			enqueue(callbackMsg{kind: cbAction, action: action})
		},
		OnMessageDelta: func(text string) {
			enqueue(callbackMsg{kind: cbDelta, text: text})
		},
	}

	// Single consumer translates callbacks into session events in arrival
	// order. toolOutputs caches tool results by call id so a later step
	// completion can pick up its output.
	consumer := &turnConsumer{
		session:     s,
		turn:        turn,
		firstTurn:   threadID == "",
		toolOutputs: make(map[string]string),
		logger:      log,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range queue {
			consumer.handle(msg)
		}
	}()

	result, runErr := b.runtime.Run(ctx, RunRequest{Prompt: prompt, ThreadID: threadID}, cb)

	close(queue)
	<-done

	if runErr != nil {
		return runErr
	}

	if result.ThreadID != "" {
		s.RecordThreadID(result.ThreadID)
	}

	text := result.Message
	if text == "" {
		text = consumer.messageText.String()
	}
	if text == "" {
		// The run finished without message text; fall back to the thread's
		// most recent assistant message.
		fallback, err := b.runtime.LatestAssistantMessage(ctx, s.ThreadID())
		if err != nil {
			log.Warn("assistant-message fallback failed",
				slog.String("error", err.Error()))
		} else {
			text = fallback
		}
	}

	s.SetDiagnosis(text)
	s.PushEvent(event.New(event.TagMessage, turn, event.MessagePayload{Text: text}))

	meta := event.RunCompletePayload{
		Steps:  result.Steps,
		Tokens: result.Tokens,
		Time:   result.Elapsed,
	}
	if meta.Steps == 0 {
		meta.Steps = consumer.completedSteps
	}
	s.SetRunMeta(meta)
	s.PushEvent(event.New(event.TagRunComplete, turn, meta))

	return nil
}

// turnConsumer is the single goroutine that turns marshalled callbacks into
// session events.
type turnConsumer struct {
	session        *session.Session
	turn           int
	firstTurn      bool
	toolOutputs    map[string]string
	completedSteps int
	messageText    strings.Builder
	logger         *logger.Logger
}

func (c *turnConsumer) handle(msg callbackMsg) {
	switch msg.kind {
	case cbThread:
		c.session.RecordThreadID(msg.threadID)
		if c.firstTurn {
			c.session.PushEvent(event.New(event.TagThreadCreated, c.turn, event.ThreadCreatedPayload{
				ThreadID: msg.threadID,
			}))
		}

	case cbThinking:
		c.session.PushEvent(event.New(event.TagStepThinking, c.turn, event.StepThinkingPayload{
			Agent:  msg.agent,
			Status: msg.status,
		}))

	case cbStarted:
		c.session.PushEvent(event.New(event.TagStepStarted, c.turn, event.StepStartedPayload{
			Step:      msg.step,
			Agent:     msg.agent,
			Query:     msg.query,
			Reasoning: msg.reasoning,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}))

	case cbToolOutput:
		c.toolOutputs[msg.callID] = msg.output

	case cbCompleted:
		c.completedSteps++
		result := msg.result
		if result.Response == "" && result.ToolCallID != "" {
			if output, ok := c.toolOutputs[result.ToolCallID]; ok {
				result.Response = output
			}
		}

		payload := event.StepPayload{
			Step:           result.Step,
			Agent:          result.Agent,
			Duration:       result.Duration,
			Query:          result.Query,
			Response:       result.Response,
			Visualizations: ParseVisualizations(result.Response),
			Reasoning:      result.Reasoning,
			IsAction:       result.IsAction,
			Action:         result.Action,
		}
		// step_response then an identical step_complete; historical
		// consumers depend on the pair.
		c.session.PushEvent(event.New(event.TagStepResponse, c.turn, payload))
		c.session.PushEvent(event.New(event.TagStepComplete, c.turn, payload))

	case cbAction:
		c.session.PushEvent(event.New(event.TagActionExecuted, c.turn, event.ActionExecutedPayload{
			Step:       msg.action.Step,
			ActionName: msg.action.Name,
			ActionData: msg.action.Data,
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		}))

	case cbDelta:
		c.messageText.WriteString(msg.text)
	}
}

// capacityIndicators mark errors caused by rate limiting or load shedding.
// Retrying those amplifies the overload, so the bridge gives up immediately.
var capacityIndicators = []string{
	"429",
	"503",
	"rate limit",
	"circuit breaker",
	"circuit-breaker",
}

func isCapacityError(err error) bool {
	text := strings.ToLower(err.Error())
	for _, indicator := range capacityIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}
