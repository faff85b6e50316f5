package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StubRuntime is a local-development Runtime. It fabricates a thread, one
// sub-agent step echoing the prompt, and a short final message, so the full
// session lifecycle can be exercised without the real agent service.
type StubRuntime struct {
	mu       sync.Mutex
	messages map[string]string // threadID -> last assistant message
}

// NewStubRuntime creates an empty stub.
func NewStubRuntime() *StubRuntime {
	return &StubRuntime{messages: make(map[string]string)}
}

// Run implements Runtime.
func (r *StubRuntime) Run(ctx context.Context, req RunRequest, cb Callbacks) (RunResult, error) {
	start := time.Now()

	threadID := req.ThreadID
	if threadID == "" {
		threadID = "thread-" + uuid.New().String()
		if cb.OnThreadCreated != nil {
			cb.OnThreadCreated(threadID)
		}
	}

	if cb.OnStepThinking != nil {
		cb.OnStepThinking("echo", "preparing")
	}
	if cb.OnStepStarted != nil {
		cb.OnStepStarted(1, "echo", req.Prompt, "")
	}
	if cb.OnStepCompleted != nil {
		cb.OnStepCompleted(StepResult{
			Step:     1,
			Agent:    "echo",
			Duration: time.Since(start).Seconds(),
			Query:    req.Prompt,
			Response: "echo: " + req.Prompt,
		})
	}

	message := fmt.Sprintf("Investigated %q; no external runtime is configured.", req.Prompt)

	r.mu.Lock()
	r.messages[threadID] = message
	r.mu.Unlock()

	return RunResult{
		ThreadID: threadID,
		Message:  message,
		Steps:    1,
		Elapsed:  time.Since(start).Seconds(),
	}, nil
}

// LatestAssistantMessage implements Runtime.
func (r *StubRuntime) LatestAssistantMessage(_ context.Context, threadID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.messages[threadID]; ok {
		return msg, nil
	}
	return "", fmt.Errorf("no messages on thread %s", threadID)
}
