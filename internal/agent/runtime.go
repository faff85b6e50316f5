package agent

import "context"

// RunRequest describes one turn handed to the external agent runtime.
// ThreadID is empty on the first turn; the runtime assigns one and reports
// it through Callbacks.OnThreadCreated.
type RunRequest struct {
	Prompt   string
	ThreadID string
}

// StepResult is a completed sub-agent step as reported by the runtime.
// ToolCallID links the step to a tool invocation whose output may have been
// captured separately (see Callbacks.OnToolOutput).
type StepResult struct {
	Step       int
	Agent      string
	Duration   float64
	Query      string
	Response   string
	Reasoning  string
	ToolCallID string
	IsAction   bool
	Action     string
}

// ActionResult is a dispatch-style tool side effect.
type ActionResult struct {
	Step int
	Name string
	Data interface{}
}

// Callbacks are invoked by the runtime on goroutines of its own choosing
// while Run is in flight. Implementations must not block; the bridge
// marshals every callback onto its own consumer before touching the session.
type Callbacks struct {
	OnThreadCreated  func(threadID string)
	OnStepThinking   func(agent, status string)
	OnStepStarted    func(step int, agent, query, reasoning string)
	OnStepCompleted  func(result StepResult)
	OnToolOutput     func(callID, output string)
	OnActionExecuted func(action ActionResult)
	OnMessageDelta   func(text string)
}

// RunResult is what a finished run reports back.
type RunResult struct {
	ThreadID string
	Message  string
	Steps    int
	Tokens   int
	Elapsed  float64
}

// Runtime is the external agent-execution service. Run blocks until the
// turn is over, invoking callbacks as work progresses. Implementations must
// be safe for concurrent runs across sessions.
type Runtime interface {
	Run(ctx context.Context, req RunRequest, cb Callbacks) (RunResult, error)

	// LatestAssistantMessage queries the runtime's message history for the
	// most recent assistant message on a thread. Used as a fallback when a
	// run completes without producing message text.
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)
}
