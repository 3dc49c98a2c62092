package ipc

import "encoding/json"

// TaskCommand kinds, orchestrator to agent.
const (
	KindSetTaskContext = "SetTaskContext"
	KindStartNewTask   = "StartNewTask"
	KindCancelTask     = "CancelTask"
	KindCloseTask      = "CloseTask"
)

// TaskEvent kinds, agent to orchestrator.
const (
	KindTaskContextConfirmation = "TaskContextConfirmation"
	KindTaskStarted             = "TaskStarted"
	KindTaskTokenUsageUpdated   = "TaskTokenUsageUpdated"
	KindTaskToolFailed          = "TaskToolFailed"
	KindTaskCompleted           = "TaskCompleted"
	KindTaskAborted             = "TaskAborted"
	KindEvalPass                = "EvalPass"
	KindEvalFail                = "EvalFail"
)

// envelope is the wire shape shared by both directions: a "type"
// discriminator plus a raw payload decoded once the type is known.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskCommand is a typed orchestrator→agent message.
type TaskCommand struct {
	Kind string

	SetTaskContext *SetTaskContextPayload
	StartNewTask   *StartNewTaskPayload
	// CancelTask and CloseTask carry no payload.
}

// SetTaskContextPayload requests a handshake confirmation from the agent.
type SetTaskContextPayload struct {
	TaskID       int64  `json:"taskId"`
	RooTaskID    string `json:"rooTaskId"`
	RunID        int64  `json:"runId"`
	MCPServer    string `json:"mcpServer"`
	UserIntent   string `json:"userIntent"`
	OTLPEndpoint string `json:"otlpEndpoint"`
}

// StartNewTaskPayload begins work on the exercise prompt.
type StartNewTaskPayload struct {
	Configuration json.RawMessage `json:"configuration"`
	Text          string          `json:"text"`
	Images        []string        `json:"images,omitempty"`
	NewTab        bool            `json:"newTab"`
}

// TaskEvent is a typed agent→orchestrator message.
type TaskEvent struct {
	Kind string

	TaskContextConfirmation *TaskContextConfirmationPayload
	TaskStarted             *TaskStartedPayload
	TaskTokenUsageUpdated   *TaskTokenUsageUpdatedPayload
	TaskToolFailed          *TaskToolFailedPayload
	TaskAborted             *TaskAbortedPayload
	EvalFail                *EvalFailPayload
	// TaskCompleted and EvalPass carry no payload.
}

// TaskContextConfirmationPayload replies to SetTaskContext.
type TaskContextConfirmationPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TaskStartedPayload echoes back the agent's own task id.
type TaskStartedPayload struct {
	RooTaskID string `json:"rooTaskId"`
}

// TaskTokenUsageUpdatedPayload reports running token/cost totals. Treated
// as cumulative (last-writer-wins) unless Delta is true.
type TaskTokenUsageUpdatedPayload struct {
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	TokensContext int64   `json:"tokensContext"`
	CacheReads    int64   `json:"cacheReads"`
	CacheWrites   int64   `json:"cacheWrites"`
	Cost          float64 `json:"cost"`
	Delta         bool    `json:"delta,omitempty"`
}

// TaskToolFailedPayload records a single tool invocation failure.
type TaskToolFailedPayload struct {
	ToolName string `json:"toolName"`
	Error    string `json:"error"`
}

// TaskAbortedPayload carries the reason the agent gave up.
type TaskAbortedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EvalFailPayload carries the agent's own pre-test verdict reason, if any.
type EvalFailPayload struct {
	Reason string `json:"reason,omitempty"`
}

func marshalCommand(c TaskCommand) ([]byte, error) {
	env := envelope{Type: c.Kind}
	var payload any
	switch c.Kind {
	case KindSetTaskContext:
		payload = c.SetTaskContext
	case KindStartNewTask:
		payload = c.StartNewTask
	case KindCancelTask, KindCloseTask:
		payload = nil
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func unmarshalEvent(data []byte) (TaskEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return TaskEvent{}, err
	}
	evt := TaskEvent{Kind: env.Type}
	var err error
	switch env.Type {
	case KindTaskContextConfirmation:
		evt.TaskContextConfirmation = new(TaskContextConfirmationPayload)
		err = unmarshalPayload(env.Payload, evt.TaskContextConfirmation)
	case KindTaskStarted:
		evt.TaskStarted = new(TaskStartedPayload)
		err = unmarshalPayload(env.Payload, evt.TaskStarted)
	case KindTaskTokenUsageUpdated:
		evt.TaskTokenUsageUpdated = new(TaskTokenUsageUpdatedPayload)
		err = unmarshalPayload(env.Payload, evt.TaskTokenUsageUpdated)
	case KindTaskToolFailed:
		evt.TaskToolFailed = new(TaskToolFailedPayload)
		err = unmarshalPayload(env.Payload, evt.TaskToolFailed)
	case KindTaskAborted:
		evt.TaskAborted = new(TaskAbortedPayload)
		err = unmarshalPayload(env.Payload, evt.TaskAborted)
	case KindEvalFail:
		evt.EvalFail = new(EvalFailPayload)
		err = unmarshalPayload(env.Payload, evt.EvalFail)
	case KindTaskCompleted, KindEvalPass:
		// no payload
	default:
		return TaskEvent{}, ErrProtocol
	}
	if err != nil {
		return TaskEvent{}, err
	}
	return evt, nil
}

func unmarshalPayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
