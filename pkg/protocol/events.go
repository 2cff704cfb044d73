package protocol

import "time"

// EventType discriminates the event sum type streamed to clients.
type EventType string

const (
	EventProgress EventType = "progress"
	EventChat     EventType = "chat"
	EventTTS      EventType = "tts_chunk"
	EventTool     EventType = "tool_call"
	EventStage    EventType = "stage"
	EventTodo     EventType = "todo"
	EventApproval EventType = "approval_required"
	EventTerminal EventType = "terminal"
	EventError    EventType = "error"
)

// TerminalStatus is the final status of a workflow run.
type TerminalStatus string

const (
	TerminalCompleted TerminalStatus = "completed"
	TerminalFailed    TerminalStatus = "failed"
	TerminalCancelled TerminalStatus = "cancelled"
)

// Event is the envelope for everything emitted on the session stream.
// Seq is assigned by the event bus and is strictly increasing and
// contiguous per session.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Stage     int       `json:"stage"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Progress *ProgressEvent   `json:"progress,omitempty"`
	Chat     *ChatMessage     `json:"chat,omitempty"`
	TTS      *TTSChunk        `json:"tts,omitempty"`
	Tool     *ToolEvent       `json:"tool,omitempty"`
	Trans    *StageTransition `json:"transition,omitempty"`
	Todo     *TodoSnapshot    `json:"todo,omitempty"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
	Terminal *TerminalEvent   `json:"terminal,omitempty"`
	Err      *Error           `json:"error,omitempty"`
}

// Essential reports whether the event may never be dropped under
// backpressure. Chat, approvals, errors and terminals always reach the
// client; TTS and progress may be shed.
func (e Event) Essential() bool {
	switch e.Type {
	case EventChat, EventApproval, EventTerminal, EventError:
		return true
	}
	return false
}

// ProgressEvent reports an item status change.
type ProgressEvent struct {
	ItemID string `json:"item_id,omitempty"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ChatMessage is user-visible text, streamed in the user's language.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TTSChunk is a phrase queued for speech synthesis.
type TTSChunk struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// ToolEvent reports a dispatched (or corrected) tool call.
type ToolEvent struct {
	ItemID     string   `json:"item_id"`
	Call       ToolCall `json:"call"`
	Corrected  bool     `json:"corrected,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

// StageTransition marks the executor moving between stages.
type StageTransition struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// TodoItemView is the client-facing projection of a TODO item.
type TodoItemView struct {
	ID           string   `json:"id"`
	Action       string   `json:"action"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// TodoSnapshot is emitted after planning and after structural edits.
type TodoSnapshot struct {
	Items []TodoItemView `json:"items"`
}

// ApprovalRequest asks the client to confirm a batch of tool calls.
type ApprovalRequest struct {
	ID        string     `json:"id"`
	ItemID    string     `json:"item_id"`
	Calls     []ToolCall `json:"calls"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// TerminalEvent closes a workflow run.
type TerminalEvent struct {
	Status  TerminalStatus `json:"status"`
	Summary string         `json:"summary,omitempty"`
}
