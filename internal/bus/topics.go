package bus

// Stream event topics. Stream events are scoped to one session and are
// forwarded only to connections currently viewing that session.
const (
	TopicStreamEvent = "stream.event"
	TopicStreamDone  = "stream.done"
	TopicStreamError = "stream.error"
)

// Question topics for pending permission questions.
const (
	TopicQuestionAsked    = "question.asked"
	TopicQuestionResolved = "question.resolved"
)

// Task topics. Task updates are board-level and go to every connection.
const (
	TopicTaskUpdate = "task.update"
)

// Workspace topics.
const (
	TopicWorkspaceFileChanged = "workspace.file_changed"
)

// StreamEvent carries one incremental agent event for a session.
type StreamEvent struct {
	SessionID string      `json:"session_id"`
	Event     interface{} `json:"event"`
}

// StreamDone is published when a generation reaches its terminal state.
type StreamDone struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Aborted        bool   `json:"aborted,omitempty"`
}

// QuestionAsked is published when a stream blocks on a permission decision.
type QuestionAsked struct {
	SessionID  string   `json:"session_id"`
	QuestionID string   `json:"question_id"`
	ToolName   string   `json:"tool_name"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
}

// TaskUpdate carries the full task row after any status or progress change.
// SessionID is set once the task has spawned a session.
type TaskUpdate struct {
	Task    interface{} `json:"task"`
	Session interface{} `json:"session,omitempty"`
}

// FileChanged is published by the workspace watcher.
type FileChanged struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}
