package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/cron"
	"github.com/oakline/deskd/internal/engine"
	"github.com/oakline/deskd/internal/orchestrator"
	"github.com/oakline/deskd/internal/persistence"
	"github.com/oakline/deskd/internal/recovery"
	"github.com/oakline/deskd/internal/shared"
)

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "session.set_active":
		result, rpcErr = s.rpcSetActive(ctx, c, req.Params)
	case "session.reconnect":
		result, rpcErr = s.rpcReconnect(ctx, c, req.Params)
	case "session.create":
		result, rpcErr = s.rpcSessionCreate(ctx, req.Params)
	case "session.list":
		result, rpcErr = s.rpcSessionList(ctx, req.Params)
	case "messages.list":
		result, rpcErr = s.rpcMessagesList(ctx, req.Params)
	case "chat.send":
		result, rpcErr = s.rpcChatSend(ctx, req.Params)
	case "chat.abort":
		result, rpcErr = s.rpcChatAbort(req.Params)
	case "question.answer":
		result, rpcErr = s.rpcQuestionAnswer(req.Params)
	case "task.create":
		result, rpcErr = s.rpcTaskCreate(ctx, req.Params)
	case "task.list":
		result, rpcErr = s.rpcTaskList(ctx)
	case "task.get":
		result, rpcErr = s.rpcTaskGet(ctx, req.Params)
	case "task.update":
		result, rpcErr = s.rpcTaskUpdate(ctx, req.Params)
	case "task.delete":
		result, rpcErr = s.rpcTaskDelete(ctx, req.Params)
	case "task.spawn":
		result, rpcErr = s.rpcTaskSpawn(ctx, req.Params)
	case "task.abort":
		result, rpcErr = s.rpcTaskAbort(req.Params)
	case "schedule.create":
		result, rpcErr = s.rpcScheduleCreate(ctx, req.Params)
	case "schedule.list":
		result, rpcErr = s.rpcScheduleList(ctx)
	case "schedule.delete":
		result, rpcErr = s.rpcScheduleDelete(ctx, req.Params)
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if rpcErr != nil {
		s.cfg.Logger.Debug("rpc error",
			"method", req.Method,
			"code", rpcErr.Code,
			"trace_id", shared.TraceID(ctx),
			"connection_id", shared.ConnectionID(ctx),
		)
	}
	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// rpcSetActive switches which session this connection views. Setting the
// already-active session is a no-op; switching away never aborts a stream.
func (s *Server) rpcSetActive(ctx context.Context, c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID      string `json:"session_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id required"}
	}
	sess, err := s.cfg.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, storeError(err)
	}
	s.restoreConversationID(ctx, sess, p.ConversationID)
	c.setViewing(p.SessionID)

	ack := map[string]any{
		"session_id":   p.SessionID,
		"is_streaming": s.cfg.Engine.IsStreaming(p.SessionID),
	}
	// Re-deliver an unanswered question so a fresh viewer can answer it.
	if q := s.cfg.Engine.PendingQuestion(p.SessionID); q != nil {
		ack["pending_question"] = q
	}
	return ack, nil
}

// rpcReconnect re-attaches a returning client to the session's viewer set
// and tells it whether the turn it believed in-flight is still streaming.
// "streaming" means live delivery resumes from here and the client backfills
// earlier messages from messages.list; "idle" means any believed-in-flight
// turn finished and the client resyncs. Never cancels anything.
func (s *Server) rpcReconnect(ctx context.Context, c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID      string `json:"session_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id required"}
	}
	sess, err := s.cfg.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, storeError(err)
	}
	s.restoreConversationID(ctx, sess, p.ConversationID)
	c.setViewing(p.SessionID)

	status := "idle"
	if s.cfg.Engine.IsStreaming(p.SessionID) {
		status = "streaming"
	}
	result := map[string]any{"session_id": p.SessionID, "status": status, "epoch": s.epoch}
	if q := s.cfg.Engine.PendingQuestion(p.SessionID); q != nil {
		result["pending_question"] = q
	}
	return result, nil
}

// restoreConversationID records a client-remembered external conversation id
// on a session row that has none yet, so a later resume can target the prior
// conversation. A backend-assigned id on the row always wins.
func (s *Server) restoreConversationID(ctx context.Context, sess *persistence.Session, conversationID string) {
	if conversationID == "" || sess.ConversationID != "" {
		return
	}
	if err := s.cfg.Store.SetConversationID(ctx, sess.ID, conversationID); err != nil {
		s.cfg.Logger.Warn("restore conversation id", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) rpcSessionCreate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Title string `json:"title"`
		Cwd   string `json:"cwd"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	sess, err := s.cfg.Store.CreateSession(ctx, p.Title, p.Cwd, p.Model, "chat")
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"session": sess}, nil
}

func (s *Server) rpcSessionList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(params, &p)
	sessions, err := s.cfg.Store.ListSessions(ctx, p.Limit)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) rpcMessagesList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id required"}
	}
	messages, err := s.cfg.Store.ListMessages(ctx, p.SessionID, p.Limit)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"messages": messages}, nil
}

func (s *Server) rpcChatSend(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
		Model     string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || p.Text == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id and text required"}
	}
	sess, err := s.cfg.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, storeError(err)
	}
	_, err = s.cfg.Engine.Start(ctx, sess, p.Text, engine.StartOptions{
		Model: p.Model,
		Actor: s.cfg.ChatActor,
	})
	switch {
	case errors.Is(err, engine.ErrSessionBusy):
		return nil, &rpcError{Code: ErrCodeBusy, Message: "session busy"}
	case errors.Is(err, engine.ErrStreamLimit):
		return nil, &rpcError{Code: ErrCodeLimit, Message: "too many active streams; retry later"}
	case err != nil:
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"session_id": p.SessionID, "started": true}, nil
}

func (s *Server) rpcChatAbort(params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id required"}
	}
	return map[string]any{"aborted": s.cfg.Engine.Abort(p.SessionID)}, nil
}

func (s *Server) rpcQuestionAnswer(params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID  string `json:"session_id"`
		QuestionID string `json:"question_id"`
		Answer     string `json:"answer"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || p.QuestionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id and question_id required"}
	}
	if err := s.cfg.Engine.AnswerQuestion(p.SessionID, p.QuestionID, p.Answer); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"answered": true}, nil
}

func (s *Server) rpcTaskCreate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Cwd         string `json:"cwd"`
		Model       string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	task, err := s.cfg.Store.CreateTask(ctx, p.Title, p.Description, p.Cwd, p.Model)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	s.publishTask(task)
	return map[string]any{"task": task}, nil
}

func (s *Server) rpcTaskList(ctx context.Context) (any, *rpcError) {
	tasks, err := s.cfg.Store.ListTasks(ctx)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"tasks": tasks}, nil
}

func (s *Server) rpcTaskGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task_id required"}
	}
	task, err := s.cfg.Store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, storeError(err)
	}
	events, err := s.cfg.Store.ListTaskEvents(ctx, p.TaskID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"task": task, "events": events}, nil
}

func (s *Server) rpcTaskUpdate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID      string `json:"task_id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Cwd         string `json:"cwd"`
		Model       string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task_id required"}
	}
	current, err := s.cfg.Store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, storeError(err)
	}
	if current.Status == persistence.TaskStatusInProgress {
		return nil, &rpcError{Code: ErrCodeBusy, Message: "task is running; abort it first"}
	}
	task, err := s.cfg.Store.UpdateTask(ctx, p.TaskID, p.Title, p.Description, p.Cwd, p.Model)
	if err != nil {
		return nil, storeError(err)
	}
	s.publishTask(task)
	return map[string]any{"task": task}, nil
}

func (s *Server) rpcTaskDelete(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task_id required"}
	}
	current, err := s.cfg.Store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, storeError(err)
	}
	if current.Status == persistence.TaskStatusInProgress {
		return nil, &rpcError{Code: ErrCodeBusy, Message: "task is running; abort it first"}
	}
	if err := s.cfg.Store.DeleteTask(ctx, p.TaskID); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) rpcTaskSpawn(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task_id required"}
	}
	task, err := s.cfg.Orchestrator.Spawn(ctx, p.TaskID)
	switch {
	case errors.Is(err, orchestrator.ErrTaskLimit):
		return nil, &rpcError{Code: ErrCodeLimit, Message: "task concurrency limit reached"}
	case errors.Is(err, persistence.ErrNotFound):
		return nil, &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	case err != nil:
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"task": task}, nil
}

// rpcTaskAbort routes an abort: running tasks cancel through the engine via
// the orchestrator, recovered tasks cancel their poll timer instead.
func (s *Server) rpcTaskAbort(params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task_id required"}
	}
	err := s.cfg.Orchestrator.Abort(p.TaskID)
	if errors.Is(err, orchestrator.ErrNotRunning) && s.cfg.Monitor != nil {
		err = s.cfg.Monitor.Cancel(p.TaskID)
	}
	switch {
	case errors.Is(err, orchestrator.ErrNotRunning), errors.Is(err, recovery.ErrNotMonitored):
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "task is not running"}
	case err != nil:
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"aborted": true}, nil
}

func (s *Server) rpcScheduleCreate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name        string `json:"name"`
		CronExpr    string `json:"cron_expr"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Cwd         string `json:"cwd"`
		Model       string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" || p.CronExpr == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "name and cron_expr required"}
	}
	nextRun, err := cron.NextRunTime(p.CronExpr, time.Now())
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("invalid cron expression: %v", err)}
	}
	sched, err := s.cfg.Store.CreateSchedule(ctx, &persistence.Schedule{
		Name:        p.Name,
		CronExpr:    p.CronExpr,
		Title:       p.Title,
		Description: p.Description,
		Cwd:         p.Cwd,
		Model:       p.Model,
	}, nextRun)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"schedule": sched}, nil
}

func (s *Server) rpcScheduleList(ctx context.Context) (any, *rpcError) {
	schedules, err := s.cfg.Store.ListSchedules(ctx)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"schedules": schedules}, nil
}

func (s *Server) rpcScheduleDelete(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ScheduleID string `json:"schedule_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ScheduleID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "schedule_id required"}
	}
	if err := s.cfg.Store.DeleteSchedule(ctx, p.ScheduleID); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) publishTask(task *persistence.Task) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicTaskUpdate, bus.TaskUpdate{Task: task})
	}
}

func storeError(err error) *rpcError {
	if errors.Is(err, persistence.ErrNotFound) {
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
}
