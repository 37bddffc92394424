// Package engine drives query generations: one active stream per session,
// events persisted before they are broadcast, cooperative abort, and a
// pending-question gate for tool approvals. Streams are independent of any
// viewer connection's lifetime.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oakline/deskd/internal/agent"
	"github.com/oakline/deskd/internal/bus"
	otelpkg "github.com/oakline/deskd/internal/otel"
	"github.com/oakline/deskd/internal/persistence"
	"github.com/oakline/deskd/internal/policy"
)

var (
	// ErrSessionBusy rejects a start while the session already streams.
	// Queuing is the caller's concern, never the engine's.
	ErrSessionBusy = errors.New("session busy")
	// ErrStreamLimit rejects a start when too many sessions stream at once.
	ErrStreamLimit = errors.New("too many active streams")
)

// Config holds the engine's dependencies.
type Config struct {
	Store   *persistence.Store
	Backend agent.Backend
	Bus     *bus.Bus
	Gate    *policy.Gate
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics

	MaxActiveStreams int
	// HangTimeout aborts a generation that produces no event for this long.
	HangTimeout time.Duration
	// QuestionTimeout auto-denies a pending question nobody answers.
	QuestionTimeout time.Duration
}

// PendingQuestion is the at-most-one outstanding permission question of a
// streaming session. Any viewer may answer it.
type PendingQuestion struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	ToolName  string   `json:"tool_name"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options"`
}

// TurnMetrics accumulates over one generation.
type TurnMetrics struct {
	Events    int
	TokensIn  int
	TokensOut int
	StartedAt time.Time
}

// Stream is the transient state of one active generation.
type Stream struct {
	SessionID string

	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}

	mu       sync.Mutex
	convID   string
	question *PendingQuestion
	answerCh chan string
	metrics  TurnMetrics
	err      error
}

// Done is closed when the generation reaches its terminal state.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Err returns the terminal error, if any. Valid after Done is closed.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Aborted reports whether the stream was cancelled by a user.
func (st *Stream) Aborted() bool { return st.aborted.Load() }

// ConversationID returns the backend conversation id once known.
func (st *Stream) ConversationID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.convID
}

// Metrics returns a snapshot of the running turn metrics.
func (st *Stream) Metrics() TurnMetrics {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.metrics
}

// StartOptions configures one generation.
type StartOptions struct {
	Model string
	Actor policy.Actor
	// Observer, when set, sees every event after it is persisted, in
	// production order, including the terminal one. Called on the stream
	// goroutine; it must not block for long.
	Observer func(agent.Event)
}

// Engine owns the session stream table.
type Engine struct {
	cfg Config

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*Stream
	wg      sync.WaitGroup
}

// New creates an Engine. Streams are tied to the engine's lifetime, not to
// the context of the request that started them.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxActiveStreams <= 0 {
		cfg.MaxActiveStreams = 5
	}
	if cfg.HangTimeout <= 0 {
		cfg.HangTimeout = 2 * time.Minute
	}
	if cfg.QuestionTimeout <= 0 {
		cfg.QuestionTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		streams:    make(map[string]*Stream),
	}
}

// Shutdown aborts all streams and waits for their terminal broadcasts.
func (e *Engine) Shutdown() {
	e.baseCancel()
	e.wg.Wait()
}

// IsStreaming reports whether the session has an active generation.
func (e *Engine) IsStreaming(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.streams[sessionID]
	return ok
}

// StreamingSessions lists sessions with an active generation.
func (e *Engine) StreamingSessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.streams))
	for id := range e.streams {
		out = append(out, id)
	}
	return out
}

// PendingQuestion returns the session's outstanding question, or nil.
func (e *Engine) PendingQuestion(sessionID string) *PendingQuestion {
	e.mu.Lock()
	st, ok := e.streams[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.question
}

// AnswerQuestion resolves a pending question. Any viewer connection may
// answer; a stale question id is rejected.
func (e *Engine) AnswerQuestion(sessionID, questionID, answer string) error {
	e.mu.Lock()
	st, ok := e.streams[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s has no active stream", sessionID)
	}
	st.mu.Lock()
	q := st.question
	ch := st.answerCh
	st.mu.Unlock()
	if q == nil || q.ID != questionID {
		return fmt.Errorf("no pending question %s", questionID)
	}
	select {
	case ch <- answer:
		return nil
	default:
		return fmt.Errorf("question %s already resolved", questionID)
	}
}

// Abort requests cooperative cancellation of a session's stream. The flag is
// checked once per event; events already broadcast are not retracted.
// Returns false when nothing was streaming.
func (e *Engine) Abort(sessionID string) bool {
	e.mu.Lock()
	st, ok := e.streams[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	st.aborted.Store(true)
	st.cancel()
	e.cfg.Backend.Cancel(sessionID)
	return true
}

// Start launches a generation for the session. The prompt is persisted as a
// user message before the backend is invoked. Returns ErrSessionBusy if the
// session already streams and ErrStreamLimit at the concurrency ceiling.
func (e *Engine) Start(ctx context.Context, sess *persistence.Session, prompt string, opts StartOptions) (*Stream, error) {
	e.mu.Lock()
	if _, ok := e.streams[sess.ID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sess.ID, ErrSessionBusy)
	}
	if len(e.streams) >= e.cfg.MaxActiveStreams {
		e.mu.Unlock()
		return nil, ErrStreamLimit
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	st := &Stream{
		SessionID: sess.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
		convID:    sess.ConversationID,
		answerCh:  make(chan string, 1),
		metrics:   TurnMetrics{StartedAt: time.Now()},
	}
	e.streams[sess.ID] = st
	e.mu.Unlock()

	userMsg := &persistence.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Role:      "user",
		Content:   encodeTextBlocks(prompt),
	}
	if err := e.cfg.Store.UpsertMessage(ctx, userMsg); err != nil {
		e.removeStream(sess.ID)
		cancel()
		return nil, fmt.Errorf("persist prompt: %w", err)
	}
	e.publish(bus.TopicStreamEvent, bus.StreamEvent{SessionID: sess.ID, Event: map[string]interface{}{
		"type":       "user",
		"message_id": userMsg.ID,
		"text":       prompt,
	}})

	model := opts.Model
	if model == "" {
		model = sess.Model
	}
	agentOpts := agent.Options{
		SessionID:            sess.ID,
		Cwd:                  sess.Cwd,
		Model:                model,
		ResumeConversationID: sess.ConversationID,
		Permission:           e.permissionFunc(st, opts.Actor),
	}

	events, err := e.cfg.Backend.StartQuery(runCtx, prompt, agentOpts)
	if err != nil {
		e.removeStream(sess.ID)
		cancel()
		return nil, fmt.Errorf("start query: %w", err)
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ActiveStreams.Add(runCtx, 1)
	}
	e.wg.Add(1)
	go e.run(runCtx, st, events, opts)
	return st, nil
}

// run consumes the event sequence to its terminal state. The terminal
// broadcast always happens, including on panic.
func (e *Engine) run(ctx context.Context, st *Stream, events <-chan agent.Event, opts StartOptions) {
	defer e.wg.Done()

	var termErr error
	defer func() {
		if r := recover(); r != nil {
			termErr = fmt.Errorf("stream panic: %v", r)
			e.cfg.Logger.Error("stream panicked", "session_id", st.SessionID, "panic", r)
		}
		e.finish(st, termErr)
	}()

	hang := time.AfterFunc(e.cfg.HangTimeout, func() {
		e.cfg.Logger.Warn("stream hang timeout", "session_id", st.SessionID)
		st.cancel()
	})
	defer hang.Stop()

	for ev := range events {
		// Cooperative abort check, once per event.
		if st.aborted.Load() {
			return
		}
		hang.Reset(e.cfg.HangTimeout)

		if err := e.handleEvent(ctx, st, ev); err != nil {
			e.cfg.Logger.Error("persist event", "session_id", st.SessionID, "error", err)
		}
		if opts.Observer != nil {
			opts.Observer(ev)
		}
		e.broadcastEvent(st, ev)

		switch ev.Type {
		case agent.EventResult:
			return
		case agent.EventError:
			termErr = errors.New(ev.Err)
			return
		}
	}

	// Channel closed without a terminal event: backend died or hang timer
	// cancelled the context.
	if !st.aborted.Load() {
		if ctx.Err() != nil {
			termErr = fmt.Errorf("stream cancelled: %w", ctx.Err())
		} else {
			termErr = errors.New("agent stream ended unexpectedly")
		}
	}
}

// handleEvent persists one event. Persistence strictly precedes broadcast so
// a reconnecting client's backfill is never behind live viewers.
func (e *Engine) handleEvent(ctx context.Context, st *Stream, ev agent.Event) error {
	st.mu.Lock()
	st.metrics.Events++
	st.mu.Unlock()

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.StreamEvents.Add(ctx, 1)
	}

	switch ev.Type {
	case agent.EventInit:
		st.mu.Lock()
		st.convID = ev.ConversationID
		st.mu.Unlock()
		return e.cfg.Store.SetConversationID(ctx, st.SessionID, ev.ConversationID)

	case agent.EventAssistant:
		blocks, err := json.Marshal(ev.Blocks)
		if err != nil {
			return fmt.Errorf("encode blocks: %w", err)
		}
		return e.cfg.Store.UpsertMessage(ctx, &persistence.Message{
			ID:        ev.MessageID,
			SessionID: st.SessionID,
			Role:      "assistant",
			Content:   string(blocks),
		})

	case agent.EventToolResult:
		err := e.cfg.Store.AttachToolResult(ctx, st.SessionID, ev.ToolUseID, ev.Result, ev.IsError)
		if errors.Is(err, persistence.ErrNotFound) {
			// Result for a call we never saw; log only.
			e.cfg.Logger.Warn("orphan tool result", "session_id", st.SessionID, "tool_use_id", ev.ToolUseID)
			return nil
		}
		return err

	case agent.EventResult, agent.EventError:
		st.mu.Lock()
		st.metrics.TokensIn += ev.TokensIn
		st.metrics.TokensOut += ev.TokensOut
		st.mu.Unlock()
		return nil

	default:
		return nil
	}
}

func (e *Engine) broadcastEvent(st *Stream, ev agent.Event) {
	e.publish(bus.TopicStreamEvent, bus.StreamEvent{SessionID: st.SessionID, Event: ev})
}

// finish clears the stream table entry and emits the terminal broadcast.
func (e *Engine) finish(st *Stream, termErr error) {
	e.removeStream(st.SessionID)

	st.mu.Lock()
	st.err = termErr
	convID := st.convID
	duration := time.Since(st.metrics.StartedAt)
	st.mu.Unlock()

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ActiveStreams.Add(context.Background(), -1)
		e.cfg.Metrics.StreamDuration.Record(context.Background(), duration.Seconds())
	}

	done := bus.StreamDone{
		SessionID:      st.SessionID,
		ConversationID: convID,
		Aborted:        st.aborted.Load(),
	}
	if termErr != nil {
		done.Error = termErr.Error()
	}
	e.publish(bus.TopicStreamDone, done)
	close(st.done)

	e.cfg.Logger.Info("stream finished",
		"session_id", st.SessionID,
		"aborted", done.Aborted,
		"error", done.Error,
		"duration", duration,
	)
}

func (e *Engine) removeStream(sessionID string) {
	e.mu.Lock()
	delete(e.streams, sessionID)
	e.mu.Unlock()
}

func (e *Engine) publish(topic string, payload interface{}) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(topic, payload)
	}
}

// permissionFunc adapts the policy gate into the backend's permission
// callback. Ask verdicts raise a pending question and block until a viewer
// answers, the question times out (deny), or the stream ends.
func (e *Engine) permissionFunc(st *Stream, actor policy.Actor) agent.PermissionFunc {
	return func(ctx context.Context, req agent.PermissionRequest) agent.Decision {
		if e.cfg.Gate == nil {
			return agent.Decision{Allow: true}
		}
		d := e.cfg.Gate.Decide(actor, req.ToolName, req.Input)
		switch d.Verdict {
		case policy.VerdictAllow:
			return agent.Decision{Allow: true}
		case policy.VerdictDeny:
			return agent.Decision{Allow: false, Reason: d.Reason}
		}

		q := &PendingQuestion{
			ID:        uuid.NewString(),
			SessionID: st.SessionID,
			ToolName:  req.ToolName,
			Prompt:    d.Reason,
			Options:   []string{"allow", "deny"},
		}
		st.mu.Lock()
		st.question = q
		st.mu.Unlock()
		askedAt := time.Now()
		e.publish(bus.TopicQuestionAsked, bus.QuestionAsked{
			SessionID:  q.SessionID,
			QuestionID: q.ID,
			ToolName:   q.ToolName,
			Prompt:     q.Prompt,
			Options:    q.Options,
		})

		defer func() {
			st.mu.Lock()
			st.question = nil
			st.mu.Unlock()
			e.publish(bus.TopicQuestionResolved, map[string]string{
				"session_id":  q.SessionID,
				"question_id": q.ID,
			})
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.QuestionWaits.Record(context.Background(), time.Since(askedAt).Seconds())
			}
		}()

		select {
		case answer := <-st.answerCh:
			if answer == "allow" {
				return agent.Decision{Allow: true}
			}
			return agent.Decision{Allow: false, Reason: "denied by user"}
		case <-time.After(e.cfg.QuestionTimeout):
			return agent.Decision{Allow: false, Reason: "approval timed out"}
		case <-ctx.Done():
			return agent.Decision{Allow: false, Reason: "stream cancelled"}
		}
	}
}

func encodeTextBlocks(text string) string {
	blocks := []agent.ContentBlock{{Type: "text", Text: text}}
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
