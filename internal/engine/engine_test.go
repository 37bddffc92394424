package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oakline/deskd/internal/agent"
	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/persistence"
	"github.com/oakline/deskd/internal/policy"
)

// fakeBackend feeds a caller-controlled event channel and records cancels.
type fakeBackend struct {
	mu        sync.Mutex
	feed      chan agent.Event
	lastOpts  agent.Options
	cancelled []string
	onStart   func(opts agent.Options)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{feed: make(chan agent.Event, 32)}
}

func (f *fakeBackend) StartQuery(_ context.Context, _ string, opts agent.Options) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	if f.onStart != nil {
		go f.onStart(opts)
	}
	return f.feed, nil
}

func (f *fakeBackend) Cancel(sessionID string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, sessionID)
	f.mu.Unlock()
}

type engineFixture struct {
	engine  *Engine
	store   *persistence.Store
	backend *fakeBackend
	bus     *bus.Bus
	session *persistence.Session
}

func newFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	backend := newFakeBackend()
	b := bus.New()
	cfg := Config{
		Store:            store,
		Backend:          backend,
		Bus:              b,
		MaxActiveStreams: 5,
		HangTimeout:      5 * time.Second,
		QuestionTimeout:  5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(cfg)
	t.Cleanup(e.Shutdown)

	sess, err := store.CreateSession(context.Background(), "test", "/proj", "", "chat")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &engineFixture{engine: e, store: store, backend: backend, bus: b, session: sess}
}

func waitDone(t *testing.T, st *Stream) {
	t.Helper()
	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stream to finish")
	}
}

func TestStart_PersistsPromptThenStreams(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe("stream.")
	defer f.bus.Unsubscribe(sub)

	st, err := f.engine.Start(context.Background(), f.session, "hello", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.engine.IsStreaming(f.session.ID) {
		t.Fatal("session not marked streaming")
	}

	f.backend.feed <- agent.Event{Type: agent.EventInit, ConversationID: "conv-1"}
	f.backend.feed <- agent.Event{
		Type:      agent.EventAssistant,
		MessageID: "m-1",
		Blocks:    []agent.ContentBlock{{Type: "text", Text: "hi there"}},
	}
	f.backend.feed <- agent.Event{Type: agent.EventResult, TokensIn: 3, TokensOut: 7}
	close(f.backend.feed)

	waitDone(t, st)
	if st.Err() != nil {
		t.Fatalf("terminal err = %v", st.Err())
	}
	if f.engine.IsStreaming(f.session.ID) {
		t.Fatal("stream state not cleared after terminal event")
	}

	// Conversation id recorded from the init event.
	sess, _ := f.store.GetSession(context.Background(), f.session.ID)
	if sess.ConversationID != "conv-1" {
		t.Fatalf("ConversationID = %q, want conv-1", sess.ConversationID)
	}

	// Prompt and assistant message both persisted.
	msgs, _ := f.store.ListMessages(context.Background(), f.session.ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || !strings.Contains(msgs[0].Content, "hello") {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].ID != "m-1" || msgs[1].Role != "assistant" {
		t.Fatalf("second message = %+v", msgs[1])
	}

	if m := st.Metrics(); m.TokensIn != 3 || m.TokensOut != 7 {
		t.Fatalf("metrics = %+v", m)
	}

	// The terminal broadcast is a stream.done carrying the conversation id.
	var sawDone bool
	deadline := time.After(time.Second)
	for !sawDone {
		select {
		case ev := <-sub.Ch():
			if ev.Topic == bus.TopicStreamDone {
				done := ev.Payload.(bus.StreamDone)
				if done.SessionID != f.session.ID || done.ConversationID != "conv-1" {
					t.Fatalf("done = %+v", done)
				}
				sawDone = true
			}
		case <-deadline:
			t.Fatal("no stream.done broadcast")
		}
	}
}

func TestStart_PersistBeforeBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(bus.TopicStreamEvent)
	defer f.bus.Unsubscribe(sub)

	st, err := f.engine.Start(context.Background(), f.session, "go", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.backend.feed <- agent.Event{
		Type:      agent.EventAssistant,
		MessageID: "m-ord",
		Blocks:    []agent.ContentBlock{{Type: "text", Text: "persisted first"}},
	}

	// By the time the broadcast arrives the row must already exist.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			se := ev.Payload.(bus.StreamEvent)
			if ae, ok := se.Event.(agent.Event); ok && ae.MessageID == "m-ord" {
				msgs, _ := f.store.ListMessages(context.Background(), f.session.ID, 0)
				found := false
				for _, m := range msgs {
					if m.ID == "m-ord" {
						found = true
					}
				}
				if !found {
					t.Fatal("broadcast observed before persistence")
				}
				f.backend.feed <- agent.Event{Type: agent.EventResult}
				close(f.backend.feed)
				waitDone(t, st)
				return
			}
		case <-deadline:
			t.Fatal("assistant broadcast not observed")
		}
	}
}

func TestStart_SessionBusy(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.engine.Start(context.Background(), f.session, "one", StartOptions{})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := f.engine.Start(context.Background(), f.session, "two", StartOptions{}); err == nil || !strings.Contains(err.Error(), "session busy") {
		t.Fatalf("second Start err = %v, want session busy", err)
	}
	close(f.backend.feed)
	waitDone(t, st)
}

func TestStart_StreamLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxActiveStreams = 1 })

	st, err := f.engine.Start(context.Background(), f.session, "one", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	other, _ := f.store.CreateSession(context.Background(), "", "/proj", "", "chat")
	if _, err := f.engine.Start(context.Background(), other, "two", StartOptions{}); err != ErrStreamLimit {
		t.Fatalf("err = %v, want ErrStreamLimit", err)
	}
	close(f.backend.feed)
	waitDone(t, st)
}

func TestAbort_CooperativeAndTerminal(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(bus.TopicStreamDone)
	defer f.bus.Unsubscribe(sub)

	st, err := f.engine.Start(context.Background(), f.session, "work", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.backend.feed <- agent.Event{Type: agent.EventAssistant, MessageID: "m-1", Blocks: []agent.ContentBlock{{Type: "text", Text: "a"}}}

	if !f.engine.Abort(f.session.ID) {
		t.Fatal("Abort returned false for active stream")
	}
	// Events after the abort check are not forwarded.
	f.backend.feed <- agent.Event{Type: agent.EventAssistant, MessageID: "m-2", Blocks: []agent.ContentBlock{{Type: "text", Text: "b"}}}
	close(f.backend.feed)

	waitDone(t, st)
	if !st.Aborted() {
		t.Fatal("stream not marked aborted")
	}

	select {
	case ev := <-sub.Ch():
		done := ev.Payload.(bus.StreamDone)
		if !done.Aborted {
			t.Fatalf("done = %+v, want aborted", done)
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal broadcast after abort")
	}

	f.backend.mu.Lock()
	cancelled := len(f.backend.cancelled)
	f.backend.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("backend cancels = %d, want 1", cancelled)
	}

	// Abort on an idle session is a no-op.
	if f.engine.Abort(f.session.ID) {
		t.Fatal("Abort on idle session returned true")
	}
}

func TestStart_BackendErrorBecomesTerminal(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.engine.Start(context.Background(), f.session, "x", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.backend.feed <- agent.Event{Type: agent.EventError, Err: "model overloaded"}
	close(f.backend.feed)

	waitDone(t, st)
	if st.Err() == nil || !strings.Contains(st.Err().Error(), "model overloaded") {
		t.Fatalf("err = %v", st.Err())
	}
}

func TestStart_ChannelCloseWithoutTerminal(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.engine.Start(context.Background(), f.session, "x", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(f.backend.feed)

	waitDone(t, st)
	if st.Err() == nil {
		t.Fatal("expected error for stream ending without a result")
	}
}

func TestObserver_SeesEventsInOrder(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	var seen []string
	st, err := f.engine.Start(context.Background(), f.session, "x", StartOptions{
		Observer: func(ev agent.Event) {
			mu.Lock()
			seen = append(seen, string(ev.Type))
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.backend.feed <- agent.Event{Type: agent.EventInit, ConversationID: "c"}
	f.backend.feed <- agent.Event{Type: agent.EventAssistant, MessageID: "m-1"}
	f.backend.feed <- agent.Event{Type: agent.EventResult}
	close(f.backend.feed)
	waitDone(t, st)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"init", "assistant", "result"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestPendingQuestion_AnswerAllow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Gate = policy.NewGate() })
	decided := make(chan agent.Decision, 1)

	f.backend.onStart = func(opts agent.Options) {
		// A member running shell triggers an ask verdict.
		d := opts.Permission(context.Background(), agent.PermissionRequest{
			SessionID: opts.SessionID,
			ToolName:  "Bash",
			Input:     []byte(`{"command":"go test"}`),
		})
		decided <- d
		f.backend.feed <- agent.Event{Type: agent.EventResult}
		close(f.backend.feed)
	}

	st, err := f.engine.Start(context.Background(), f.session, "x", StartOptions{
		Actor: policy.Actor{Role: policy.RoleMember},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the question to surface.
	var q *PendingQuestion
	for i := 0; i < 100; i++ {
		if q = f.engine.PendingQuestion(f.session.ID); q != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if q == nil {
		t.Fatal("no pending question raised")
	}
	if q.ToolName != "Bash" {
		t.Fatalf("question = %+v", q)
	}

	if err := f.engine.AnswerQuestion(f.session.ID, q.ID, "allow"); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}

	select {
	case d := <-decided:
		if !d.Allow {
			t.Fatalf("decision = %+v, want allow", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission callback did not return")
	}
	waitDone(t, st)

	if f.engine.PendingQuestion(f.session.ID) != nil {
		t.Fatal("question not cleared after resolution")
	}
}

func TestPendingQuestion_WorkerSpawnDeniedWithoutQuestion(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Gate = policy.NewGate() })
	decided := make(chan agent.Decision, 1)

	f.backend.onStart = func(opts agent.Options) {
		d := opts.Permission(context.Background(), agent.PermissionRequest{
			SessionID: opts.SessionID,
			ToolName:  "Task",
			Input:     []byte(`{"prompt":"recurse"}`),
		})
		decided <- d
		f.backend.feed <- agent.Event{Type: agent.EventResult}
		close(f.backend.feed)
	}

	st, err := f.engine.Start(context.Background(), f.session, "x", StartOptions{
		Actor: policy.Actor{Role: policy.RoleWorker},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case d := <-decided:
		if d.Allow {
			t.Fatal("nested spawn allowed for worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission callback did not return")
	}
	if f.engine.PendingQuestion(f.session.ID) != nil {
		t.Fatal("deny verdicts must not raise questions")
	}
	waitDone(t, st)
}

func TestAnswerQuestion_Stale(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.engine.AnswerQuestion("nope", "q", "allow"); err == nil {
		t.Fatal("expected error for idle session")
	}
}
