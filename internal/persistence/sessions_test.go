package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "Fix bug", "/proj", "sonnet", "chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("empty session id")
	}
	if sess.ConversationID != "" {
		t.Fatalf("ConversationID = %q, want empty before first turn", sess.ConversationID)
	}

	if err := s.SetConversationID(ctx, sess.ID, "conv-123"); err != nil {
		t.Fatalf("SetConversationID: %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ConversationID != "conv-123" {
		t.Fatalf("ConversationID = %q, want conv-123", got.ConversationID)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertMessage_MergesByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "/proj", "", "chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	m := &Message{ID: "m1", SessionID: sess.ID, Role: "assistant", Content: `[{"type":"text","text":"Hel"}]`}
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	m.Content = `[{"type":"text","text":"Hello"}]`
	m.TokensOut = 5
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 (merged by id)", len(msgs))
	}
	if msgs[0].Content != `[{"type":"text","text":"Hello"}]` {
		t.Fatalf("content = %s, want updated text", msgs[0].Content)
	}
	if msgs[0].TokensOut != 5 {
		t.Fatalf("tokens_out = %d, want 5", msgs[0].TokensOut)
	}
}

func TestUpsertMessage_RejectsBadRole(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "", "/proj", "", "chat")

	err := s.UpsertMessage(ctx, &Message{ID: "m1", SessionID: sess.ID, Role: "robot"})
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestAttachToolResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "", "/proj", "", "chat")

	content := `[{"type":"tool_use","id":"tu-1","name":"Read","input":{"path":"a.go"}}]`
	if err := s.UpsertMessage(ctx, &Message{ID: "m1", SessionID: sess.ID, Role: "assistant", Content: content}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.AttachToolResult(ctx, sess.ID, "tu-1", "file contents", false); err != nil {
		t.Fatalf("AttachToolResult: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, sess.ID, 0)
	var blocks []map[string]interface{}
	if err := json.Unmarshal([]byte(msgs[0].Content), &blocks); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if blocks[0]["result"] != "file contents" {
		t.Fatalf("result = %v, want attached", blocks[0]["result"])
	}
}

func TestAttachToolResult_UnknownID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "", "/proj", "", "chat")

	err := s.AttachToolResult(ctx, sess.ID, "tu-missing", "x", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
