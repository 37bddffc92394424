package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMungeProjectDir(t *testing.T) {
	if got := MungeProjectDir("/home/user/my.proj"); got != "-home-user-my-proj" {
		t.Fatalf("MungeProjectDir = %q", got)
	}
}

func TestTranscriptPath(t *testing.T) {
	got := TranscriptPath("/root/.claude/projects", "/proj", "conv-1")
	want := filepath.Join("/root/.claude/projects", "-proj", "conv-1.jsonl")
	if got != want {
		t.Fatalf("TranscriptPath = %q, want %q", got, want)
	}
}

func TestReadTranscriptText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conv.jsonl")
	lines := []string{
		`{"type":"user","message":{"content":[{"type":"text","text":"prompt"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"[STAGE: Research]"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Read"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"[TASK COMPLETE]"}]}}`,
		`{"partial trailing garbage`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	text, err := ReadTranscriptText(path)
	if err != nil {
		t.Fatalf("ReadTranscriptText: %v", err)
	}
	if !strings.Contains(text, "[STAGE: Research]") || !strings.Contains(text, "[TASK COMPLETE]") {
		t.Fatalf("text = %q", text)
	}
	if strings.Contains(text, "prompt") {
		t.Fatalf("user text leaked into assistant text: %q", text)
	}
}

func TestReadTranscriptText_Missing(t *testing.T) {
	if _, err := ReadTranscriptText(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Fatal("expected error for missing transcript")
	}
}

func TestProcessAlive(t *testing.T) {
	orig := listProcesses
	defer func() { listProcesses = orig }()

	listProcesses = func() (string, error) {
		return "claude --resume conv-live -p something\nbash\n", nil
	}
	if !ProcessAlive("conv-live") {
		t.Fatal("expected live process to be found")
	}
	if ProcessAlive("conv-dead") {
		t.Fatal("expected no match for dead conversation")
	}
	if ProcessAlive("") {
		t.Fatal("empty conversation id must never match")
	}
}
