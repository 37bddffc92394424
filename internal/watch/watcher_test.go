package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oakline/deskd/internal/bus"
)

func TestWatcher_PublishesFileChanges(t *testing.T) {
	root := t.TempDir()
	b := bus.New()
	sub := b.Subscribe(bus.TopicWorkspaceFileChanged)
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(root, b, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		fc := ev.Payload.(bus.FileChanged)
		if fc.Path != "notes.txt" {
			t.Fatalf("path = %q, want notes.txt", fc.Path)
		}
		if fc.Op != "create" && fc.Op != "write" {
			t.Fatalf("op = %q", fc.Op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no workspace.file_changed event")
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	root := t.TempDir()
	b := bus.New()
	sub := b.Subscribe(bus.TopicWorkspaceFileChanged)
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(root, b, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(root, "churn.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	// The burst collapses into one event for the path.
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.FileChanged).Path != "churn.txt" {
			t.Fatalf("event = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event after burst")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("second event for same burst: %+v", ev.Payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_EmptyRoot(t *testing.T) {
	w := NewWatcher("", bus.New(), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error for empty root")
	}
}
