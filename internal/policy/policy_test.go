package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDecide_WorkerDeniesNestedSpawn(t *testing.T) {
	g := NewGate()
	d := g.Decide(Actor{Role: RoleWorker}, "Task", json.RawMessage(`{"prompt":"sub work"}`))
	if d.Verdict != VerdictDeny {
		t.Fatalf("verdict = %v, want deny", d.Verdict)
	}
}

func TestDecide_WorkerAllowsNormalTools(t *testing.T) {
	g := NewGate()
	d := g.Decide(Actor{Role: RoleWorker}, "Read", json.RawMessage(`{"file_path":"main.go"}`))
	if d.Verdict != VerdictAllow {
		t.Fatalf("verdict = %v, want allow", d.Verdict)
	}
}

func TestDecide_DestructiveShellDenied(t *testing.T) {
	g := NewGate()
	cases := []string{
		`{"command":"rm -rf /"}`,
		`{"command":"sudo apt install x"}`,
		`{"command":"git push origin main --force"}`,
	}
	for _, input := range cases {
		for _, role := range []Role{RoleOperator, RoleMember, RoleWorker} {
			d := g.Decide(Actor{Role: role}, "Bash", json.RawMessage(input))
			if d.Verdict != VerdictDeny {
				t.Fatalf("role %s input %s: verdict = %v, want deny", role, input, d.Verdict)
			}
		}
	}
}

func TestDecide_AdminUnrestricted(t *testing.T) {
	g := NewGate()
	d := g.Decide(Actor{Role: RoleAdmin}, "Bash", json.RawMessage(`{"command":"sudo rm -rf /"}`))
	if d.Verdict != VerdictAllow {
		t.Fatalf("verdict = %v, want allow for admin", d.Verdict)
	}
}

func TestDecide_MemberShellAsks(t *testing.T) {
	g := NewGate()
	d := g.Decide(Actor{Role: RoleMember}, "Bash", json.RawMessage(`{"command":"go test ./..."}`))
	if d.Verdict != VerdictAsk {
		t.Fatalf("verdict = %v, want ask", d.Verdict)
	}
}

func TestDecide_ViewerAllowlist(t *testing.T) {
	g := NewGate()
	if d := g.Decide(Actor{Role: RoleViewer}, "Read", json.RawMessage(`{}`)); d.Verdict != VerdictAllow {
		t.Fatalf("Read verdict = %v, want allow", d.Verdict)
	}
	if d := g.Decide(Actor{Role: RoleViewer}, "Write", json.RawMessage(`{}`)); d.Verdict != VerdictDeny {
		t.Fatalf("Write verdict = %v, want deny", d.Verdict)
	}
}

func TestDecide_PathConfinement(t *testing.T) {
	g := NewGate()
	actor := Actor{Role: RoleWorker, PathRoot: "/proj"}

	if d := g.Decide(actor, "Read", json.RawMessage(`{"file_path":"/proj/sub/a.go"}`)); d.Verdict != VerdictAllow {
		t.Fatalf("inside root: verdict = %v, want allow", d.Verdict)
	}
	if d := g.Decide(actor, "Read", json.RawMessage(`{"file_path":"/etc/passwd"}`)); d.Verdict != VerdictDeny {
		t.Fatalf("outside root: verdict = %v, want deny", d.Verdict)
	}
	// Relative paths resolve under the cwd, which is inside the root.
	if d := g.Decide(actor, "Read", json.RawMessage(`{"file_path":"a.go"}`)); d.Verdict != VerdictAllow {
		t.Fatalf("relative path: verdict = %v, want allow", d.Verdict)
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	g, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d := g.Decide(Actor{Role: RoleWorker}, "Task", nil); d.Verdict != VerdictDeny {
		t.Fatal("defaults missing after Load of absent file")
	}
}

func TestLoad_OverlayDenyRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yaml := `
deny:
  - roles: [worker]
    tool: "^WebFetch$"
    reason: "no network in task runs"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := g.Decide(Actor{Role: RoleWorker}, "WebFetch", json.RawMessage(`{}`))
	if d.Verdict != VerdictDeny || d.Reason != "no network in task runs" {
		t.Fatalf("decision = %+v", d)
	}
	// Other roles unaffected.
	if d := g.Decide(Actor{Role: RoleOperator}, "WebFetch", json.RawMessage(`{}`)); d.Verdict != VerdictAllow {
		t.Fatalf("operator verdict = %v, want allow", d.Verdict)
	}
}

func TestLoad_BadPattern(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("deny:\n  - roles: [worker]\n    tool: \"[\"\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
