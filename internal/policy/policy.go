// Package policy is the tool-approval gate. Every tool call the agent
// backend proposes is checked against the actor's role tier before it runs;
// denials are final, "ask" outcomes surface as a pending question to the
// session's viewers.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is an actor's permission tier.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleMember   Role = "member"
	RoleViewer   Role = "viewer"
	// RoleWorker is the restricted tier task runs execute under.
	RoleWorker Role = "worker"
)

// Actor identifies who a tool call runs on behalf of. PathRoot, when set,
// confines file-touching tools to that subtree.
type Actor struct {
	Role     Role
	PathRoot string
}

// Verdict is the gate's decision for one tool call.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictDeny
	// VerdictAsk defers to a human viewer via a pending question.
	VerdictAsk
)

// Decision is a verdict plus the reason shown to the agent or the user.
type Decision struct {
	Verdict Verdict
	Reason  string
}

type rule struct {
	tool   *regexp.Regexp
	input  *regexp.Regexp
	reason string
}

func (r rule) matches(toolName, input string) bool {
	if r.tool != nil && !r.tool.MatchString(toolName) {
		return false
	}
	if r.input != nil && !r.input.MatchString(input) {
		return false
	}
	return true
}

// Gate evaluates tool calls against per-role rule tiers.
type Gate struct {
	denyByRole map[Role][]rule
	askByRole  map[Role][]rule
	// viewerAllow is the read-only tool allowlist for RoleViewer.
	viewerAllow map[string]struct{}
}

// spawnTools matches tools that launch nested sub-agents. Unconditionally
// denied for workers: runaway recursive spawning is a known failure mode of
// autonomous task runs.
var spawnTools = regexp.MustCompile(`(?i)^(Task|Agent|dispatch_agent)$`)

// destructive matches shell input that no non-admin role may run.
var destructive = []rule{
	{input: regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+[/~]`), reason: "recursive delete from root"},
	{input: regexp.MustCompile(`(?i)\bsudo\b`), reason: "privilege escalation"},
	{input: regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`), reason: "host power control"},
	{input: regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), reason: "filesystem format"},
	{input: regexp.MustCompile(`(?i)git\s+push\s+.*--force`), reason: "force push"},
	{input: regexp.MustCompile(`>\s*/dev/sd[a-z]`), reason: "raw device write"},
}

// NewGate builds the default gate.
func NewGate() *Gate {
	shell := regexp.MustCompile(`(?i)^(Bash|Shell|Exec)$`)

	deny := map[Role][]rule{
		RoleAdmin:    nil,
		RoleOperator: withTool(shell, destructive),
		RoleMember:   withTool(shell, destructive),
		RoleWorker: append(
			[]rule{{tool: spawnTools, reason: "nested agent spawning is not allowed in task runs"}},
			withTool(shell, destructive)...,
		),
	}
	ask := map[Role][]rule{
		// Members get a human check on arbitrary shell.
		RoleMember: {{tool: shell, reason: "shell command requires approval"}},
	}
	return &Gate{
		denyByRole: deny,
		askByRole:  ask,
		viewerAllow: map[string]struct{}{
			"Read": {}, "Grep": {}, "Glob": {}, "WebFetch": {}, "WebSearch": {},
		},
	}
}

func withTool(tool *regexp.Regexp, rules []rule) []rule {
	out := make([]rule, len(rules))
	for i, r := range rules {
		out[i] = rule{tool: tool, input: r.input, reason: r.reason}
	}
	return out
}

// policyFile is the optional yaml overlay adding deny rules per role.
type policyFile struct {
	Deny []struct {
		Roles  []string `yaml:"roles"`
		Tool   string   `yaml:"tool"`
		Input  string   `yaml:"input"`
		Reason string   `yaml:"reason"`
	} `yaml:"deny"`
}

// Load builds the default gate and overlays extra deny rules from path.
// A missing file yields the defaults.
func Load(path string) (*Gate, error) {
	g := NewGate()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for _, d := range pf.Deny {
		r := rule{reason: d.Reason}
		if d.Tool != "" {
			re, err := regexp.Compile(d.Tool)
			if err != nil {
				return nil, fmt.Errorf("policy tool pattern %q: %w", d.Tool, err)
			}
			r.tool = re
		}
		if d.Input != "" {
			re, err := regexp.Compile(d.Input)
			if err != nil {
				return nil, fmt.Errorf("policy input pattern %q: %w", d.Input, err)
			}
			r.input = re
		}
		for _, roleName := range d.Roles {
			role := Role(strings.ToLower(strings.TrimSpace(roleName)))
			g.denyByRole[role] = append(g.denyByRole[role], r)
		}
	}
	return g, nil
}

// Decide evaluates one tool call. Order: viewer allowlist, path
// confinement, role deny tier, role ask tier, allow.
func (g *Gate) Decide(actor Actor, toolName string, input json.RawMessage) Decision {
	inputStr := string(input)

	if actor.Role == RoleViewer {
		if _, ok := g.viewerAllow[toolName]; !ok {
			return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("viewers may not use %s", toolName)}
		}
	}

	if actor.PathRoot != "" {
		if p := extractPath(input); p != "" && !underRoot(actor.PathRoot, p) {
			return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("path %s is outside the allowed root", p)}
		}
	}

	for _, r := range g.denyByRole[actor.Role] {
		if r.matches(toolName, inputStr) {
			return Decision{Verdict: VerdictDeny, Reason: r.reason}
		}
	}
	for _, r := range g.askByRole[actor.Role] {
		if r.matches(toolName, inputStr) {
			return Decision{Verdict: VerdictAsk, Reason: r.reason}
		}
	}
	return Decision{Verdict: VerdictAllow}
}

// extractPath pulls the path-like field out of a tool input, if present.
func extractPath(input json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "path", "cwd", "directory"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func underRoot(root, p string) bool {
	if !filepath.IsAbs(p) {
		// Relative paths resolve inside the session cwd, which is the root.
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
