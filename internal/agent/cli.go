package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// maxLineSize bounds one stream-json line. Tool results can be large.
const maxLineSize = 8 * 1024 * 1024

// CLIBackend runs the agent CLI as a subprocess per query and translates its
// stream-json output into Events.
type CLIBackend struct {
	binary    string
	extraArgs []string
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // keyed by session id
}

// NewCLIBackend creates a backend launching the given binary.
func NewCLIBackend(binary string, extraArgs []string, logger *slog.Logger) *CLIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIBackend{
		binary:    binary,
		extraArgs: extraArgs,
		logger:    logger,
		running:   make(map[string]*exec.Cmd),
	}
}

// StartQuery spawns one CLI process for the prompt and streams its events.
// The returned channel closes after the terminal event.
func (b *CLIBackend) StartQuery(ctx context.Context, prompt string, opts Options) (<-chan Event, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeConversationID != "" {
		args = append(args, "--resume", opts.ResumeConversationID)
	}
	args = append(args, b.extraArgs...)

	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Dir = opts.Cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", b.binary, err)
	}

	b.mu.Lock()
	b.running[opts.SessionID] = cmd
	b.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() {
			b.mu.Lock()
			if b.running[opts.SessionID] == cmd {
				delete(b.running, opts.SessionID)
			}
			b.mu.Unlock()
		}()

		sawTerminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			for _, ev := range b.translateLine(ctx, line, opts, stdin) {
				if ev.Type == EventResult || ev.Type == EventError {
					sawTerminal = true
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					_ = cmd.Process.Kill()
					_ = cmd.Wait()
					return
				}
			}
		}

		waitErr := cmd.Wait()
		if !sawTerminal {
			msg := "agent process exited without a result"
			if waitErr != nil {
				msg = fmt.Sprintf("agent process failed: %v", waitErr)
			}
			if s := strings.TrimSpace(stderr.String()); s != "" {
				msg += ": " + truncate(s, 2000)
			}
			select {
			case events <- Event{Type: EventError, Err: msg}:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}

// Cancel kills the running process for a session, if any.
func (b *CLIBackend) Cancel(sessionID string) {
	b.mu.Lock()
	cmd := b.running[sessionID]
	delete(b.running, sessionID)
	b.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// rawLine is the wire shape of one stream-json line.
type rawLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Message   *struct {
		ID      string         `json:"id"`
		Role    string         `json:"role"`
		Content []rawBlock     `json:"content"`
		Usage   map[string]int `json:"usage"`
	} `json:"message,omitempty"`
	Request *struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	} `json:"request,omitempty"`
	Usage map[string]int `json:"usage,omitempty"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// translateLine maps one wire line to zero or more Events. Unknown line
// types are skipped; the protocol grows additive fields over time.
func (b *CLIBackend) translateLine(ctx context.Context, line string, opts Options, stdin io.Writer) []Event {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		b.logger.Debug("unparseable backend line", "error", err)
		return nil
	}

	switch raw.Type {
	case "system":
		if raw.Subtype == "init" && raw.SessionID != "" {
			return []Event{{Type: EventInit, ConversationID: raw.SessionID}}
		}
		return nil

	case "assistant":
		if raw.Message == nil {
			return nil
		}
		ev := Event{
			Type:      EventAssistant,
			MessageID: raw.Message.ID,
			Role:      "assistant",
		}
		for _, rb := range raw.Message.Content {
			switch rb.Type {
			case "text":
				ev.Blocks = append(ev.Blocks, ContentBlock{Type: "text", Text: rb.Text})
			case "tool_use":
				ev.Blocks = append(ev.Blocks, ContentBlock{Type: "tool_use", ID: rb.ID, Name: rb.Name, Input: rb.Input})
			}
		}
		return []Event{ev}

	case "user":
		if raw.Message == nil {
			return nil
		}
		var out []Event
		for _, rb := range raw.Message.Content {
			if rb.Type != "tool_result" {
				continue
			}
			out = append(out, Event{
				Type:      EventToolResult,
				ToolUseID: rb.ToolUseID,
				Result:    decodeToolResultContent(rb.Content),
				IsError:   rb.IsError,
			})
		}
		return out

	case "result":
		ev := Event{Type: EventResult}
		if raw.IsError || (raw.Subtype != "" && raw.Subtype != "success") {
			ev = Event{Type: EventError, Err: raw.Result}
			if ev.Err == "" {
				ev.Err = raw.Subtype
			}
		}
		ev.TokensIn = raw.Usage["input_tokens"]
		ev.TokensOut = raw.Usage["output_tokens"]
		return []Event{ev}

	case "control_request":
		if raw.Request == nil || raw.Request.Subtype != "can_use_tool" {
			return nil
		}
		b.answerPermission(ctx, raw, opts, stdin)
		return nil

	default:
		return nil
	}
}

// answerPermission runs the permission callback and writes the decision back
// on the process's stdin.
func (b *CLIBackend) answerPermission(ctx context.Context, raw rawLine, opts Options, stdin io.Writer) {
	decision := Decision{Allow: true}
	if opts.Permission != nil {
		decision = opts.Permission(ctx, PermissionRequest{
			SessionID: opts.SessionID,
			ToolName:  raw.Request.ToolName,
			Input:     raw.Request.Input,
		})
	}
	behavior := "allow"
	if !decision.Allow {
		behavior = "deny"
	}
	resp := map[string]interface{}{
		"type":       "control_response",
		"request_id": raw.RequestID,
		"response": map[string]interface{}{
			"subtype":  "success",
			"behavior": behavior,
			"message":  decision.Reason,
		},
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if _, err := stdin.Write(append(encoded, '\n')); err != nil {
		b.logger.Warn("write permission response", "error", err)
	}
}

// decodeToolResultContent flattens a tool_result content value, which may be
// a bare string or an array of text blocks.
func decodeToolResultContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, blk := range blocks {
			if blk.Type == "text" {
				parts = append(parts, blk.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
