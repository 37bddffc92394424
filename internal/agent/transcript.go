package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// MungeProjectDir converts a working directory into the backend's per-project
// transcript directory name: path separators and dots become dashes.
func MungeProjectDir(cwd string) string {
	return strings.NewReplacer("/", "-", ".", "-").Replace(cwd)
}

// TranscriptPath is the deterministic location of a conversation's
// append-only transcript under the transcript root.
func TranscriptPath(root, cwd, conversationID string) string {
	return filepath.Join(root, MungeProjectDir(cwd), conversationID+".jsonl")
}

// transcriptLine is the subset of a transcript entry the recovery path needs.
type transcriptLine struct {
	Type    string `json:"type"`
	Message *struct {
		Content []rawBlock `json:"content"`
	} `json:"message,omitempty"`
}

// ReadTranscriptText re-reads the whole transcript and returns the
// concatenated assistant text. Whole-file re-reads are crash-immune versus
// incremental tailing; transcripts stay small enough that this is cheap.
func ReadTranscriptText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry transcriptLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// Partial trailing writes are expected on a live transcript.
			continue
		}
		if entry.Type != "assistant" || entry.Message == nil {
			continue
		}
		for _, blk := range entry.Message.Content {
			if blk.Type == "text" && blk.Text != "" {
				out.WriteString(blk.Text)
				out.WriteString("\n")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}
	return out.String(), nil
}

// listProcesses returns the command lines of all running processes. Swapped
// in tests.
var listProcesses = func() (string, error) {
	out, err := exec.Command("ps", "-eo", "args").Output()
	if err != nil {
		return "", fmt.Errorf("ps: %w", err)
	}
	return string(out), nil
}

// ProcessAlive reports whether any running process references the given
// conversation id on its command line. The backend passes --resume <id> when
// continuing a conversation, so a live recovered task is findable this way.
func ProcessAlive(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	out, err := listProcesses()
	if err != nil {
		return false
	}
	return strings.Contains(out, conversationID)
}
