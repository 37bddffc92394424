// Package marker recognizes the three bracketed progress tokens task prompts
// instruct the agent to emit. It is deliberately narrow: exactly three token
// shapes, no general markup parsing.
package marker

import (
	"regexp"
	"strings"
)

var (
	stageRe    = regexp.MustCompile(`\[STAGE:\s*(.+?)\]`)
	completeRe = regexp.MustCompile(`\[TASK COMPLETE\]`)
	failedRe   = regexp.MustCompile(`\[TASK FAILED:\s*(.+?)\]`)
)

// Outcome is the terminal classification of a scanned text.
type Outcome int

const (
	// OutcomeNone means no terminal marker was present.
	OutcomeNone Outcome = iota
	OutcomeComplete
	OutcomeFailed
)

// Scan extracts all stage names in order of appearance and the terminal
// outcome, if any. When both terminal markers appear the failure wins; a
// failure note after a premature completion claim is the agent correcting
// itself.
func Scan(text string) (stages []string, outcome Outcome, failReason string) {
	for _, m := range stageRe.FindAllStringSubmatch(text, -1) {
		stage := strings.TrimSpace(m[1])
		if stage != "" {
			stages = append(stages, stage)
		}
	}
	if m := failedRe.FindStringSubmatch(text); m != nil {
		return stages, OutcomeFailed, strings.TrimSpace(m[1])
	}
	if completeRe.MatchString(text) {
		return stages, OutcomeComplete, ""
	}
	return stages, OutcomeNone, ""
}

// NewStages returns the stages in scanned that are not already in seen,
// preserving order. Stage names are compared exactly; the agent is told to
// reuse names verbatim when re-emitting.
func NewStages(seen []string, scanned []string) []string {
	known := make(map[string]struct{}, len(seen))
	for _, s := range seen {
		known[s] = struct{}{}
	}
	var out []string
	for _, s := range scanned {
		if _, ok := known[s]; ok {
			continue
		}
		known[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
