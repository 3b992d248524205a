// Package status parses the delimited status block an agent prints before
// exiting. The supervisor decides what happens to the ticket based on it.
package status

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Block delimiters, exactly as the prompt trailer instructs the agent.
const (
	BlockStart = "---OPERATOR_STATUS---"
	BlockEnd   = "---END_OPERATOR_STATUS---"
)

// State is the agent's self-reported outcome for the step.
type State string

const (
	StateComplete   State = "complete"
	StateInProgress State = "in_progress"
	StateBlocked    State = "blocked"
	StateFailed     State = "failed"
)

// ErrNoBlock means the pane output contains no well-formed status block.
var ErrNoBlock = errors.New("no status block found")

// Report is one parsed status block.
type Report struct {
	Status     State
	ExitSignal bool

	Confidence     float64
	FilesModified  int
	ErrorCount     int
	TasksCompleted int
	TasksRemaining int
	TestsStatus    string
	Summary        string
	Recommendation string
	Blockers       string
}

// validStates is the closed set of accepted status values.
var validStates = map[State]bool{
	StateComplete:   true,
	StateInProgress: true,
	StateBlocked:    true,
	StateFailed:     true,
}

// Parse extracts the LAST well-formed status block from pane output. Agents
// occasionally echo the trailer instructions back, so earlier malformed or
// example blocks must not shadow the real one. Returns ErrNoBlock when no
// block parses.
func Parse(output string) (*Report, error) {
	var lastErr error
	rest := output
	var found *Report
	for {
		start := strings.Index(rest, BlockStart)
		if start < 0 {
			break
		}
		rest = rest[start+len(BlockStart):]
		end := strings.Index(rest, BlockEnd)
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+len(BlockEnd):]

		report, err := parseBody(body)
		if err != nil {
			lastErr = err
			continue
		}
		found = report
	}
	if found == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoBlock, lastErr)
		}
		return nil, ErrNoBlock
	}
	return found, nil
}

// parseBody reads `key: value` lines. Unknown keys are ignored so the block
// format can grow without breaking older supervisors.
func parseBody(body string) (*Report, error) {
	r := &Report{}
	sawStatus := false
	sawExit := false

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "status":
			s := State(strings.ToLower(value))
			if !validStates[s] {
				return nil, fmt.Errorf("invalid status %q", value)
			}
			r.Status = s
			sawStatus = true
		case "exit_signal":
			b, err := strconv.ParseBool(strings.ToLower(value))
			if err != nil {
				return nil, fmt.Errorf("invalid exit_signal %q", value)
			}
			r.ExitSignal = b
			sawExit = true
		case "confidence":
			r.Confidence, _ = strconv.ParseFloat(value, 64)
		case "files_modified":
			r.FilesModified, _ = strconv.Atoi(value)
		case "error_count":
			r.ErrorCount, _ = strconv.Atoi(value)
		case "tasks_completed":
			r.TasksCompleted, _ = strconv.Atoi(value)
		case "tasks_remaining":
			r.TasksRemaining, _ = strconv.Atoi(value)
		case "tests_status":
			r.TestsStatus = value
		case "summary":
			r.Summary = value
		case "recommendation":
			r.Recommendation = value
		case "blockers":
			r.Blockers = value
		}
	}

	if !sawStatus {
		return nil, errors.New("missing required field status")
	}
	if !sawExit {
		return nil, errors.New("missing required field exit_signal")
	}
	return r, nil
}

// Trailer is the fixed instruction block appended to every composed prompt.
func Trailer() string {
	return strings.Join([]string{
		"When you are done with this step, print exactly one status block in this format:",
		"",
		BlockStart,
		"status: complete | in_progress | blocked | failed",
		"exit_signal: true | false",
		"summary: <one line describing what you did>",
		"recommendation: <optional guidance for the next run>",
		"blockers: <optional, what is blocking you>",
		"confidence: <optional, 0.0-1.0>",
		"files_modified: <optional count>",
		"tests_status: <optional, e.g. passing>",
		"error_count: <optional count>",
		"tasks_completed: <optional count>",
		"tasks_remaining: <optional count>",
		BlockEnd,
		"",
		"Set exit_signal: true only when the step needs nothing further from you.",
	}, "\n")
}
