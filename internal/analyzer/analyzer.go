// Package analyzer invokes the external analyzer subprocess and extracts
// its Node-shaped JSON output from a JSON-Lines event stream on stdout.
package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ppiankov/neurorouter"
)

// ErrSchemaValidation is returned when the extracted JSON candidate does
// not satisfy the required Node output shape. Callers must treat this as
// a permanent failure — no amount of retrying fixes a malformed analyzer
// response.
var ErrSchemaValidation = errors.New("schema validation failed")

// Request describes one invocation of the analyzer subprocess.
type Request struct {
	Command     string
	Args        []string
	PromptFile  string
	SessionFile string
	SegmentStart string
	SegmentEnd   string
	BoundaryType string
	ExtraEnv     []string
}

// Result is what a successful analyzer invocation produces.
type Result struct {
	NodeData   json.RawMessage
	DurationMs int64
}

// agentEvent is one line of the analyzer's JSON-Lines stdout stream.
type agentEvent struct {
	Type     string    `json:"type"`
	Messages []message `json:"messages"`
}

type message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Run invokes the analyzer subprocess described by req, streams its stdout
// as JSON-Lines, and extracts the last assistant message's embedded Node
// JSON once an agent_end event arrives. Process-level failures (spawn
// errors, nonzero exit before agent_end, rate limiting) are returned
// as-is for the caller to classify; a present-but-invalid payload returns
// ErrSchemaValidation.
func Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	args := append([]string{}, req.Args...)
	args = append(args,
		"--prompt", req.PromptFile,
		"--session", req.SessionFile,
	)
	if req.SegmentStart != "" {
		args = append(args, "--segment-start", req.SegmentStart)
	}
	if req.SegmentEnd != "" {
		args = append(args, "--segment-end", req.SegmentEnd)
	}
	if req.BoundaryType != "" {
		args = append(args, "--boundary-type", req.BoundaryType)
	}

	cmd := exec.CommandContext(ctx, req.Command, args...)
	cmd.Env = append(cmd.Environ(), req.ExtraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("analyzer stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("analyzer start: %w", err)
	}

	var lastAssistantText string
	var sawAgentEnd bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev agentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if len(ev.Messages) > 0 {
			last := ev.Messages[len(ev.Messages)-1]
			if last.Role == "assistant" {
				lastAssistantText = last.Text
			}
		}
		if ev.Type == "agent_end" {
			sawAgentEnd = true
			break
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	elapsed := time.Since(start).Milliseconds()

	if waitErr != nil {
		if isRateLimited(stderr.String()) {
			return nil, neurorouter.ErrRateLimited
		}
		return nil, fmt.Errorf("analyzer exited: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("analyzer stdout read: %w", scanErr)
	}
	if !sawAgentEnd {
		return nil, fmt.Errorf("analyzer exited without an agent_end event")
	}

	candidate, err := extractJSON(lastAssistantText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := validateNodeShape(candidate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}

	return &Result{NodeData: candidate, DurationMs: elapsed}, nil
}

func isRateLimited(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "rate limit")
}

// extractJSON mines text for a Node-shaped JSON object, trying in order: a
// fenced ```json block, a fenced unlabelled block, then the longest
// balanced JSON object found anywhere in the text.
func extractJSON(text string) (json.RawMessage, error) {
	if raw, ok := fencedBlock(text, "```json"); ok {
		return json.RawMessage(raw), nil
	}
	if raw, ok := fencedBlock(text, "```"); ok {
		return json.RawMessage(raw), nil
	}
	if raw, ok := longestBalancedObject(text); ok {
		return json.RawMessage(raw), nil
	}
	return nil, errors.New("no JSON object found in analyzer output")
}

func fencedBlock(text, fence string) (string, bool) {
	start := strings.Index(text, fence)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	body := strings.TrimSpace(rest[:end])
	if body == "" || body[0] != '{' {
		return "", false
	}
	return body, true
}

// longestBalancedObject scans text for every top-level '{...}' span with
// balanced braces (honoring string literals so braces inside strings don't
// confuse the count) and returns the longest one found.
func longestBalancedObject(text string) (string, bool) {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := text[start : i+1]
					if len(candidate) > len(best) {
						best = candidate
					}
				}
			}
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// validateNodeShape checks that candidate has the minimum set of fields
// required of a Node, without fully decoding into internal/node.Node.
func validateNodeShape(candidate json.RawMessage) error {
	var shape struct {
		Classification *struct {
			Type    string `json:"type"`
			Project string `json:"project"`
		} `json:"classification"`
		Content *struct {
			Summary string `json:"summary"`
			Outcome string `json:"outcome"`
		} `json:"content"`
		Lessons      json.RawMessage `json:"lessons"`
		Observations json.RawMessage `json:"observations"`
		Semantic     json.RawMessage `json:"semantic"`
		DaemonMeta   json.RawMessage `json:"daemonMeta"`
	}
	if err := json.Unmarshal(candidate, &shape); err != nil {
		return fmt.Errorf("candidate is not valid JSON: %w", err)
	}

	var missing []string
	if shape.Classification == nil || shape.Classification.Type == "" || shape.Classification.Project == "" {
		missing = append(missing, "classification.type/project")
	}
	if shape.Content == nil || shape.Content.Summary == "" || shape.Content.Outcome == "" {
		missing = append(missing, "content.summary/outcome")
	}
	if shape.Lessons == nil {
		missing = append(missing, "lessons")
	}
	if shape.Observations == nil {
		missing = append(missing, "observations")
	}
	if shape.Semantic == nil {
		missing = append(missing, "semantic")
	}
	if shape.DaemonMeta == nil {
		missing = append(missing, "daemonMeta")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
