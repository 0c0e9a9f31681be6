package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// ClaudeAdapter invokes the Claude Code CLI in print mode. Each call gets a
// new session id so no conversation carries over between attempts.
type ClaudeAdapter struct {
	cfg     Config
	procMgr *process.Manager
	newID   func() string
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Result is either a plain string or {"content": [{"type": "text", ...}]}.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeAdapter creates a Claude Code adapter. The ProcessManager is
// optional.
func NewClaudeAdapter(cfg Config, procMgr *process.Manager) *ClaudeAdapter {
	return &ClaudeAdapter{cfg: cfg, procMgr: procMgr, newID: uuid.NewString}
}

// Invoke runs one prompt. A non-zero exit is an error.
func (a *ClaudeAdapter) Invoke(ctx context.Context, prompt string) (string, error) {
	stdout, stderr, err := execute(ctx, a.cfg, a.procMgr, invocation{
		name: commandOr(a.cfg, "claude"),
		args: a.buildArgs(prompt, a.newID()),
	})
	if err != nil {
		return string(stdout), fmt.Errorf("claude command failed: %w", err)
	}

	text, err := parseClaudeResponse(stdout)
	if err != nil {
		// Older CLIs and text output formats print the answer directly.
		return strings.TrimSpace(string(stdout) + "\n" + string(stderr)), nil
	}
	return text, nil
}

func (a *ClaudeAdapter) buildArgs(prompt, sessionID string) []string {
	args := withLeading(a.cfg, "-p", prompt, "--output-format", "json", "--session-id", sessionID)
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if a.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", a.cfg.SystemPrompt)
	}
	return args
}

func parseClaudeResponse(data []byte) (string, error) {
	var cr claudeResponse
	if err := json.Unmarshal(bytes.TrimSpace(data), &cr); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if len(cr.Result) == 0 {
		return "", fmt.Errorf("response has no result field")
	}

	var s string
	if err := json.Unmarshal(cr.Result, &s); err == nil {
		return s, nil
	}

	var c claudeContent
	if err := json.Unmarshal(cr.Result, &c); err != nil {
		return "", fmt.Errorf("unexpected result shape: %w", err)
	}
	var sb strings.Builder
	for _, item := range c.Content {
		if item.Type == "text" {
			sb.WriteString(item.Text)
		}
	}
	return sb.String(), nil
}
