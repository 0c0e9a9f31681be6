package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// CodexAdapter invokes `codex exec` with a JSON event stream on stdout.
type CodexAdapter struct {
	cfg     Config
	procMgr *process.Manager
}

// codexEvent covers the event shapes we read: the legacy TurnCompleted
// event with content, and item.completed events carrying agent messages.
type codexEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Item    *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// NewCodexAdapter creates a Codex adapter.
func NewCodexAdapter(cfg Config, procMgr *process.Manager) *CodexAdapter {
	return &CodexAdapter{cfg: cfg, procMgr: procMgr}
}

// Invoke runs one prompt with `codex exec`. A non-zero exit is an error.
func (c *CodexAdapter) Invoke(ctx context.Context, prompt string) (string, error) {
	stdout, _, err := execute(ctx, c.cfg, c.procMgr, invocation{
		name: commandOr(c.cfg, "codex"),
		args: c.buildArgs(prompt),
	})
	if err != nil {
		return string(stdout), fmt.Errorf("codex command failed: %w", err)
	}

	content, err := parseCodexEvents(stdout)
	if err != nil {
		return string(stdout), nil
	}
	return content, nil
}

func (c *CodexAdapter) buildArgs(prompt string) []string {
	args := withLeading(c.cfg, "exec", prompt, "--json")
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	return args
}

// parseCodexEvents joins the agent messages of a newline-delimited JSON
// event stream. It fails when no line is valid JSON.
func parseCodexEvents(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		parts  []string
		parsed bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		parsed = true

		switch evt.Type {
		case "TurnCompleted":
			if evt.Content != "" {
				parts = append(parts, evt.Content)
			}
		case "item.completed":
			if evt.Item != nil && evt.Item.Type == "agent_message" && evt.Item.Text != "" {
				parts = append(parts, evt.Item.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading events: %w", err)
	}
	if !parsed {
		return "", fmt.Errorf("no JSON events in codex output")
	}
	return strings.Join(parts, "\n"), nil
}
