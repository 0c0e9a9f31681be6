package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// GooseAdapter invokes `goose run` without a persisted session. Goose
// supports local LLM providers (Ollama, LM Studio, llama.cpp) via
// --provider and --model.
type GooseAdapter struct {
	cfg     Config
	procMgr *process.Manager
}

type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseAdapter creates a Goose adapter.
func NewGooseAdapter(cfg Config, procMgr *process.Manager) *GooseAdapter {
	return &GooseAdapter{cfg: cfg, procMgr: procMgr}
}

// Invoke runs one prompt. A non-zero exit is an error.
func (g *GooseAdapter) Invoke(ctx context.Context, prompt string) (string, error) {
	stdout, stderr, err := execute(ctx, g.cfg, g.procMgr, invocation{
		name: commandOr(g.cfg, "goose"),
		args: g.buildArgs(prompt),
	})
	if err != nil {
		return string(stdout), fmt.Errorf("goose command failed: %w", err)
	}

	if content, ok := parseGooseResponse(stdout); ok {
		return content, nil
	}
	out := string(stdout)
	if len(stderr) > 0 {
		out += "\n[stderr]: " + string(stderr)
	}
	return out, nil
}

func (g *GooseAdapter) buildArgs(prompt string) []string {
	args := withLeading(g.cfg, "run", "--no-session", "--text", prompt)
	if g.cfg.Provider != "" {
		args = append(args, "--provider", g.cfg.Provider)
	}
	if g.cfg.Model != "" {
		args = append(args, "--model", g.cfg.Model)
	}
	if g.cfg.SystemPrompt != "" {
		args = append(args, "--system", g.cfg.SystemPrompt)
	}
	return args
}

// parseGooseResponse accepts a single JSON object or newline-delimited JSON
// objects with a content field. Plain text reports false.
func parseGooseResponse(data []byte) (string, bool) {
	var resp gooseResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Content != "" {
		return resp.Content, true
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lr gooseResponse
		if err := json.Unmarshal([]byte(line), &lr); err == nil && lr.Content != "" {
			contents = append(contents, lr.Content)
		}
	}
	if len(contents) == 0 {
		return "", false
	}
	return strings.Join(contents, "\n"), true
}
