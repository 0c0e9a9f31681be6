// Package specbuilder assembles the bounded text context handed to each
// execution agent: task fields, the matching plan section, additional spec
// files, and an optional template that arranges them.
package specbuilder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
)

// Separator joins sections when no template is configured.
const Separator = "\n\n---\n\n"

// Config controls what goes into a task spec.
type Config struct {
	IncludeTask        bool     `json:"include_task" yaml:"include_task"`
	IncludePlanSection bool     `json:"include_plan_section" yaml:"include_plan_section"`
	PlanPath           string   `json:"plan_path,omitempty" yaml:"plan_path,omitempty"`
	AdditionalSpecs    []string `json:"additional_specs,omitempty" yaml:"additional_specs,omitempty"`
	// MaxSpecTokens is a soft budget: exceeding it logs a warning only.
	MaxSpecTokens int `json:"max_spec_tokens" yaml:"max_spec_tokens"`
	// Template may reference {{task}}, {{plan}}, {{specs}}, {{task_id}} and {{title}}.
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
	// PlanFallbackChars bounds the plan head used when no section matches.
	PlanFallbackChars int `json:"plan_fallback_chars,omitempty" yaml:"plan_fallback_chars,omitempty"`
}

// DefaultConfig returns the defaults used by `loop start`.
func DefaultConfig() Config {
	return Config{
		IncludeTask:        true,
		IncludePlanSection: true,
		MaxSpecTokens:      5000,
		PlanFallbackChars:  2000,
	}
}

// Spec is a composed task spec and its size estimate.
type Spec struct {
	Text            string
	EstimatedTokens int
	OverBudget      bool
}

// Builder composes task specs. Plan and spec files are read on every Build,
// so edits made between tasks are picked up.
type Builder struct {
	cfg     Config
	baseDir string
	logger  *slog.Logger
}

// New creates a Builder. Relative paths in cfg resolve against baseDir.
func New(cfg Config, baseDir string, logger *slog.Logger) *Builder {
	if cfg.PlanFallbackChars <= 0 {
		cfg.PlanFallbackChars = DefaultConfig().PlanFallbackChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, baseDir: baseDir, logger: logger}
}

// EstimateTokens approximates token count as characters / 4.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Build composes the spec for task. A missing plan or spec file is an error;
// an oversized result is not.
func (b *Builder) Build(task taskgraph.Task) (Spec, error) {
	var taskSection, planSection, specsSection string

	if b.cfg.IncludeTask {
		taskSection = FormatTask(task)
	}

	if b.cfg.IncludePlanSection && b.cfg.PlanPath != "" {
		plan, err := os.ReadFile(b.resolve(b.cfg.PlanPath))
		if err != nil {
			return Spec{}, fmt.Errorf("reading plan: %w", err)
		}
		planSection = formatPlan(task.ID, string(plan), b.cfg.PlanFallbackChars)
	}

	if len(b.cfg.AdditionalSpecs) > 0 {
		parts := make([]string, 0, len(b.cfg.AdditionalSpecs))
		for _, p := range b.cfg.AdditionalSpecs {
			data, err := os.ReadFile(b.resolve(p))
			if err != nil {
				return Spec{}, fmt.Errorf("reading spec file: %w", err)
			}
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filepath.Base(p), strings.TrimRight(string(data), "\n")))
		}
		specsSection = strings.Join(parts, Separator)
	}

	var text string
	if b.cfg.Template != "" {
		text = strings.NewReplacer(
			"{{task}}", taskSection,
			"{{plan}}", planSection,
			"{{specs}}", specsSection,
			"{{task_id}}", task.ID,
			"{{title}}", task.Title,
		).Replace(b.cfg.Template)
	} else {
		var sections []string
		for _, s := range []string{taskSection, planSection, specsSection} {
			if s != "" {
				sections = append(sections, s)
			}
		}
		text = strings.Join(sections, Separator)
	}

	spec := Spec{Text: text, EstimatedTokens: EstimateTokens(text)}
	if b.cfg.MaxSpecTokens > 0 && spec.EstimatedTokens > b.cfg.MaxSpecTokens {
		spec.OverBudget = true
		b.logger.Warn("task spec exceeds token budget",
			"task", task.ID,
			"estimated_tokens", spec.EstimatedTokens,
			"max_spec_tokens", b.cfg.MaxSpecTokens)
	}
	return spec, nil
}

func (b *Builder) resolve(p string) string {
	if filepath.IsAbs(p) || b.baseDir == "" {
		return p
	}
	return filepath.Join(b.baseDir, p)
}

// FormatTask renders the task's fields as a markdown section.
func FormatTask(task taskgraph.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task %s: %s\n", task.ID, task.Title)
	if task.Complexity > 0 {
		fmt.Fprintf(&sb, "\nComplexity: %d\n", task.Complexity)
	}
	if d := strings.TrimSpace(task.Description); d != "" {
		fmt.Fprintf(&sb, "\n## Description\n\n%s\n", d)
	}
	if ts := strings.TrimSpace(task.TestStrategy); ts != "" {
		fmt.Fprintf(&sb, "\n## Test Strategy\n\n%s\n", ts)
	}
	if len(task.DependsOn) > 0 {
		fmt.Fprintf(&sb, "\n## Dependencies\n\n%s\n", strings.Join(task.DependsOn, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatPlan(taskID, plan string, fallbackChars int) string {
	if section, ok := PlanSection(plan, taskID); ok {
		return "# Plan Context\n\n" + section
	}
	head := plan
	if len(head) > fallbackChars {
		head = truncateRunes(head, fallbackChars) + "\n\n[plan truncated]"
	}
	return "# Plan Context\n\n" + strings.TrimRight(head, "\n")
}
