package specbuilder

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
)

const samplePlan = `# Implementation Plan

Overview text.

## Task 1: Schema

Define the tables.

## Task 2: Handlers

Write the HTTP handlers.

### Notes

Use the existing router.

## Task 12: Docs

Unrelated.
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sampleTask() taskgraph.Task {
	return taskgraph.Task{
		ID:           "2",
		Title:        "Handlers",
		Description:  "Implement the handlers.",
		Status:       taskgraph.StatusPending,
		Complexity:   3,
		DependsOn:    []string{"1"},
		TestStrategy: "go test ./...",
	}
}

func TestBuild_SectionOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plan.md", samplePlan)
	writeFile(t, dir, "api.md", "API contract\n")

	cfg := DefaultConfig()
	cfg.PlanPath = "plan.md"
	cfg.AdditionalSpecs = []string{"api.md"}

	spec, err := New(cfg, dir, nil).Build(sampleTask())
	require.NoError(t, err)

	taskAt := strings.Index(spec.Text, "# Task 2: Handlers")
	planAt := strings.Index(spec.Text, "# Plan Context")
	specAt := strings.Index(spec.Text, "## api.md")
	require.True(t, taskAt >= 0 && planAt >= 0 && specAt >= 0, spec.Text)
	assert.Less(t, taskAt, planAt)
	assert.Less(t, planAt, specAt)
	assert.Equal(t, 2, strings.Count(spec.Text, Separator))

	assert.Contains(t, spec.Text, "Use the existing router.", "subsections stay in the task's section")
	assert.NotContains(t, spec.Text, "Define the tables.")
	assert.NotContains(t, spec.Text, "Unrelated.")
	assert.Equal(t, EstimateTokens(spec.Text), spec.EstimatedTokens)
	assert.False(t, spec.OverBudget)
}

func TestBuild_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plan.md", samplePlan)
	cfg := DefaultConfig()
	cfg.PlanPath = "plan.md"
	b := New(cfg, dir, nil)

	first, err := b.Build(sampleTask())
	require.NoError(t, err)
	second, err := b.Build(sampleTask())
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
}

func TestBuild_PlanFallbackTruncates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plan.md", "# Plan\n\n"+strings.Repeat("x", 500))

	cfg := DefaultConfig()
	cfg.IncludeTask = false
	cfg.PlanPath = "plan.md"
	cfg.PlanFallbackChars = 100

	spec, err := New(cfg, dir, nil).Build(sampleTask())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(spec.Text, "# Plan Context\n\n# Plan"))
	assert.True(t, strings.HasSuffix(spec.Text, "[plan truncated]"))
	assert.Less(t, len(spec.Text), 200)
}

func TestBuild_MissingFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlanPath = "missing.md"
	_, err := New(cfg, t.TempDir(), nil).Build(sampleTask())
	assert.ErrorContains(t, err, "reading plan")

	cfg = DefaultConfig()
	cfg.AdditionalSpecs = []string{"missing.md"}
	_, err = New(cfg, t.TempDir(), nil).Build(sampleTask())
	assert.ErrorContains(t, err, "reading spec file")
}

func TestBuild_Template(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Template = "Work on {{task_id}} ({{title}}).\n\n{{task}}\n\n{{plan}}"

	spec, err := New(cfg, "", nil).Build(sampleTask())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(spec.Text, "Work on 2 (Handlers).\n\n# Task 2: Handlers"))
	assert.NotContains(t, spec.Text, "{{")
}

func TestBuild_OverBudgetWarnsButReturnsFullText(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	task := sampleTask()
	task.Description = strings.Repeat("a", 1000)

	cfg := DefaultConfig()
	cfg.MaxSpecTokens = 10
	spec, err := New(cfg, "", logger).Build(task)
	require.NoError(t, err)

	assert.True(t, spec.OverBudget)
	assert.Contains(t, spec.Text, task.Description)
	assert.Greater(t, spec.EstimatedTokens, 250)
	assert.Contains(t, logs.String(), "exceeds token budget")
	assert.Contains(t, logs.String(), "task=2")
}

func TestPlanSection_Matching(t *testing.T) {
	plan := `# Plan

## Task 12: Other

twelve

### 2. Handlers

two

#### Task 2.1: Sub-step

nested

### 3. Next

three
`
	section, ok := PlanSection(plan, "2")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(section, "### 2. Handlers"))
	assert.Contains(t, section, "nested", "deeper headings belong to the section")
	assert.NotContains(t, section, "twelve")
	assert.NotContains(t, section, "three")

	section, ok = PlanSection(plan, "2.1")
	require.True(t, ok)
	assert.Equal(t, "#### Task 2.1: Sub-step\n\nnested", section)

	_, ok = PlanSection(plan, "7")
	assert.False(t, ok)
	_, ok = PlanSection(plan, "")
	assert.False(t, ok)
}

func TestPlanSection_IgnoresFencedCode(t *testing.T) {
	plan := "# Plan\n\n" +
		"## Task 2: Install\n\n" +
		"```sh\n# task 3 setup\nmake deps\n```\n\n" +
		"~~~md\n```\n## Task 4: quoted\n~~~\n\n" +
		"after the fences\n\n" +
		"## Task 3: Real\n\nthree\n"

	section, ok := PlanSection(plan, "3")
	require.True(t, ok)
	assert.Equal(t, "## Task 3: Real\n\nthree", section)

	section, ok = PlanSection(plan, "2")
	require.True(t, ok)
	assert.Contains(t, section, "# task 3 setup")
	assert.Contains(t, section, "## Task 4: quoted")
	assert.Contains(t, section, "after the fences", "headings inside fences do not end the section")
	assert.NotContains(t, section, "three")

	_, ok = PlanSection(plan, "4")
	assert.False(t, ok)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "h", truncateRunes("héllo", 2))
	assert.Equal(t, "hé", truncateRunes("héllo", 3))
	assert.Equal(t, "abc", truncateRunes("abc", 10))
}

func TestFormatTask_OmitsEmptyFields(t *testing.T) {
	out := FormatTask(taskgraph.Task{ID: "5", Title: "Bare"})
	assert.Equal(t, "# Task 5: Bare", out)
}
