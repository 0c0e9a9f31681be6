// Package render formats loop state, tuning variants, attempt history and
// live events for the terminal.
package render

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/persistence"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
)

const timeLayout = "2006-01-02 15:04:05"

func row(label, value string) string {
	return StyleLabel.Render(label) + value
}

// Status renders a LoopState, plus live store stats when available.
func Status(ls *state.LoopState, stats *taskgraph.Stats) string {
	var rows []string
	rows = append(rows,
		StyleTitle.Render("Loop "+ls.Tag),
		"",
		row("Status", StatusStyle(ls.Status).Render(string(ls.Status))),
		row("Run", ls.RunID),
		row("Wave", fmt.Sprintf("%d / %d", ls.CurrentWave, ls.TotalWaves)),
		row("Tasks", fmt.Sprintf("%d / %d completed", ls.TasksCompleted, ls.TasksTotal)),
		row("Iterations", fmt.Sprintf("%d / %d", ls.IterationCount, ls.Options.MaxIterations)),
		row("Started", ls.StartedAt.Local().Format(timeLayout)),
		row("Last activity", ls.LastActivityAt.Local().Format(timeLayout)),
	)
	if ls.InFlight != nil {
		rows = append(rows, row("In flight", fmt.Sprintf("%s %s", ls.InFlight.ID, ls.InFlight.Title)))
	}
	if ls.AwaitingTune != "" {
		rows = append(rows, row("Awaiting tune", StyleStatusPaused.Render("task "+ls.AwaitingTune)))
	}
	if ls.ExitReason != "" {
		rows = append(rows, row("Exit reason", ls.ExitReason))
	}
	if stats != nil {
		rows = append(rows, "", row("Store", stats.String()), row("Progress", ProgressBar(*stats, 30)))
	}

	if len(ls.WaveCommits) > 0 {
		rows = append(rows, "", StyleTitle.Render("Checkpoints"))
		for _, wc := range ls.WaveCommits {
			commit := wc.Commit
			if commit == "" {
				commit = StyleStatusPending.Render("(no changes)")
			} else if len(commit) > 12 {
				commit = commit[:12]
			}
			rows = append(rows, fmt.Sprintf("  wave %d  %s  tasks %s", wc.Wave, commit, strings.Join(wc.TasksCompleted, ", ")))
		}
	}

	if len(ls.BlockedTasks) > 0 {
		rows = append(rows, "", StyleTitle.Render("Blocked"))
		for _, b := range ls.BlockedTasks {
			rows = append(rows, StyleStatusFailed.Render(fmt.Sprintf("  %s %s", b.TaskID, b.Title))+
				fmt.Sprintf(" (%d attempts): %s", b.Attempts, b.Reason))
		}
	}

	return StyleBox.Render(strings.Join(rows, "\n"))
}

// ProgressBar draws done, blocked, in-progress and pending shares of stats.
func ProgressBar(stats taskgraph.Stats, width int) string {
	if stats.Total == 0 || width <= 0 {
		return ""
	}
	doneW := stats.Done * width / stats.Total
	blockedW := stats.Blocked * width / stats.Total
	runningW := stats.InProgress * width / stats.Total
	pendingW := max(0, width-doneW-blockedW-runningW)

	return StyleStatusComplete.Render(strings.Repeat("=", doneW)) +
		StyleStatusFailed.Render(strings.Repeat("x", blockedW)) +
		StyleStatusRunning.Render(strings.Repeat(">", runningW)) +
		StyleStatusPending.Render(strings.Repeat("-", pendingW)) +
		fmt.Sprintf(" %d%%", stats.Done*100/stats.Total)
}

// Tune renders every variant of a task waiting for a human decision.
func Tune(ts *state.TuneState, showPrompts bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", StyleTitle.Render(fmt.Sprintf("Task %s: %s", ts.TaskID, ts.TaskTitle)))

	selected := 0
	if ts.SelectedVariant != nil {
		selected = *ts.SelectedVariant
	}
	for _, a := range ts.Attempts {
		marker := "  "
		if a.Attempt == selected {
			marker = StyleStatusPaused.Render("* ")
		}
		verifyText := StyleStatusFailed.Render("verify failed")
		if a.VerifyPassed {
			verifyText = StyleStatusComplete.Render("verify passed")
		}
		fmt.Fprintf(&b, "%sVariant %d  %s  agent: %s  %s\n", marker, a.Attempt, a.Timestamp.Local().Format(timeLayout), a.Verdict, verifyText)
		if a.Refinement != "" {
			fmt.Fprintf(&b, "    refinement: %s\n", firstLine(a.Refinement))
		}
		if showPrompts {
			fmt.Fprintf(&b, "\n%s\n\n", indent(a.Prompt, "    "))
		}
	}
	if ts.CustomPrompt != nil {
		fmt.Fprintf(&b, "\n%s %s\n", StyleStatusPaused.Render("Custom prompt set:"), firstLine(*ts.CustomPrompt))
	}
	if !ts.HasSelection() {
		b.WriteString("\n" + StyleHelp.Render("Pick a variant with `descartes loop tune select <n>` or write one with `descartes loop tune prompt <text|@file>`, then `descartes loop resume`."))
	}
	return StyleTuneBox.Render(strings.TrimRight(b.String(), "\n"))
}

// History renders recorded attempts oldest first.
func History(records []persistence.AttemptRecord) string {
	if len(records) == 0 {
		return StyleHelp.Render("no attempts recorded")
	}
	var b strings.Builder
	for _, r := range records {
		status := StyleStatusFailed.Render("failed")
		if r.Succeeded() {
			status = StyleStatusComplete.Render("passed")
		}
		fmt.Fprintf(&b, "%s  task %s  attempt %d  %s  agent: %s\n",
			r.Timestamp.Local().Format(timeLayout), r.TaskID, r.Attempt, status, r.Verdict)
		if r.Refinement != "" {
			fmt.Fprintf(&b, "    refinement: %s\n", firstLine(r.Refinement))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Runs renders recorded runs newest last.
func Runs(runs []persistence.Run) string {
	if len(runs) == 0 {
		return StyleHelp.Render("no runs recorded")
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s  %s  %s  iterations %d  completed %d",
			r.StartedAt.Local().Format(timeLayout), r.RunID,
			StatusStyle(r.Status).Render(string(r.Status)), r.Iterations, r.TasksCompleted)
		if r.ExitReason != "" {
			fmt.Fprintf(&b, "  (%s)", r.ExitReason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// EventLine formats one event as a single progress line. Unknown events
// render as "".
func EventLine(ev events.Event) string {
	switch e := ev.(type) {
	case events.LoopStatusEvent:
		line := fmt.Sprintf("loop %s: %s", e.Tag, StatusStyle(state.Status(e.Status)).Render(e.Status))
		if e.Reason != "" {
			line += " (" + e.Reason + ")"
		}
		return line
	case events.LoopProgressEvent:
		return StyleHelp.Render(fmt.Sprintf("wave %d  iteration %d  ", e.Wave, e.Iteration)) + ProgressBar(e.Stats, 20)
	case events.TaskStartedEvent:
		return fmt.Sprintf("%s task %s %s (wave %d)", StyleStatusRunning.Render("start"), e.ID, e.Title, e.Wave)
	case events.TaskAttemptEvent:
		verifyText := StyleStatusFailed.Render("verify failed")
		if e.VerifyPassed {
			verifyText = StyleStatusComplete.Render("verify passed")
		}
		return fmt.Sprintf("  task %s attempt %d: agent %s, %s in %s", e.ID, e.Attempt, e.Verdict, verifyText, e.Duration.Round(time.Millisecond))
	case events.TaskRefinedEvent:
		return fmt.Sprintf("  task %s refined after attempt %d: %s", e.ID, e.Attempt, firstLine(e.Refinement))
	case events.TaskCompletedEvent:
		return fmt.Sprintf("%s task %s after %d attempt(s)", StyleStatusComplete.Render("done"), e.ID, e.Attempts)
	case events.TaskBlockedEvent:
		return fmt.Sprintf("%s task %s: %s", StyleStatusFailed.Render("blocked"), e.ID, e.Reason)
	case events.TaskAwaitingTuneEvent:
		return fmt.Sprintf("%s task %s after %d attempts", StyleStatusPaused.Render("awaiting tune"), e.ID, e.Attempts)
	case events.TaskMergedEvent:
		if e.Applied {
			return fmt.Sprintf("  task %s changes applied", e.ID)
		}
		if len(e.ConflictFiles) > 0 {
			return fmt.Sprintf("  task %s changes conflict: %s", e.ID, strings.Join(e.ConflictFiles, ", "))
		}
		return fmt.Sprintf("  task %s made no changes", e.ID)
	case events.WaveCompletedEvent:
		commit := e.Commit
		if commit == "" {
			commit = "no commit"
		} else if len(commit) > 12 {
			commit = commit[:12]
		}
		return fmt.Sprintf("%s wave %d (%s), tasks %s", StyleStatusComplete.Render("checkpoint"), e.Wave, commit, strings.Join(e.Tasks, ", "))
	}
	return ""
}

// Follow writes a line per event until ch is closed or ctx is done.
func Follow(ctx context.Context, w io.Writer, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if line := EventLine(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
