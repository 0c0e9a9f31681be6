package orchestrator

import (
	"fmt"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/verdict"
)

// composePrompt appends the fixed agent instructions to a task spec.
func composePrompt(spec, verifyCommand string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(spec, "\n"))
	sb.WriteString("\n\n---\n\n# Instructions\n\n")
	sb.WriteString("Implement exactly this task in the current working directory. Do not work on other tasks.\n\n")
	if verifyCommand != "" {
		fmt.Fprintf(&sb, "Before reporting completion, run the verification command and make sure it passes:\n\n    %s\n\n", verifyCommand)
	} else {
		sb.WriteString("Before reporting completion, check your work against the task's test strategy.\n\n")
	}
	fmt.Fprintf(&sb, "When the task is complete, end your response with:\n\n%s\n\n", verdict.CompleteSentinel)
	fmt.Fprintf(&sb, "If you cannot complete the task, end your response with:\n\n%s <reason>\n", verdict.BlockedSentinel)
	return sb.String()
}
