package taskgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Stats summarizes task counts for a tag.
type Stats struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Deferred   int `json:"deferred,omitempty"`
	Expanded   int `json:"expanded,omitempty"`
}

// IsComplete reports whether no task is left to run or to unblock.
func (s Stats) IsComplete() bool {
	return s.Pending == 0 && s.InProgress == 0 && s.Blocked == 0
}

func (s Stats) String() string {
	return fmt.Sprintf("total=%d done=%d pending=%d in_progress=%d blocked=%d",
		s.Total, s.Done, s.Pending, s.InProgress, s.Blocked)
}

var statsField = regexp.MustCompile(`(?i)(total|done|pending|in[ _-]?progress|blocked|deferred|expanded)\s*:\s*(\d+)`)

// ParseStats decodes `stats` output. JSON is preferred; the plain text form
// "Total: 12, Done: 5, Pending: 4, In Progress: 2, Blocked: 1" is accepted
// for task stores without a JSON mode.
func ParseStats(out []byte) (Stats, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return Stats{}, fmt.Errorf("empty stats output")
	}

	if trimmed[0] == '{' {
		var s Stats
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Stats{}, fmt.Errorf("parsing stats json: %w", err)
		}
		return s, nil
	}

	matches := statsField.FindAllStringSubmatch(string(trimmed), -1)
	if len(matches) == 0 {
		return Stats{}, fmt.Errorf("unrecognized stats output: %q", truncate(string(trimmed), 120))
	}

	var s Stats
	for _, m := range matches {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return Stats{}, fmt.Errorf("stats field %s: %w", m[1], err)
		}
		key := strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(m[1]))
		switch key {
		case "total":
			s.Total = n
		case "done":
			s.Done = n
		case "pending":
			s.Pending = n
		case "inprogress":
			s.InProgress = n
		case "blocked":
			s.Blocked = n
		case "deferred":
			s.Deferred = n
		case "expanded":
			s.Expanded = n
		}
	}
	return s, nil
}

// StatsFor counts tasks by status.
func StatsFor(tasks []Task) Stats {
	s := Stats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusDone:
			s.Done++
		case StatusInProgress:
			s.InProgress++
		case StatusBlocked:
			s.Blocked++
		case StatusDeferred:
			s.Deferred++
		default:
			s.Pending++
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
