// Package verdict classifies raw agent output by the sentinels agents are
// instructed to emit.
package verdict

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	CompleteSentinel = "<promise>TASK_COMPLETE</promise>"
	BlockedSentinel  = "<promise>TASK_BLOCKED</promise>"
)

// Kind is the outcome an agent reported for itself.
type Kind int

const (
	Unknown Kind = iota // Neither sentinel present.
	Success             // Completion sentinel was the last sentinel.
	Blocked             // Blocked sentinel was the last sentinel.
)

// String returns a human-readable label for the kind.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind is the inverse of Kind.String. An empty string is Unknown.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "success":
		return Success, nil
	case "blocked":
		return Blocked, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown verdict kind: %s", s)
}

// Verdict is the classification of one agent output. Reason is set only for
// Blocked.
type Verdict struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func (v Verdict) String() string {
	if v.Kind == Blocked && v.Reason != "" {
		return "blocked: " + v.Reason
	}
	return v.Kind.String()
}

// Classify scans output for sentinels. When both appear the one that occurs
// last wins. A blocked reason is the rest of the sentinel's line, or the next
// non-empty line when the rest is blank.
func Classify(output string) Verdict {
	done := strings.LastIndex(output, CompleteSentinel)
	blocked := strings.LastIndex(output, BlockedSentinel)

	switch {
	case done < 0 && blocked < 0:
		return Verdict{Kind: Unknown}
	case done > blocked:
		return Verdict{Kind: Success}
	}
	return Verdict{Kind: Blocked, Reason: blockedReason(output[blocked+len(BlockedSentinel):])}
}

func blockedReason(rest string) string {
	first, tail, _ := strings.Cut(rest, "\n")
	if r := strings.TrimSpace(first); r != "" {
		return r
	}
	for _, line := range strings.Split(tail, "\n") {
		if r := strings.TrimSpace(line); r != "" {
			return r
		}
	}
	return ""
}
