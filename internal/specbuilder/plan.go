package specbuilder

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	headingLine  = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)
	taskRef      = regexp.MustCompile(`(?i)\btask\s*#?\s*([A-Za-z0-9][\w.-]*)`)
	leadingIDRef = regexp.MustCompile(`^\[?([0-9][\w.-]*)\]?[.:)]?(\s|$)`)
	fenceLine    = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})")
)

// PlanSection returns the part of a markdown plan that belongs to taskID: the
// first heading naming the task ("## Task 3: ...", "### 3. ...", "## [3] ...")
// through the line before the next heading of the same or higher level.
func PlanSection(plan, taskID string) (string, bool) {
	if taskID == "" {
		return "", false
	}
	lines := strings.Split(plan, "\n")
	levels, titles := headings(lines)

	start := -1
	for i, title := range titles {
		if levels[i] > 0 && headingNames(title, taskID) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if levels[i] > 0 && levels[i] <= levels[start] {
			end = i
			break
		}
	}

	return strings.TrimSpace(strings.Join(lines[start:end], "\n")), true
}

// headings returns the level and title of each heading line, zero for other
// lines. Lines inside fenced code blocks are never headings.
func headings(lines []string) ([]int, []string) {
	levels := make([]int, len(lines))
	titles := make([]string, len(lines))
	fence := ""
	for i, line := range lines {
		if f := fenceLine.FindStringSubmatch(line); f != nil {
			switch {
			case fence == "":
				fence = f[1]
			case f[1][0] == fence[0] && len(f[1]) >= len(fence) && strings.TrimSpace(line[len(f[0]):]) == "":
				fence = ""
			}
			continue
		}
		if fence != "" {
			continue
		}
		if m := headingLine.FindStringSubmatch(line); m != nil {
			levels[i], titles[i] = len(m[1]), m[2]
		}
	}
	return levels, titles
}

func headingNames(heading, taskID string) bool {
	for _, m := range taskRef.FindAllStringSubmatch(heading, -1) {
		if strings.TrimRight(m[1], ".-") == taskID {
			return true
		}
	}
	if m := leadingIDRef.FindStringSubmatch(heading); m != nil {
		return strings.TrimRight(m[1], ".-") == taskID
	}
	return false
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
