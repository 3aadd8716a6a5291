package checkpoint

import (
	"context"
	"regexp"
	"strings"

	"github.com/kokistudios/harness/internal/tracker"
)

type Action string

const (
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
)

// FileChange is a file the session touched.
type FileChange struct {
	Path   string `json:"path" yaml:"path"`
	Action Action `json:"action" yaml:"action"`
}

// extractRule matches one kind of evidence in transcript text. Tool rules
// trust their capture; prose rules run it through IsLikelyPath.
type extractRule struct {
	re     *regexp.Regexp
	action Action
	prose  bool
}

// Rules are applied per message in this order; the first sighting of a
// path fixes its action.
var extractRules = []extractRule{
	{regexp.MustCompile(`Write.*?file_path["\s:]+([^\s"]+)`), ActionCreated, false},
	{regexp.MustCompile(`Edit.*?file_path["\s:]+([^\s"]+)`), ActionModified, false},
	{regexp.MustCompile("(?:created|wrote|Created)\\s+[`'\"]?([^\\s`'\"]+)[`'\"]?"), ActionCreated, true},
	{regexp.MustCompile("(?:modified|updated|edited)\\s+[`'\"]?([^\\s`'\"]+)[`'\"]?"), ActionModified, true},
}

// ExtractModifiedFiles scans transcript message text for evidence of file
// writes and edits. Results are deduplicated by path in first-seen order.
// This is a heuristic; misses and false positives are expected.
func ExtractModifiedFiles(messages []string) []FileChange {
	seen := make(map[string]bool)
	var out []FileChange
	for _, msg := range messages {
		for _, rule := range extractRules {
			for _, m := range rule.re.FindAllStringSubmatch(msg, -1) {
				path := m[1]
				if seen[path] || (rule.prose && !IsLikelyPath(path)) {
					continue
				}
				seen[path] = true
				out = append(out, FileChange{Path: path, Action: rule.action})
			}
		}
	}
	return out
}

const maxPathLen = 200

// IsLikelyPath filters prose captures: a path needs a separator or an
// extension, must not be a URL, and must be short.
func IsLikelyPath(s string) bool {
	if !strings.ContainsAny(s, "./") {
		return false
	}
	if strings.HasPrefix(s, "http") || strings.HasPrefix(s, "git@") {
		return false
	}
	return len(s) <= maxPathLen
}

// ActiveTask asks the tracker for the current task. Any failure yields nil.
func ActiveTask(ctx context.Context, t tracker.Tracker) *tracker.Task {
	if t == nil {
		return nil
	}
	task, err := t.Current(ctx)
	if err != nil {
		return nil
	}
	return task
}
