package pipeline

import "strings"

// Literal fragments that mark a line as a diagnostic. Matched case-insensitively
// against cleaned text. Error literals take precedence over warning literals
// when both appear in one chunk.
var (
	errorLiterals = []string{
		"error",
		"fatal",
		"panic:",
		"exception",
		"traceback",
	}

	warningLiterals = []string{
		"warning",
		"warn:",
		"deprecated",
	}
)

// detectIssues tests cleaned text against the diagnostic literal lists.
// When a match is found, issueLine carries the first matching line for
// the side-channel report.
func detectIssues(text string) (hasError, hasWarning bool, issueLine string) {
	lower := strings.ToLower(text)
	hasError = containsAny(lower, errorLiterals)
	hasWarning = containsAny(lower, warningLiterals)
	if hasError || hasWarning {
		issueLine = firstIssueLine(text)
	}
	return hasError, hasWarning, issueLine
}

func containsAny(lower string, literals []string) bool {
	for _, lit := range literals {
		if strings.Contains(lower, lit) {
			return true
		}
	}
	return false
}

// firstIssueLine walks text line by line and returns the first line that
// contains any diagnostic literal. Lines are lowered individually because
// ToLower may change byte length on non-ASCII input.
func firstIssueLine(text string) string {
	for start := 0; start < len(text); {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		line := text[start:end]
		lower := strings.ToLower(line)
		if containsAny(lower, errorLiterals) || containsAny(lower, warningLiterals) {
			return strings.TrimSpace(line)
		}
		start = end + 1
	}
	return ""
}
