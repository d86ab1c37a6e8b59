// Package failures implements the Failure Memory half of the Rules &
// Failure Memory component (C12): a sqlite-backed store of past task
// failures, scored against new tasks so their solutions can be injected as
// warnings before the same mistake repeats. Ported from memory/failures.py.
package failures

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one remembered failure (memory/failures.py's FailurePattern).
type Pattern struct {
	ID              int64
	ErrorType       string
	ErrorMessage    string
	Context         string
	Solution        string
	TaskKeywords    []string
	FilePatterns    []string
	OccurrenceCount int
}

// MatchesContext scores how relevant this pattern is to a new task
// (memory/failures.py's FailurePattern.matches_context): 0.4 weight on
// keyword overlap, 0.3 weight on file-pattern overlap, plus a 0.3 boost if
// the error type is mentioned directly in the task text, capped at 1.0.
func (p Pattern) MatchesContext(task string, files []string) float64 {
	var score float64
	taskLower := strings.ToLower(task)

	if len(p.TaskKeywords) > 0 {
		matched := 0
		for _, kw := range p.TaskKeywords {
			if strings.Contains(taskLower, strings.ToLower(kw)) {
				matched++
			}
		}
		score += 0.4 * (float64(matched) / float64(len(p.TaskKeywords)))
	}

	if len(p.FilePatterns) > 0 && len(files) > 0 {
		matched := 0
		for _, fp := range p.FilePatterns {
			for _, f := range files {
				if strings.Contains(f, fp) {
					matched++
					break
				}
			}
		}
		score += 0.3 * (float64(matched) / float64(len(p.FilePatterns)))
	}

	if p.ErrorType != "" && strings.Contains(taskLower, strings.ToLower(p.ErrorType)) {
		score += 0.3
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ToWarning formats the pattern as a short, emoji-prefixed warning for
// prompt injection (memory/failures.py's FailurePattern.to_warning).
func (p Pattern) ToWarning() string {
	msg := p.ErrorMessage
	if len(msg) > 100 {
		msg = msg[:100] + "..."
	}
	warning := fmt.Sprintf("⚠️ Previously encountered %s: %s", p.ErrorType, msg)
	if p.Solution != "" {
		solution := p.Solution
		if len(solution) > 150 {
			solution = solution[:150] + "..."
		}
		warning += fmt.Sprintf(" (Solution: %s)", solution)
	}
	return warning
}

// errorPatterns maps error types to regexes that detect them in raw task
// output (memory/failures.py's ERROR_PATTERNS).
var errorPatterns = map[string][]*regexp.Regexp{
	"import_error": {
		regexp.MustCompile(`(?i)ModuleNotFoundError`),
		regexp.MustCompile(`(?i)ImportError`),
		regexp.MustCompile(`(?i)cannot find module`),
		regexp.MustCompile(`(?i)no such package`),
	},
	"type_error": {
		regexp.MustCompile(`(?i)TypeError`),
		regexp.MustCompile(`(?i)type mismatch`),
		regexp.MustCompile(`(?i)cannot use .* as .* value`),
	},
	"syntax_error": {
		regexp.MustCompile(`(?i)SyntaxError`),
		regexp.MustCompile(`(?i)unexpected token`),
		regexp.MustCompile(`(?i)expected .* found`),
	},
	"test_failure": {
		regexp.MustCompile(`(?i)FAILED`),
		regexp.MustCompile(`(?i)AssertionError`),
		regexp.MustCompile(`(?i)test failed`),
	},
	"permission_error": {
		regexp.MustCompile(`(?i)PermissionError`),
		regexp.MustCompile(`(?i)permission denied`),
		regexp.MustCompile(`(?i)access is denied`),
	},
	"timeout_error": {
		regexp.MustCompile(`(?i)TimeoutError`),
		regexp.MustCompile(`(?i)timed out`),
		regexp.MustCompile(`(?i)deadline exceeded`),
	},
	"connection_error": {
		regexp.MustCompile(`(?i)ConnectionError`),
		regexp.MustCompile(`(?i)connection refused`),
		regexp.MustCompile(`(?i)connection reset`),
	},
	"file_not_found": {
		regexp.MustCompile(`(?i)FileNotFoundError`),
		regexp.MustCompile(`(?i)no such file or directory`),
	},
	"key_error": {
		regexp.MustCompile(`(?i)KeyError`),
		regexp.MustCompile(`(?i)undefined key`),
		regexp.MustCompile(`(?i)key not found`),
	},
	"value_error": {
		regexp.MustCompile(`(?i)ValueError`),
		regexp.MustCompile(`(?i)invalid value`),
	},
}

// errorTypeOrder fixes detection order so the first matching pattern wins
// deterministically, mirroring Python dict insertion order.
var errorTypeOrder = []string{
	"import_error", "type_error", "syntax_error", "test_failure",
	"permission_error", "timeout_error", "connection_error",
	"file_not_found", "key_error", "value_error",
}

// DetectErrorType scans output for a known error signature, returning ""
// if none match (memory/failures.py's detect_error_type).
func DetectErrorType(output string) string {
	for _, errType := range errorTypeOrder {
		for _, re := range errorPatterns[errType] {
			if re.MatchString(output) {
				return errType
			}
		}
	}
	return ""
}

// ExtractErrorMessage pulls the line containing the first pattern match for
// errorType out of output, falling back to the last non-empty line
// (memory/failures.py's extract_error_message).
func ExtractErrorMessage(output, errorType string) string {
	patterns, ok := errorPatterns[errorType]
	if ok {
		for _, line := range strings.Split(output, "\n") {
			for _, re := range patterns {
				if re.MatchString(line) {
					return strings.TrimSpace(line)
				}
			}
		}
	}

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "have": true, "are": true, "was": true,
	"were": true, "has": true, "had": true, "not": true, "but": true,
	"can": true, "will": true, "would": true, "should": true, "could": true,
	"into": true, "onto": true, "over": true, "under": true, "about": true,
}

var wordRe = regexp.MustCompile(`[a-z]+`)

// extractKeywords pulls up to 10 order-preserving, deduplicated,
// stopword-filtered lowercase words longer than 2 characters out of task
// (memory/failures.py's _extract_keywords).
func extractKeywords(task string) []string {
	words := wordRe.FindAllString(strings.ToLower(task), -1)
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if len(w) <= 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) >= 10 {
			break
		}
	}
	return out
}
