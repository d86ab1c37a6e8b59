package failures

import "testing"

func TestMatchesContextScoring(t *testing.T) {
	p := Pattern{
		ErrorType:    "import_error",
		TaskKeywords: []string{"billing", "invoice"},
		FilePatterns: []string{"billing.go"},
	}

	score := p.MatchesContext("fix the import_error in the billing module", []string{"internal/billing.go"})
	if score <= 0.5 {
		t.Fatalf("expected high score for strong match, got %v", score)
	}

	noMatch := p.MatchesContext("update the login page", []string{"auth.go"})
	if noMatch != 0 {
		t.Fatalf("expected zero score for unrelated task, got %v", noMatch)
	}
}

func TestMatchesContextCapsAtOne(t *testing.T) {
	p := Pattern{
		ErrorType:    "type_error",
		TaskKeywords: []string{"type"},
		FilePatterns: []string{"x.go"},
	}
	score := p.MatchesContext("type_error in x.go type mismatch", []string{"x.go"})
	if score > 1.0 {
		t.Fatalf("expected score capped at 1.0, got %v", score)
	}
}

func TestToWarningTruncatesLongText(t *testing.T) {
	p := Pattern{
		ErrorType:    "value_error",
		ErrorMessage: repeatString("x", 200),
		Solution:     repeatString("y", 200),
	}
	w := p.ToWarning()
	if len(w) > 400 {
		t.Fatalf("expected warning to be truncated, got length %d", len(w))
	}
}

func TestDetectErrorType(t *testing.T) {
	cases := map[string]string{
		"ModuleNotFoundError: no module named foo": "import_error",
		"TypeError: cannot use string as int":      "type_error",
		"FAILED tests/test_foo.py::test_bar":       "test_failure",
		"nothing matches here":                     "",
	}
	for output, want := range cases {
		if got := DetectErrorType(output); got != want {
			t.Errorf("DetectErrorType(%q) = %q, want %q", output, got, want)
		}
	}
}

func TestExtractErrorMessageFallsBackToLastLine(t *testing.T) {
	got := ExtractErrorMessage("some output\nwith no known pattern\n", "import_error")
	if got != "with no known pattern" {
		t.Fatalf("expected fallback to last non-empty line, got %q", got)
	}
}

func TestExtractKeywordsDedupsAndFiltersStopwords(t *testing.T) {
	keywords := extractKeywords("the quick quick brown fox and the lazy dog")
	seen := make(map[string]bool)
	for _, k := range keywords {
		if seen[k] {
			t.Fatalf("expected no duplicate keywords, got %v", keywords)
		}
		seen[k] = true
		if stopwords[k] {
			t.Fatalf("expected stopwords filtered out, found %q", k)
		}
	}
}

func repeatString(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
