package failures

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/failures_test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordFailureInsertsThenIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.RecordFailure(ctx, "import_error", "ModuleNotFoundError: foo", "billing task", "", nil, nil)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}

	id2, err := s.RecordFailure(ctx, "import_error", "ModuleNotFoundError: foo", "billing task", "pip install foo", nil, nil)
	if err != nil {
		t.Fatalf("record failure again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected repeat failure to upsert same row, got %d and %d", id1, id2)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected 1 distinct failure, got %d", stats.Total)
	}
	if stats.WithSolutions != 1 {
		t.Fatalf("expected 1 failure with a solution, got %d", stats.WithSolutions)
	}
}

func TestGetRelevantWarningsScoresAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordFailure(ctx, "import_error", "ModuleNotFoundError: billing_sdk",
		"install the billing sdk", "pip install billing-sdk",
		[]string{"billing", "sdk"}, []string{"billing.go"}); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, err := s.RecordFailure(ctx, "timeout_error", "request timed out",
		"slow network call", "increase timeout",
		[]string{"network", "timeout"}, []string{"http.go"}); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	warnings, err := s.GetRelevantWarnings(ctx, "fix the billing sdk import error", []string{"internal/billing.go"}, 0.3, 3)
	if err != nil {
		t.Fatalf("get relevant warnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 relevant warning, got %d", len(warnings))
	}
	if warnings[0].ErrorType != "import_error" {
		t.Fatalf("expected import_error warning, got %q", warnings[0].ErrorType)
	}
}

func TestGetContextStringEmptyWhenNoWarnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetContextString(ctx, "an unrelated task", nil)
	if err != nil {
		t.Fatalf("get context string: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty context string, got %q", got)
	}
}
