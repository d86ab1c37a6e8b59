package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRuleSet(t *testing.T, dir, filename, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		t.Fatalf("write ruleset: %v", err)
	}
}

const testingRuleYAML = `
name: Testing Guidelines
description: How we write tests
triggers:
  - test
  - spec
principles:
  - Tests should be deterministic
rules:
  - text: Prefer table-driven tests
    priority: 5
anti_patterns:
  - Sleeping in tests
`

func TestManagerLoadsBuiltinRuleSet(t *testing.T) {
	builtin := t.TempDir()
	writeRuleSet(t, builtin, "testing.yaml", testingRuleYAML)

	m := NewManager(builtin, t.TempDir())
	rs, ok := m.GetRuleSet(CategoryTesting)
	if !ok {
		t.Fatalf("expected testing ruleset to load")
	}
	if rs.Name != "Testing Guidelines" {
		t.Fatalf("unexpected name: %q", rs.Name)
	}
}

func TestManagerProjectOverridesBuiltin(t *testing.T) {
	builtin := t.TempDir()
	writeRuleSet(t, builtin, "testing.yaml", testingRuleYAML)

	workDir := t.TempDir()
	projectDir := filepath.Join(workDir, ".kira", "rules")
	writeRuleSet(t, projectDir, "testing.yaml", `
name: Project Testing Overrides
triggers:
  - test
`)

	m := NewManager(builtin, workDir)
	rs, ok := m.GetRuleSet(CategoryTesting)
	if !ok {
		t.Fatalf("expected testing ruleset to load")
	}
	if rs.Name != "Project Testing Overrides" {
		t.Fatalf("expected project override to win, got %q", rs.Name)
	}
}

func TestManagerGetContextFormatsMatches(t *testing.T) {
	builtin := t.TempDir()
	writeRuleSet(t, builtin, "testing.yaml", testingRuleYAML)

	m := NewManager(builtin, t.TempDir())
	ctx := m.GetContext("write a unit test for the parser", 3)
	if ctx == "" {
		t.Fatalf("expected non-empty context for matching task")
	}
	if m.GetContext("refactor the UI layout", 3) != "" {
		t.Fatalf("expected no context for non-matching task")
	}
}
