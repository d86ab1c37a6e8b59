package rules

import "testing"

func TestRuleSetMatchesTask(t *testing.T) {
	rs := RuleSet{Triggers: []string{"refactor", "cleanup"}}

	if !rs.MatchesTask("please Refactor the billing module") {
		t.Fatalf("expected case-insensitive trigger match")
	}
	if rs.MatchesTask("add a new endpoint") {
		t.Fatalf("expected no match for unrelated task")
	}
}

func TestRuleSetToPromptOrdersByPriority(t *testing.T) {
	rs := RuleSet{
		Name:       "Coding Standards",
		Principles: []string{"Keep functions small"},
		Rules: []Rule{
			{Text: "low priority rule", Priority: 1},
			{Text: "high priority rule", Priority: 9},
		},
		AntiPatterns: []string{"god objects"},
	}

	prompt := rs.ToPrompt(10)
	highIdx := indexOf(prompt, "high priority rule")
	lowIdx := indexOf(prompt, "low priority rule")
	if highIdx == -1 || lowIdx == -1 || highIdx > lowIdx {
		t.Fatalf("expected higher priority rule to appear first, got:\n%s", prompt)
	}
}

func TestRuleSetToPromptCapsRuleCount(t *testing.T) {
	rs := RuleSet{Name: "Many Rules"}
	for i := 0; i < 20; i++ {
		rs.Rules = append(rs.Rules, Rule{Text: "rule", Priority: i})
	}
	prompt := rs.ToPrompt(3)
	count := countOccurrences(prompt, "- rule")
	if count != 3 {
		t.Fatalf("expected 3 rules in prompt, got %d", count)
	}
}

func TestCategoryFromStringFallsBackToCustom(t *testing.T) {
	if got := CategoryFromString("not-a-real-category"); got != CategoryCustom {
		t.Fatalf("expected fallback to custom, got %q", got)
	}
	if got := CategoryFromString("security"); got != CategorySecurity {
		t.Fatalf("expected security, got %q", got)
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
