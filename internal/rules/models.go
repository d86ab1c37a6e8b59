// Package rules implements the Rules & Failure Memory component (C12): a
// layered (built-in < user < project) ruleset loader that injects
// task-relevant coding guidelines into agent prompts, ported from
// rules/{manager,models}.py.
package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Category enumerates the kinds of rulesets (models.py's RuleCategory).
type Category string

const (
	CategoryCoding        Category = "coding"
	CategoryRefactoring   Category = "refactoring"
	CategoryUIDesign      Category = "ui-design"
	CategoryTesting       Category = "testing"
	CategoryDocumentation Category = "documentation"
	CategorySecurity      Category = "security"
	CategoryPerformance   Category = "performance"
	CategoryCustom        Category = "custom"
)

var knownCategories = map[Category]bool{
	CategoryCoding: true, CategoryRefactoring: true, CategoryUIDesign: true,
	CategoryTesting: true, CategoryDocumentation: true, CategorySecurity: true,
	CategoryPerformance: true, CategoryCustom: true,
}

// CategoryFromString parses a category value, falling back to Custom for
// anything unrecognized (manager.py's except ValueError: category = CUSTOM).
func CategoryFromString(value string) Category {
	c := Category(value)
	if knownCategories[c] {
		return c
	}
	return CategoryCustom
}

// Rule is a single guideline within a RuleSet (models.py's Rule).
type Rule struct {
	Text     string
	Priority int // 1-10, higher = more important
	Category string
}

// RuleSet is a collection of related rules that activate on keyword
// triggers (models.py's RuleSet).
type RuleSet struct {
	Name          string
	Category      Category
	Description   string
	Triggers      []string
	Rules         []Rule
	AntiPatterns  []string
	Principles    []string
	Examples      map[string]string
}

// MatchesTask reports whether any trigger keyword appears in task.
func (rs RuleSet) MatchesTask(task string) bool {
	lower := strings.ToLower(task)
	for _, trigger := range rs.Triggers {
		if strings.Contains(lower, strings.ToLower(trigger)) {
			return true
		}
	}
	return false
}

// ToPrompt formats the ruleset for injection into an agent prompt,
// including up to 5 guiding principles, the top maxRules rules sorted by
// priority, and up to 5 anti-patterns (models.py's RuleSet.to_prompt).
func (rs RuleSet) ToPrompt(maxRules int) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("## %s", rs.Name))

	if rs.Description != "" {
		parts = append(parts, "\n"+rs.Description+"\n")
	}

	if len(rs.Principles) > 0 {
		parts = append(parts, "\n### Guiding Principles")
		for i, p := range rs.Principles {
			if i >= 5 {
				break
			}
			parts = append(parts, "- "+p)
		}
	}

	if len(rs.Rules) > 0 {
		parts = append(parts, "\n### Rules")
		sorted := append([]Rule{}, rs.Rules...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
		if maxRules <= 0 {
			maxRules = 10
		}
		for i, r := range sorted {
			if i >= maxRules {
				break
			}
			parts = append(parts, "- "+r.Text)
		}
	}

	if len(rs.AntiPatterns) > 0 {
		parts = append(parts, "\n### Anti-patterns (avoid these)")
		for i, a := range rs.AntiPatterns {
			if i >= 5 {
				break
			}
			parts = append(parts, "- "+a)
		}
	}

	return strings.Join(parts, "\n")
}
