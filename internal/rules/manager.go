package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// rawRuleSet mirrors the on-disk YAML shape (manager.py's _parse_ruleset),
// kept distinct from RuleSet so Category can be parsed leniently.
type rawRuleSet struct {
	Name         string            `yaml:"name"`
	Category     string            `yaml:"category"`
	Description  string            `yaml:"description"`
	Triggers     []string          `yaml:"triggers"`
	Rules        []rawRule         `yaml:"rules"`
	AntiPatterns []string          `yaml:"anti_patterns"`
	Principles   []string          `yaml:"principles"`
	Examples     map[string]string `yaml:"examples"`
}

type rawRule struct {
	Text     string `yaml:"text"`
	Priority int    `yaml:"priority"`
	Category string `yaml:"category"`
}

// Manager loads rulesets from three directories, layered in override
// order — builtin, then user (~/.kira/rules/), then project (.kira/rules/
// under the working directory) — keyed by category, so a project ruleset
// for "testing" replaces the builtin one of the same category. Ported from
// rules/manager.py's RulesManager.
type Manager struct {
	BuiltinDir string
	UserDir    string
	ProjectDir string
	Logger     *slog.Logger

	mu       sync.Mutex
	loaded   bool
	rulesets map[Category]RuleSet
}

// NewManager builds a Manager for workingDir, defaulting UserDir to
// ~/.kira/rules and ProjectDir to {workingDir}/.kira/rules.
func NewManager(builtinDir, workingDir string) *Manager {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return &Manager{
		BuiltinDir: builtinDir,
		UserDir:    filepath.Join(home, ".kira", "rules"),
		ProjectDir: filepath.Join(workingDir, ".kira", "rules"),
		Logger:     slog.Default(),
		rulesets:   make(map[Category]RuleSet),
	}
}

// Load reads every YAML ruleset file from the three directories in
// override order. Safe to call repeatedly; only the first call does work.
func (m *Manager) Load() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return
	}
	m.loaded = true

	for _, dir := range []string{m.BuiltinDir, m.UserDir, m.ProjectDir} {
		if dir == "" {
			continue
		}
		m.loadDir(dir)
	}
}

func (m *Manager) loadDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		rs, err := m.parseRuleSetFile(path)
		if err != nil {
			m.Logger.Warn("failed to load ruleset", "path", path, "error", err)
			continue
		}
		m.rulesets[rs.Category] = rs
	}
}

func (m *Manager) parseRuleSetFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, err
	}
	var raw rawRuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, err
	}

	category := raw.Category
	if category == "" {
		category = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}

	rs := RuleSet{
		Name:         raw.Name,
		Category:     CategoryFromString(category),
		Description:  raw.Description,
		Triggers:     raw.Triggers,
		AntiPatterns: raw.AntiPatterns,
		Principles:   raw.Principles,
		Examples:     raw.Examples,
	}
	if rs.Name == "" {
		rs.Name = string(rs.Category)
	}
	for _, r := range raw.Rules {
		rs.Rules = append(rs.Rules, Rule{Text: r.Text, Priority: r.Priority, Category: r.Category})
	}
	return rs, nil
}

// GetRuleSet returns the loaded ruleset for a category, if any.
func (m *Manager) GetRuleSet(category Category) (RuleSet, bool) {
	m.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rulesets[category]
	return rs, ok
}

// GetAllRuleSets returns every loaded ruleset, sorted by category name for
// deterministic output.
func (m *Manager) GetAllRuleSets() []RuleSet {
	m.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RuleSet, 0, len(m.rulesets))
	for _, rs := range m.rulesets {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetMatchingRuleSets returns every loaded ruleset whose triggers match task.
func (m *Manager) GetMatchingRuleSets(task string) []RuleSet {
	var matches []RuleSet
	for _, rs := range m.GetAllRuleSets() {
		if rs.MatchesTask(task) {
			matches = append(matches, rs)
		}
	}
	return matches
}

// GetContext formats up to maxRuleSets matching rulesets for injection into
// an agent prompt (manager.py's get_context).
func (m *Manager) GetContext(task string, maxRuleSets int) string {
	if maxRuleSets <= 0 {
		maxRuleSets = 3
	}
	matches := m.GetMatchingRuleSets(task)
	if len(matches) == 0 {
		return ""
	}
	if len(matches) > maxRuleSets {
		matches = matches[:maxRuleSets]
	}

	var sections []string
	for _, rs := range matches {
		sections = append(sections, rs.ToPrompt(10))
	}
	return fmt.Sprintf("# Relevant Guidelines\n\n%s", strings.Join(sections, "\n\n---\n\n"))
}

// ListCategories returns the categories of every loaded ruleset.
func (m *Manager) ListCategories() []Category {
	m.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Category, 0, len(m.rulesets))
	for c := range m.rulesets {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	defaultManager   *Manager
	defaultManagerMu sync.Mutex
)

// GetManager returns a process-wide singleton Manager scoped to
// workingDir, creating it on first use (manager.py's get_rules_manager).
func GetManager(builtinDir, workingDir string) *Manager {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(builtinDir, workingDir)
	}
	return defaultManager
}
