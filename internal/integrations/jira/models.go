// Package jira is the Go port of integrations/jira/{models,client,formatter}.py:
// a narrow Jira Server REST API v2 client (Basic Auth), its YAML+env
// credential config, and session-to-ticket formatting helpers, used by the
// Jira Integration Executor (C9).
package jira

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IssueType enumerates the standard Jira issue types (models.py's IssueType).
type IssueType string

const (
	IssueTypeTask          IssueType = "Task"
	IssueTypeBug           IssueType = "Bug"
	IssueTypeStory         IssueType = "Story"
	IssueTypeEpic          IssueType = "Epic"
	IssueTypeSubtask       IssueType = "Sub-task"
	IssueTypeIntakeRequest IssueType = "Intake Request"
)

var issueTypes = []IssueType{
	IssueTypeTask, IssueTypeBug, IssueTypeStory, IssueTypeEpic, IssueTypeSubtask, IssueTypeIntakeRequest,
}

// IssueTypeFromString parses an issue type name case-insensitively, falling
// back to Task (models.py's IssueType.from_string).
func IssueTypeFromString(value string) IssueType {
	lower := strings.ToLower(value)
	for _, it := range issueTypes {
		if strings.ToLower(string(it)) == lower {
			return it
		}
	}
	return IssueTypeTask
}

const defaultServer = "https://jira.charter.com"

// Config is a Jira Server connection, stored securely in ~/.kira/jira.yaml
// with restricted (0600) permissions (models.py's JiraConfig).
type Config struct {
	Server            string   `yaml:"server"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	DefaultProject    string   `yaml:"default_project"`
	DefaultIssueType  IssueType `yaml:"default_issue_type"`
	DefaultLabels     []string `yaml:"default_labels"`
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kira", "jira.yaml")
}

// IsConfigured reports whether server, username and password are all set.
func (c Config) IsConfigured() bool {
	return c.Server != "" && c.Username != "" && c.Password != ""
}

// LoadConfig loads Jira config from the secure file, then applies
// JIRA_SERVER/JIRA_USERNAME/JIRA_PASSWORD/JIRA_PROJECT environment
// overrides (models.py's JiraConfig.load).
func LoadConfig() Config {
	cfg := Config{Server: defaultServer, DefaultIssueType: IssueTypeTask}

	if data, err := os.ReadFile(configPath()); err == nil {
		var raw struct {
			Server           string   `yaml:"server"`
			Username         string   `yaml:"username"`
			Password         string   `yaml:"password"`
			DefaultProject   string   `yaml:"default_project"`
			DefaultIssueType string   `yaml:"default_issue_type"`
			DefaultLabels    []string `yaml:"default_labels"`
		}
		if yaml.Unmarshal(data, &raw) == nil {
			if raw.Server != "" {
				cfg.Server = raw.Server
			}
			cfg.Username = raw.Username
			cfg.Password = raw.Password
			cfg.DefaultProject = raw.DefaultProject
			if raw.DefaultIssueType != "" {
				cfg.DefaultIssueType = IssueTypeFromString(raw.DefaultIssueType)
			}
			cfg.DefaultLabels = raw.DefaultLabels
		}
	}

	if v := os.Getenv("JIRA_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("JIRA_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("JIRA_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("JIRA_PROJECT"); v != "" {
		cfg.DefaultProject = v
	}

	return cfg
}

// Save persists the config to the secure file with 0600 permissions.
func (c Config) Save() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// Issue represents a Jira issue, request or response shaped (models.py's
// JiraIssue).
type Issue struct {
	Key         string
	Summary     string
	Description string
	IssueType   IssueType
	Project     string
	Labels      []string
	Assignee    string
	Priority    string
	Status      string

	ID        string
	SelfURL   string
	BrowseURL string
}

// ToAPIPayloadV2 builds the Jira REST API v2 create-issue payload (plain
// text description, not ADF).
func (i Issue) ToAPIPayloadV2() map[string]any {
	fields := map[string]any{
		"project":   map[string]any{"key": i.Project},
		"summary":   i.Summary,
		"issuetype": map[string]any{"name": string(i.IssueType)},
	}
	if i.Description != "" {
		fields["description"] = i.Description
	}
	if len(i.Labels) > 0 {
		fields["labels"] = i.Labels
	}
	if i.Assignee != "" {
		fields["assignee"] = map[string]any{"name": i.Assignee}
	}
	if i.Priority != "" {
		fields["priority"] = map[string]any{"name": i.Priority}
	}
	return map[string]any{"fields": fields}
}

// IssueFromAPIResponse builds an Issue from a Jira API v2 issue JSON body.
func IssueFromAPIResponse(data map[string]any, server string) Issue {
	fields, _ := data["fields"].(map[string]any)

	status := ""
	if s, ok := fields["status"].(map[string]any); ok {
		status, _ = s["name"].(string)
	}

	var assignee string
	if a, ok := fields["assignee"].(map[string]any); ok {
		assignee, _ = a["name"].(string)
	}

	var labels []string
	if ls, ok := fields["labels"].([]any); ok {
		for _, l := range ls {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	var project string
	if p, ok := fields["project"].(map[string]any); ok {
		project, _ = p["key"].(string)
	}

	issue := Issue{
		Key:         stringField(data, "key"),
		ID:          stringField(data, "id"),
		SelfURL:     stringField(data, "self"),
		Summary:     stringField(fields, "summary"),
		Description: stringField(fields, "description"),
		Project:     project,
		Labels:      labels,
		Status:      status,
		Assignee:    assignee,
		IssueType:   IssueTypeTask,
	}

	if it, ok := fields["issuetype"].(map[string]any); ok {
		if name, ok := it["name"].(string); ok {
			issue.IssueType = IssueTypeFromString(name)
		}
	}

	if server != "" && issue.Key != "" {
		issue.BrowseURL = strings.TrimRight(server, "/") + "/browse/" + issue.Key
	}

	return issue
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
