package jira

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitChanges summarizes the working directory's git state for a ticket
// description (formatter.py's get_git_changes).
type GitChanges struct {
	Branch          string
	RecentCommits   []string
	ChangedFiles    []string
	HasUncommitted  bool
}

func GetGitChanges(workingDir string) GitChanges {
	var changes GitChanges

	run := func(args ...string) (string, bool) {
		cmd := exec.Command("git", args...)
		if workingDir != "" {
			cmd.Dir = workingDir
		}
		var out strings.Builder
		cmd.Stdout = &out
		if err := runWithTimeout(cmd, 5*time.Second); err != nil {
			return "", false
		}
		return out.String(), true
	}

	if out, ok := run("rev-parse", "--abbrev-ref", "HEAD"); ok {
		changes.Branch = strings.TrimSpace(out)
	}

	if out, ok := run("log", "--oneline", "-5", "--no-decorate"); ok {
		trimmed := strings.TrimSpace(out)
		if trimmed != "" {
			changes.RecentCommits = strings.Split(trimmed, "\n")
		}
	}

	if out, ok := run("status", "--porcelain"); ok {
		trimmed := strings.TrimSpace(out)
		if trimmed != "" {
			changes.HasUncommitted = true
			for _, line := range strings.Split(trimmed, "\n") {
				if len(line) > 3 {
					changes.ChangedFiles = append(changes.ChangedFiles, line[3:])
				}
			}
		}
	}

	return changes
}

func runWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("git command timed out")
	}
}

// FormatSessionDescriptionOpts mirrors format_session_description's optional
// flags.
type FormatSessionDescriptionOpts struct {
	SessionContext    string
	WorkingDir        string
	IncludeGit        bool
	IncludeTimestamp  bool
}

// FormatSessionDescription formats session data into a Jira Server v2
// (wiki markup) ticket description, ported from formatter.py.
func FormatSessionDescription(summary string, opts FormatSessionDescriptionOpts) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("h3. Summary\n%s", summary))

	if opts.SessionContext != "" {
		parts = append(parts, fmt.Sprintf("h3. Details\n%s", opts.SessionContext))
	}

	if opts.IncludeGit {
		changes := GetGitChanges(opts.WorkingDir)
		if changes.Branch != "" {
			section := []string{"h3. Git Information", fmt.Sprintf("*Branch:* %s", changes.Branch)}

			if len(changes.RecentCommits) > 0 {
				section = append(section, "\n*Recent commits:*")
				for i, c := range changes.RecentCommits {
					if i >= 5 {
						break
					}
					section = append(section, "* "+c)
				}
			}

			if len(changes.ChangedFiles) > 0 {
				section = append(section, "\n*Changed files:*")
				for i, f := range changes.ChangedFiles {
					if i >= 10 {
						break
					}
					section = append(section, "* "+f)
				}
				if len(changes.ChangedFiles) > 10 {
					section = append(section, fmt.Sprintf("* ... and %d more", len(changes.ChangedFiles)-10))
				}
			}

			parts = append(parts, strings.Join(section, "\n"))
		}
	}

	if opts.IncludeTimestamp {
		parts = append(parts, fmt.Sprintf("----\n_Created from kira session at %s_", time.Now().Format("2006-01-02 15:04")))
	}

	return strings.Join(parts, "\n\n")
}

// SuggestLabelsFromContext infers labels from free-text work context,
// always appending "kira-generated" (formatter.py's suggest_labels_from_context).
func SuggestLabelsFromContext(context string) []string {
	lower := strings.ToLower(context)
	var labels []string

	addIf := func(label string, words ...string) {
		for _, w := range words {
			if strings.Contains(lower, w) {
				labels = append(labels, label)
				return
			}
		}
	}

	addIf("bugfix", "fix", "bug", "error", "issue")
	addIf("feature", "feature", "implement", "add", "new")
	addIf("refactor", "refactor", "clean", "improve")
	addIf("testing", "test", "spec", "coverage")
	addIf("documentation", "doc", "readme", "comment")
	addIf("frontend", "ui", "frontend", "css", "style")
	addIf("backend", "api", "backend", "server")
	addIf("devops", "deploy", "ci", "cd", "pipeline")

	return append(labels, "kira-generated")
}

// SuggestIssueType infers a Jira issue type name from free-text work
// context, defaulting to "Task" (formatter.py's suggest_issue_type).
func SuggestIssueType(context string) string {
	lower := strings.ToLower(context)
	switch {
	case containsAny(lower, "bug", "fix", "error", "broken"):
		return "Bug"
	case containsAny(lower, "story", "user story", "as a user"):
		return "Story"
	case containsAny(lower, "epic", "initiative", "theme"):
		return "Epic"
	default:
		return "Task"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
