package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/kira-run/kira/internal/integrations/gitlab"
	"github.com/kira-run/kira/internal/serverapi"
	"github.com/kira-run/kira/internal/worker"
)

var slugifyRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify converts text to a URL-safe slug suitable for branch names
// (executors/gitlab.py's _slugify).
func slugify(text string) string {
	s := slugifyRe.ReplaceAllString(strings.ToLower(text), "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}

// GitLabExecutor executes "gitlab_create_project" and "gitlab_push" tasks
// using locally stored GitLab credentials, ported from
// worker/executors/gitlab.py's GitLabExecutor.
type GitLabExecutor struct {
	Server   *worker.ServerClient
	WorkerID string
	Logger   *slog.Logger
}

func NewGitLabExecutor(server *worker.ServerClient, workerID string) *GitLabExecutor {
	return &GitLabExecutor{Server: server, WorkerID: workerID, Logger: slog.Default()}
}

func (e *GitLabExecutor) Execute(ctx context.Context, task serverapi.TaskDTO, workingDir string) error {
	var payload map[string]any
	if task.PayloadJSON == "" {
		payload = map[string]any{}
	} else if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Invalid payload_json: %v", err), "")
	}

	switch task.TaskType {
	case "gitlab_create_project":
		return e.createProject(ctx, task, payload)
	case "gitlab_push":
		return e.push(ctx, task, payload, workingDir)
	default:
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Unknown GitLab task type: "+task.TaskType, "")
	}
}

func (e *GitLabExecutor) createProject(ctx context.Context, task serverapi.TaskDTO, payload map[string]any) error {
	name, _ := payload["name"].(string)
	if name == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Missing 'name' in payload", "")
	}

	e.reportProgress(ctx, task.ID, "Loading GitLab credentials...")

	config := gitlab.LoadConfig()
	if !config.IsConfigured() {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "GitLab not configured. Set GITLAB_SERVER and GITLAB_TOKEN.", "")
	}
	client := gitlab.NewClient(config.Server, config.Token)

	e.reportProgress(ctx, task.ID, fmt.Sprintf("Creating project: %s", name))

	visibility, _ := payload["visibility"].(string)
	if visibility == "" {
		visibility = "private"
	}
	description, _ := payload["description"].(string)
	var namespaceID *int
	if raw, ok := payload["namespace_id"].(float64); ok {
		v := int(raw)
		namespaceID = &v
	}

	project, err := client.CreateProject(gitlab.CreateProjectInput{
		Name: name, NamespaceID: namespaceID, Visibility: visibility, Description: description,
	})
	if err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("GitLab project creation failed: %v", err), "")
	}

	resultText := fmt.Sprintf("Created GitLab project: %s", orDefault(project.PathWithNamespace, name))
	if project.WebURL != "" {
		resultText += "\n" + project.WebURL
	}
	e.Logger.Info("task completed", "task_id", task.ID, "path_with_namespace", project.PathWithNamespace)

	defaultBranch := project.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, resultText, map[string]any{
		"project_id":         project.ID,
		"path_with_namespace": project.PathWithNamespace,
		"web_url":             project.WebURL,
		"default_branch":      defaultBranch,
	})
}

func (e *GitLabExecutor) push(ctx context.Context, task serverapi.TaskDTO, payload map[string]any, workingDir string) error {
	projectID, ok := payload["project_id"].(float64)
	if !ok || projectID == 0 {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Missing 'project_id' in payload", "")
	}

	e.reportProgress(ctx, task.ID, "Loading GitLab credentials...")

	config := gitlab.LoadConfig()
	if !config.IsConfigured() {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "GitLab not configured. Set GITLAB_SERVER and GITLAB_TOKEN.", "")
	}

	cardTitle, _ := payload["card_title"].(string)
	if cardTitle == "" {
		cardTitle = "changes"
	}
	cardIDShort := task.CardID
	if len(cardIDShort) > 8 {
		cardIDShort = cardIDShort[:8]
	}
	mrPrefix, _ := payload["mr_prefix"].(string)
	if mrPrefix == "" {
		mrPrefix = "kira/"
	}
	branchName, _ := payload["branch_name"].(string)
	if branchName == "" {
		branchName = fmt.Sprintf("%s%s-%s", mrPrefix, cardIDShort, slugify(cardTitle))
	}
	defaultBranch, _ := payload["default_branch"].(string)
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	commitMessage, _ := payload["commit_message"].(string)
	if commitMessage == "" {
		commitMessage = "feat: " + cardTitle
	}
	createMR := true
	if v, ok := payload["create_mr"].(bool); ok {
		createMR = v
	}
	mrTitle, _ := payload["mr_title"].(string)
	if mrTitle == "" {
		mrTitle = cardTitle
	}

	e.reportProgress(ctx, task.ID, fmt.Sprintf("Creating branch: %s", branchName))

	if out, err := runGit(workingDir, "checkout", "-b", branchName); err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Git operation failed: %s", out), "")
	}
	if out, err := runGit(workingDir, "add", "-A"); err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Git operation failed: %s", out), "")
	}
	if out, err := runGit(workingDir, "commit", "-m", commitMessage); err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Git operation failed: %s", out), "")
	}

	e.reportProgress(ctx, task.ID, "Pushing to GitLab...")

	if out, err := runGit(workingDir, "push", "-u", "origin", branchName); err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Git operation failed: %s", out), "")
	}

	resultText := fmt.Sprintf("Pushed branch `%s` to GitLab", branchName)
	resultData := map[string]any{"branch_name": branchName}

	if createMR {
		e.reportProgress(ctx, task.ID, "Creating merge request...")

		client := gitlab.NewClient(config.Server, config.Token)
		mr, err := client.CreateMergeRequest(int(projectID), branchName, defaultBranch, mrTitle,
			fmt.Sprintf("Changes from Kira card %s", orDefault(task.CardID, "unknown")))
		if err != nil {
			// MR creation failed but the push succeeded — report partial success,
			// never fail_task here.
			resultText += fmt.Sprintf("\nMerge request creation failed: %v", err)
			resultData["mr_error"] = err.Error()
		} else {
			resultText += "\nMerge request: " + mr.WebURL
			resultData["mr_url"] = mr.WebURL
			resultData["mr_iid"] = mr.IID
		}
	}

	e.Logger.Info("task completed", "task_id", task.ID, "result", resultText)
	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, resultText, resultData)
}

func runGit(workingDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (e *GitLabExecutor) reportProgress(ctx context.Context, taskID, text string) {
	if err := e.Server.ReportProgress(ctx, taskID, e.WorkerID, text, worker.ReportProgressOpts{}); err != nil {
		e.Logger.Debug("progress report failed", "task_id", taskID, "error", err)
	}
}
