package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kira-run/kira/internal/integrations/jira"
	"github.com/kira-run/kira/internal/serverapi"
	"github.com/kira-run/kira/internal/worker"
)

// jiraPriorityMap maps Jira priority names to Kira priority levels
// (executors/jira.py's _PRIORITY_MAP).
var jiraPriorityMap = map[string]string{
	"Highest": "critical",
	"High":    "high",
	"Medium":  "medium",
	"Low":     "low",
	"Lowest":  "low",
}

// JiraExecutor executes "jira_import", "jira_push" and "jira_sync" tasks
// using locally stored Jira credentials, ported from
// worker/executors/jira.py's JiraExecutor.
type JiraExecutor struct {
	Server   *worker.ServerClient
	WorkerID string
	Logger   *slog.Logger
}

func NewJiraExecutor(server *worker.ServerClient, workerID string) *JiraExecutor {
	return &JiraExecutor{Server: server, WorkerID: workerID, Logger: slog.Default()}
}

func (e *JiraExecutor) Execute(ctx context.Context, task serverapi.TaskDTO, workingDir string) error {
	var payload map[string]any
	if task.PayloadJSON == "" {
		payload = map[string]any{}
	} else if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Invalid payload_json: %v", err), "")
	}

	switch task.TaskType {
	case "jira_import":
		return e.importIssues(ctx, task, payload)
	case "jira_push":
		return e.push(ctx, task, payload)
	case "jira_sync":
		return e.sync(ctx, task)
	default:
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Unknown Jira task type: "+task.TaskType, "")
	}
}

func (e *JiraExecutor) importIssues(ctx context.Context, task serverapi.TaskDTO, payload map[string]any) error {
	jql, _ := payload["jql"].(string)
	columnID, _ := payload["column_id"].(string)

	if jql == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Missing 'jql' in payload", "")
	}
	if columnID == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Missing 'column_id' in payload", "")
	}

	e.reportProgress(ctx, task.ID, "Loading Jira credentials...")

	client, err := jira.NewClient(jira.LoadConfig())
	if err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, err.Error(), "")
	}

	e.reportProgress(ctx, task.ID, fmt.Sprintf("Searching Jira: %s", jql))

	issues, err := client.SearchIssues(jql, "", 0)
	if err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Jira search failed: %v", err), "")
	}

	imported, skipped := 0, 0
	for _, issue := range issues {
		labelsJSON := "[]"
		if len(issue.Labels) > 0 {
			if b, err := json.Marshal(issue.Labels); err == nil {
				labelsJSON = string(b)
			}
		}
		priority := jiraPriorityMap[issue.Priority]
		if priority == "" {
			priority = "medium"
		}

		_, err := e.Server.CreateCard(ctx, serverapi.CreateCardRequest{
			ColumnID: columnID, Title: fmt.Sprintf("[%s] %s", issue.Key, issue.Summary),
			Description: issue.Description, Priority: priority, Labels: labelsJSON,
		})
		if err != nil {
			e.Logger.Warn("failed to create card for issue", "issue_key", issue.Key, "error", err)
			skipped++
		} else {
			imported++
		}

		if (imported+skipped)%5 == 0 {
			e.reportProgress(ctx, task.ID, fmt.Sprintf("Imported %d/%d issues...", imported, len(issues)))
		}
	}

	resultText := fmt.Sprintf("Imported %d issues from Jira", imported)
	if skipped > 0 {
		resultText += fmt.Sprintf(" (%d skipped due to errors)", skipped)
	}
	e.Logger.Info("task completed", "task_id", task.ID, "result", resultText)

	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, resultText, map[string]any{
		"imported": imported, "skipped": skipped,
	})
}

func (e *JiraExecutor) push(ctx context.Context, task serverapi.TaskDTO, payload map[string]any) error {
	cardTitle, _ := payload["card_title"].(string)
	if cardTitle == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Missing 'card_title' in payload", "")
	}

	e.reportProgress(ctx, task.ID, "Pushing to Jira...")

	client, err := jira.NewClient(jira.LoadConfig())
	if err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, err.Error(), "")
	}

	cardDescription, _ := payload["card_description"].(string)
	project, _ := payload["project"].(string)
	issueType, _ := payload["issue_type"].(string)
	if issueType == "" {
		issueType = "Task"
	}
	var labels []string
	if rawLabels, ok := payload["labels"].([]any); ok {
		for _, l := range rawLabels {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	issue, err := client.CreateIssue(jira.CreateIssueInput{
		Summary: cardTitle, Description: cardDescription, Project: project,
		IssueType: jira.IssueTypeFromString(issueType), Labels: labels,
	})
	if err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Jira push failed: %v", err), "")
	}

	resultText := fmt.Sprintf("Created Jira issue: %s", issue.Key)
	if issue.BrowseURL != "" {
		resultText += "\n" + issue.BrowseURL
	}
	e.Logger.Info("task completed", "task_id", task.ID, "issue_key", issue.Key)

	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, resultText, map[string]any{
		"issue_key": issue.Key, "browse_url": issue.BrowseURL,
	})
}

// sync is a placeholder for future implementation (executors/jira.py's
// _sync): fetching Jira statuses and updating cards isn't implemented yet,
// so it reports completion with an empty summary rather than failing.
func (e *JiraExecutor) sync(ctx context.Context, task serverapi.TaskDTO) error {
	e.reportProgress(ctx, task.ID, "Jira sync started...")
	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, "Jira sync is not yet fully implemented", map[string]any{
		"synced": 0,
	})
}

func (e *JiraExecutor) reportProgress(ctx context.Context, taskID, text string) {
	if err := e.Server.ReportProgress(ctx, taskID, e.WorkerID, text, worker.ReportProgressOpts{}); err != nil {
		e.Logger.Debug("progress report failed", "task_id", taskID, "error", err)
	}
}
