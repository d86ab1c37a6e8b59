// Package executors implements the per-task-type executors dispatched by the
// Worker Runtime (C6): agent runs, planner board/card generation, and the
// Jira/GitLab integration tasks.
package executors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kira-run/kira/internal/failures"
	"github.com/kira-run/kira/internal/modelclient"
	"github.com/kira-run/kira/internal/rules"
	"github.com/kira-run/kira/internal/serverapi"
	"github.com/kira-run/kira/internal/worker"
)

// progressReportInterval reports progress every N chunks to avoid flooding
// the server (agent.py's PROGRESS_REPORT_INTERVAL).
const progressReportInterval = 20

// AgentExecutor runs an "agent_run" task by streaming a model invocation and
// reporting progress/completion/failure, ported from
// worker/executors/agent.py's AgentExecutor.
type AgentExecutor struct {
	Model    modelclient.Client
	Server   *worker.ServerClient
	WorkerID string
	Logger   *slog.Logger

	// Rules and Failures are both optional. When set, their context is
	// prepended to the prompt so the agent sees project guidelines and
	// past-failure warnings relevant to the task before it starts.
	Rules    *rules.Manager
	Failures *failures.Store
}

func NewAgentExecutor(model modelclient.Client, server *worker.ServerClient, workerID string) *AgentExecutor {
	return &AgentExecutor{Model: model, Server: server, WorkerID: workerID, Logger: slog.Default()}
}

func (e *AgentExecutor) Execute(ctx context.Context, task serverapi.TaskDTO, workingDir string) error {
	agentType := task.AgentType
	if agentType == "" {
		agentType = "general"
	}

	if task.PromptText == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Task has no prompt_text", "")
	}

	e.reportProgress(ctx, task.ID, fmt.Sprintf("Starting %s agent...", agentType))

	model := modelclient.ResolveModel(task.AgentModel)
	prompt := e.augmentPrompt(ctx, task.PromptText, workingDir)
	stream, err := e.Model.Run(ctx, modelclient.Request{
		Prompt: prompt, Model: model, Skill: task.AgentSkill, WorkingDir: workingDir,
	})
	if err != nil {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, err.Error(), "")
	}
	defer stream.Close()

	var output strings.Builder
	chunkCount := 0
	for {
		chunk, done, err := stream.Next(ctx)
		if err != nil {
			e.recordFailure(ctx, task.PromptText, err.Error(), workingDir)
			return e.Server.FailTask(ctx, task.ID, e.WorkerID, err.Error(), output.String())
		}
		if done {
			break
		}
		output.WriteString(chunk.Text)
		chunkCount++
		if chunkCount%progressReportInterval == 0 {
			e.reportProgress(ctx, task.ID, fmt.Sprintf("Running %s... (%d chunks)", agentType, chunkCount))
		}
	}

	e.Logger.Info("task completed", "task_id", task.ID, "agent_type", agentType, "output_length", output.Len())
	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, output.String(), nil)
}

// augmentPrompt prepends relevant ruleset guidance and past-failure
// warnings ahead of the task's own prompt, giving the agent project context
// and prior mistakes to avoid before it starts (rules/manager.py's
// get_context and memory/failures.py's get_context_string, called together
// at prompt-build time rather than left for a caller to remember to use).
func (e *AgentExecutor) augmentPrompt(ctx context.Context, prompt, workingDir string) string {
	var sections []string

	if e.Rules != nil {
		if rulesCtx := e.Rules.GetContext(prompt, 3); rulesCtx != "" {
			sections = append(sections, rulesCtx)
		}
	}
	if e.Failures != nil {
		warningsCtx, err := e.Failures.GetContextString(ctx, prompt, []string{workingDir})
		if err != nil {
			e.Logger.Debug("failure warning lookup failed", "error", err)
		} else if warningsCtx != "" {
			sections = append(sections, warningsCtx)
		}
	}

	if len(sections) == 0 {
		return prompt
	}
	sections = append(sections, prompt)
	return strings.Join(sections, "\n\n---\n\n")
}

// recordFailure best-effort-logs a task failure to the failure store so a
// later task touching the same files or error type surfaces it as a
// warning (memory/failures.py's record_failure call sites in the original
// worker loop).
func (e *AgentExecutor) recordFailure(ctx context.Context, taskPrompt, rawOutput, workingDir string) {
	if e.Failures == nil {
		return
	}
	errType := failures.DetectErrorType(rawOutput)
	if errType == "" {
		return
	}
	msg := failures.ExtractErrorMessage(rawOutput, errType)
	if _, err := e.Failures.RecordFailure(ctx, errType, msg, taskPrompt, "", nil, []string{workingDir}); err != nil {
		e.Logger.Debug("failed to record failure", "error", err)
	}
}

// reportProgress swallows errors, matching agent.py's _report_progress: a
// stuck progress channel should never interrupt a running task.
func (e *AgentExecutor) reportProgress(ctx context.Context, taskID, text string) {
	if err := e.Server.ReportProgress(ctx, taskID, e.WorkerID, text, worker.ReportProgressOpts{}); err != nil {
		e.Logger.Debug("progress report failed", "task_id", taskID, "error", err)
	}
}
