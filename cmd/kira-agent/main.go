// Command kira-agent runs the Local Agent Daemon (C11): a WebSocket server,
// bound to 127.0.0.1, that a browser session activates/deactivates to bring
// a worker up only while someone is watching. Ported from agent/daemon.py.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kira-run/kira/internal/daemon"
	"github.com/kira-run/kira/internal/failures"
	"github.com/kira-run/kira/internal/modelclient"
	"github.com/kira-run/kira/internal/rules"
	"github.com/kira-run/kira/internal/telemetry"
	"github.com/kira-run/kira/internal/worker"
	"github.com/kira-run/kira/internal/worker/executors"
	"github.com/kira-run/kira/internal/worker/workspace"
)

func main() {
	port := flag.Int("port", 9820, "port to bind the local agent WebSocket server to (127.0.0.1 only)")
	gracePeriod := flag.Duration("grace-period", 3*time.Second, "how long to wait after the last session disconnects before deactivating")
	modelCommand := flag.String("model-command", "", "model subprocess command (default: kiro-cli)")
	flag.Parse()

	home, _ := os.UserHomeDir()
	logger, closer, err := telemetry.NewLogger(home, "info", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := modelclient.NewSubprocessClient(*modelCommand)

	failureStore, err := failures.Open("")
	if err != nil {
		logger.Warn("failure memory unavailable, continuing without it", "error", err)
		failureStore = nil
	} else {
		defer failureStore.Close()
	}

	d := daemon.New(*port, *gracePeriod)
	d.Logger = logger
	d.NewResolver = func(workspaceRoot string) worker.WorkspaceResolver {
		return workspace.NewResolver(workspaceRoot)
	}
	d.NewExecutors = func(server *worker.ServerClient, workerID string) worker.ExecutorFor {
		workingDir := worker.LoadConfig("").WorkspaceRoot
		rulesManager := rules.NewManager("", workingDir)
		return executorFor(model, server, workerID, rulesManager, failureStore)
	}

	logger.Info("starting local agent", "port", *port, "grace_period", *gracePeriod)
	if err := d.Start(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func executorFor(model modelclient.Client, server *worker.ServerClient, workerID string, rulesManager *rules.Manager, failureStore *failures.Store) worker.ExecutorFor {
	agentExec := executors.NewAgentExecutor(model, server, workerID)
	agentExec.Rules = rulesManager
	agentExec.Failures = failureStore
	plannerExec := executors.NewPlannerExecutor(model, server, workerID)
	jiraExec := executors.NewJiraExecutor(server, workerID)
	gitlabExec := executors.NewGitLabExecutor(server, workerID)

	return func(taskType string) (worker.Executor, bool) {
		switch taskType {
		case "agent_run":
			return agentExec, true
		case "board_plan", "card_gen":
			return plannerExec, true
		case "jira_import", "jira_push", "jira_sync":
			return jiraExec, true
		case "gitlab_create_project", "gitlab_push":
			return gitlabExec, true
		default:
			return nil, false
		}
	}
}
