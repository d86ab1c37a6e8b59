// Command kira-worker is the standalone worker process: it logs in to a
// Kira server, registers as a worker, and polls for agent/planner/Jira/
// GitLab tasks until interrupted. Ported from worker/cli.py's start_worker.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kira-run/kira/internal/failures"
	"github.com/kira-run/kira/internal/modelclient"
	"github.com/kira-run/kira/internal/rules"
	"github.com/kira-run/kira/internal/serverapi"
	"github.com/kira-run/kira/internal/telemetry"
	"github.com/kira-run/kira/internal/worker"
	"github.com/kira-run/kira/internal/worker/executors"
	"github.com/kira-run/kira/internal/worker/workspace"
)

func main() {
	serverURL := flag.String("server", "", "Kira server URL (default: from ~/.kira/worker.yaml or http://localhost:8000)")
	username := flag.String("username", "", "username to authenticate as (prompted if omitted)")
	password := flag.String("password", "", "password for CentAuth mode (prompted if required and omitted)")
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

	if err := run(ctx, logger, *serverURL, *username, *password, *modelCommand); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, serverURL, username, password, modelCommand string) error {
	cfg := worker.LoadConfig("")
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	server := worker.NewServerClient(cfg.ServerURL, "")
	defer server.Close()

	fmt.Printf("Connecting to %s...\n", cfg.ServerURL)

	authConfig, err := server.GetAuthConfig(ctx)
	isCentAuth := err == nil && authConfig.AuthMode == "centauth"

	if username == "" {
		username = prompt("Username: ")
	}
	if isCentAuth && password == "" {
		password = cfg.Password
		if password == "" {
			password = prompt("Password: ")
		}
	}

	auth, err := server.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	server.SetToken(auth.Token)
	fmt.Printf("✓ Logged in as %s\n", displayUsername(auth, username))

	model := modelclient.NewSubprocessClient(modelCommand)
	resolver := workspace.NewResolver(cfg.WorkspaceRoot)

	rulesManager := rules.NewManager("", cfg.WorkspaceRoot)
	failureStore, err := failures.Open("")
	if err != nil {
		logger.Warn("failure memory unavailable, continuing without it", "error", err)
		failureStore = nil
	} else {
		defer failureStore.Close()
	}

	runner := worker.NewRunner(cfg, server, resolver, nil)
	if err := runner.Register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	runner.Executor = executorFor(model, server, runner.WorkerID, rulesManager, failureStore)

	fmt.Printf("✓ Worker registered (%s)\n", runner.WorkerID)
	fmt.Printf("Polling for tasks every %.0fs...\n", cfg.PollInterval)
	fmt.Println("Press Ctrl+C to stop")

	runner.RunLoops(ctx)
	logger.Info("worker stopped")
	return nil
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

func displayUsername(auth serverapi.LoginResponse, fallback string) string {
	if auth.User != "" {
		return auth.User
	}
	return fallback
}

func prompt(label string) string {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
