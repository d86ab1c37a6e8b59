package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kira-run/kira/internal/serverapi"
)

// WorkerVersion is reported to the server during registration (runner.py's
// WORKER_VERSION).
const WorkerVersion = "0.3.0"

// Executor runs one task to completion, including reporting progress and the
// terminal complete/fail call itself (mirrors the Python executors, which
// each own the ServerClient calls for their own task rather than returning a
// result for the runner to report).
type Executor interface {
	Execute(ctx context.Context, task serverapi.TaskDTO, workingDir string) error
}

// ExecutorFor resolves a task_type to the Executor that handles it, the Go
// equivalent of runner.py's _execute_task if/elif dispatch.
type ExecutorFor func(taskType string) (Executor, bool)

// WorkspaceResolver resolves a working directory for a task's board.
type WorkspaceResolver interface {
	Resolve(ctx context.Context, settings serverapi.BoardSettingsResponse) (string, error)
}

type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Runner is the Go port of runner.py's WorkerRunner: a poll loop and a
// heartbeat loop running concurrently as goroutines, tracking in-flight
// tasks in a map owned only by the poll-loop goroutine (the single-owner
// discipline the runner.py docstring calls out for current_tasks).
type Runner struct {
	Config   Config
	Server   *ServerClient
	Resolver WorkspaceResolver
	Executor ExecutorFor
	Logger   *slog.Logger

	WorkerID string

	// OnTasksChanged is invoked (non-blocking) whenever the running task
	// count changes, mirroring runner.py's on_tasks_changed callback.
	OnTasksChanged func()

	mu      sync.Mutex
	tasks   map[string]*runningTask
	running bool
	stopCh  chan struct{}
}

func NewRunner(cfg Config, server *ServerClient, resolver WorkspaceResolver, executor ExecutorFor) *Runner {
	return &Runner{
		Config:   cfg,
		Server:   server,
		Resolver: resolver,
		Executor: executor,
		Logger:   slog.Default(),
		tasks:    make(map[string]*runningTask),
		stopCh:   make(chan struct{}),
	}
}

// Register performs the one-time server registration, applying any
// poll_interval/max_concurrent_tasks overrides the server returns. Exposed
// separately from Start so callers that need to know registration outcome
// before committing to the (blocking) loop phase — the Local Agent Daemon
// (C11), in particular — can await it directly.
func (r *Runner) Register(ctx context.Context) error {
	result, err := r.Server.RegisterWorker(ctx, hostname(), WorkerVersion, []string{"agent", "jira", "board_plan", "card_gen"})
	if err != nil {
		return err
	}
	r.WorkerID = result.WorkerID
	if result.PollIntervalSeconds > 0 {
		r.Config.PollInterval = float64(result.PollIntervalSeconds)
	}
	if result.MaxConcurrentTasks > 0 {
		r.Config.MaxConcurrentTasks = result.MaxConcurrentTasks
	}
	r.Logger.Info("worker registered", "worker_id", r.WorkerID, "hostname", hostname())
	return nil
}

// RunLoops runs the poll and heartbeat loops concurrently until ctx is
// cancelled or Stop is called. Register must have succeeded first.
func (r *Runner) RunLoops(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.pollLoop(ctx) }()
	go func() { defer wg.Done(); r.heartbeatLoop(ctx) }()
	wg.Wait()
}

// Start registers with the server exactly once and runs the poll and
// heartbeat loops concurrently until ctx is cancelled or Stop is called.
// Used by standalone worker processes (cmd/kira-worker) that don't need
// Register and RunLoops split apart.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	r.RunLoops(ctx)
	return nil
}

// Stop cancels every in-flight task and waits for them to unwind.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.running = false
	tasks := make([]*runningTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	close(r.stopCh)
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}

	r.mu.Lock()
	r.tasks = make(map[string]*runningTask)
	r.mu.Unlock()
}

// RunningTaskCount reports the number of tasks currently in flight.
func (r *Runner) RunningTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Runner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// --- Poll loop ---

func (r *Runner) pollLoop(ctx context.Context) {
	for r.isRunning() {
		r.cleanupFinishedTasks()

		r.mu.Lock()
		slots := r.Config.MaxConcurrentTasks - len(r.tasks)
		r.mu.Unlock()

		if slots > 0 {
			tasks, err := r.Server.PollTasks(ctx, r.WorkerID, slots)
			if err != nil {
				var serr *ServerError
				if errors.As(err, &serr) {
					r.Logger.Warn("poll failed", "error", serr.Message)
				} else {
					r.Logger.Error("unexpected error in poll loop", "error", err)
				}
			}
			for _, task := range tasks {
				r.maybeSpawn(ctx, task)
			}
		}

		if !sleepOrStop(ctx, r.stopCh, time.Duration(r.Config.PollInterval*float64(time.Second))) {
			return
		}
	}
}

func (r *Runner) maybeSpawn(ctx context.Context, task serverapi.TaskDTO) {
	r.mu.Lock()
	if _, exists := r.tasks[task.ID]; exists {
		r.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}
	r.tasks[task.ID] = rt
	r.mu.Unlock()
	r.notifyTasksChanged()

	go func() {
		defer close(rt.done)
		rt.err = r.executeTask(taskCtx, task)
	}()
}

func (r *Runner) cleanupFinishedTasks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for id, t := range r.tasks {
		select {
		case <-t.done:
			if t.err != nil {
				r.Logger.Error("task raised an unhandled error", "task_id", id, "error", t.err)
			}
			delete(r.tasks, id)
			changed = true
		default:
		}
	}
	if changed {
		r.notifyTasksChanged()
	}
}

func (r *Runner) notifyTasksChanged() {
	if r.OnTasksChanged != nil {
		r.OnTasksChanged()
	}
}

// --- Task execution ---

func (r *Runner) executeTask(ctx context.Context, task serverapi.TaskDTO) error {
	if _, err := r.Server.ClaimTask(ctx, task.ID, r.WorkerID); err != nil {
		var serr *ServerError
		if errors.As(err, &serr) && serr.StatusCode == 409 {
			r.Logger.Debug("task already claimed, skipping", "task_id", task.ID)
		} else {
			r.Logger.Warn("failed to claim task", "task_id", task.ID, "error", err)
		}
		return nil
	}
	r.Logger.Info("claimed task", "task_id", task.ID, "task_type", task.TaskType)

	workingDir := r.resolveWorkspace(ctx, task)

	executor, ok := r.Executor(task.TaskType)
	if !ok {
		_ = r.Server.FailTask(ctx, task.ID, r.WorkerID, "Unknown task type: "+task.TaskType, "")
		return nil
	}

	err := executor.Execute(ctx, task, workingDir)
	if err != nil {
		if ctx.Err() != nil {
			r.Logger.Info("task was cancelled", "task_id", task.ID)
			if ferr := r.Server.FailTask(context.WithoutCancel(ctx), task.ID, r.WorkerID, "Task cancelled by worker", ""); ferr != nil {
				r.Logger.Warn("failed to report cancellation", "task_id", task.ID, "error", ferr)
			}
			return err
		}
		r.Logger.Error("unhandled error executing task", "task_id", task.ID, "error", err)
		if ferr := r.Server.FailTask(ctx, task.ID, r.WorkerID, "Internal worker error", ""); ferr != nil {
			r.Logger.Warn("failed to report failure", "task_id", task.ID, "error", ferr)
		}
	}
	return nil
}

func (r *Runner) resolveWorkspace(ctx context.Context, task serverapi.TaskDTO) string {
	if task.BoardID == "" || r.Resolver == nil {
		return ""
	}
	settings, err := r.Server.GetBoardSettings(ctx, task.BoardID)
	if err != nil {
		r.Logger.Debug("workspace resolution failed, using default", "board_id", task.BoardID)
		return ""
	}
	dir, err := r.Resolver.Resolve(ctx, settings)
	if err != nil {
		r.Logger.Debug("workspace resolution failed, using default", "board_id", task.BoardID, "error", err)
		return ""
	}
	return dir
}

// --- Heartbeat loop ---

func (r *Runner) heartbeatLoop(ctx context.Context) {
	for r.isRunning() {
		r.mu.Lock()
		runningIDs := make([]string, 0, len(r.tasks))
		for id := range r.tasks {
			runningIDs = append(runningIDs, id)
		}
		r.mu.Unlock()

		result, err := r.Server.Heartbeat(ctx, r.WorkerID, runningIDs, systemLoad())
		if err != nil {
			var serr *ServerError
			if errors.As(err, &serr) {
				r.Logger.Warn("heartbeat failed", "error", serr.Message)
			} else {
				r.Logger.Error("unexpected error in heartbeat loop", "error", err)
			}
		} else {
			r.mu.Lock()
			for _, id := range result.Directives.CancelTaskIDs {
				if t, ok := r.tasks[id]; ok {
					r.Logger.Info("server requested cancellation of task", "task_id", id)
					t.cancel()
				}
			}
			if result.Directives.MaxConcurrentTasks > 0 {
				r.Config.MaxConcurrentTasks = result.Directives.MaxConcurrentTasks
			}
			r.mu.Unlock()
		}

		if !sleepOrStop(ctx, r.stopCh, time.Duration(r.Config.HeartbeatInterval*float64(time.Second))) {
			return
		}
	}
}

func sleepOrStop(ctx context.Context, stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(h)
}

// systemLoad reports the 1-minute load average where available. Go's
// stdlib has no getloadavg() equivalent (it's a Linux/BSD-only syscall with
// no cross-platform stdlib wrapper); 0.0 is the same fallback runner.py uses
// on platforms where os.getloadavg() raises.
func systemLoad() float64 { return 0.0 }
