package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kira-run/kira/internal/worker"
)

// activate handles an "activate" message: registers (or re-registers) the
// session, and brings the runner up if it isn't already pointed at the
// requested server (daemon.py's _activate).
func (d *Daemon) activate(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	sessionID, _ := msg["session_id"].(string)
	token, _ := msg["token"].(string)
	serverURL, _ := msg["server_url"].(string)

	if token == "" || serverURL == "" {
		_ = wsjson.Write(ctx, conn, map[string]any{
			"type": "error", "code": "missing_fields", "message": "token and server_url are required",
		})
		return
	}

	d.mu.Lock()
	d.sessions[sessionID] = conn
	d.wsToSession[conn] = sessionID
	if d.graceCancel != nil {
		d.graceCancel()
		d.graceCancel = nil
	}
	alreadyActive := d.state == StateActive
	sameServer := alreadyActive && d.activeServer == serverURL
	var runner *worker.Runner
	if sameServer {
		runner = d.runner
	}
	d.mu.Unlock()

	if sameServer {
		if runner != nil {
			runner.Server.SetToken(token)
		}
		d.Logger.Info("token updated for session", "session_id", shortID(sessionID))
		d.broadcastStatus(ctx)
		return
	}

	if alreadyActive {
		d.stopRunner(ctx)
	}

	d.setState(ctx, StateActivating)
	if err := d.startRunner(ctx, serverURL, token); err != nil {
		d.Logger.Error("activation failed", "error", err)
		d.broadcastError(ctx, "registration_failed", err.Error())
		d.setState(ctx, StateDormant)
		return
	}
	d.setState(ctx, StateActive)

	d.mu.Lock()
	workerID := ""
	if d.runner != nil {
		workerID = d.runner.WorkerID
	}
	d.mu.Unlock()
	d.Logger.Info("agent activated", "server", serverURL, "worker_id", workerID)

	go d.checkServerVersion(serverURL)
}

// deactivate handles an explicit "deactivate" message (browser logout):
// no grace period, stop immediately if no sessions remain.
func (d *Daemon) deactivate(msg map[string]any) {
	sessionID, _ := msg["session_id"].(string)

	d.mu.Lock()
	if _, ok := d.sessions[sessionID]; ok {
		delete(d.sessions, sessionID)
		d.Logger.Info("session deactivated explicitly", "session_id", shortID(sessionID))
	}
	empty := len(d.sessions) == 0
	active := d.state == StateActive
	d.mu.Unlock()

	if empty && active {
		ctx := context.Background()
		d.stopRunner(ctx)
		d.setState(ctx, StateDormant)
		d.Logger.Info("agent deactivated (explicit logout)")
	}
}

// startRunner registers with the server and launches the poll/heartbeat
// loops in the background (daemon.py's _start_runner + _run_loops).
func (d *Daemon) startRunner(ctx context.Context, serverURL, token string) error {
	cfg := worker.LoadConfig("")
	cfg.ServerURL = serverURL

	server := worker.NewServerClient(serverURL, token)
	runnerCtx, cancel := context.WithCancel(context.Background())

	var resolver worker.WorkspaceResolver
	if d.NewResolver != nil {
		resolver = d.NewResolver(cfg.WorkspaceRoot)
	}

	runner := worker.NewRunner(cfg, server, resolver, nil)
	if d.NewExecutors != nil {
		runner.Executor = d.NewExecutors(server, "")
	}

	if err := runner.Register(runnerCtx); err != nil {
		cancel()
		return err
	}
	// Executors are built with the worker ID baked in by most factories;
	// rebuild now that registration has assigned one.
	if d.NewExecutors != nil {
		runner.Executor = d.NewExecutors(server, runner.WorkerID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.RunLoops(runnerCtx)
	}()

	runner.OnTasksChanged = func() {
		go d.broadcastStatus(context.Background())
	}

	d.mu.Lock()
	d.runner = runner
	d.runnerCancel = cancel
	d.activeServer = serverURL
	d.activatedAt = time.Now()
	d.mu.Unlock()

	d.runnerDone = done
	return nil
}

// stopRunner stops the runner's in-flight tasks and loops, and closes the
// server client (daemon.py's _stop_runner).
func (d *Daemon) stopRunner(ctx context.Context) {
	d.mu.Lock()
	runner := d.runner
	cancel := d.runnerCancel
	done := d.runnerDone
	d.runner = nil
	d.runnerCancel = nil
	d.activeServer = ""
	d.activatedAt = time.Time{}
	d.mu.Unlock()

	if runner == nil {
		return
	}
	runner.Stop()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	_ = runner.Server.Close()
}

// checkEmptySessions starts the grace timer if no sessions remain
// (daemon.py's _check_empty_sessions).
func (d *Daemon) checkEmptySessions() {
	d.mu.Lock()
	if len(d.sessions) != 0 || d.state != StateActive {
		d.mu.Unlock()
		return
	}
	d.state = StateDeactivating
	graceCtx, cancel := context.WithCancel(context.Background())
	d.graceCancel = cancel
	d.mu.Unlock()

	go d.graceExpired(graceCtx)
}

// graceExpired deactivates the runner once the grace period elapses with
// no sessions reconnected (daemon.py's _grace_expired).
func (d *Daemon) graceExpired(ctx context.Context) {
	timer := time.NewTimer(d.GracePeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	d.mu.Lock()
	empty := len(d.sessions) == 0
	d.mu.Unlock()

	bgCtx := context.Background()
	if empty {
		d.Logger.Info("grace period expired, deactivating")
		d.stopRunner(bgCtx)
		d.setState(bgCtx, StateDormant)
	} else {
		d.setState(bgCtx, StateActive)
	}
}

// checkServerVersion is a fire-and-forget version check that broadcasts an
// "upgrade_available" message when the server reports a newer version than
// this binary (daemon.py's _check_server_version).
func (d *Daemon) checkServerVersion(serverURL string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/api/agent/version")
	if err != nil {
		d.Logger.Debug("version check failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return
	}
	var data struct {
		Version    string `json:"version"`
		InstallURL string `json:"install_url"`
	}
	if json.NewDecoder(resp.Body).Decode(&data) != nil || data.Version == "" || data.Version == worker.WorkerVersion {
		return
	}

	installURL := data.InstallURL
	if installURL == "" {
		installURL = serverURL
	}
	msg := map[string]any{
		"type":            "upgrade_available",
		"current_version": worker.WorkerVersion,
		"server_version":  data.Version,
		"install_url":     installURL + "/api/agent/install.sh",
	}

	ctx := context.Background()
	d.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(d.sessions))
	for _, c := range d.sessions {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		_ = wsjson.Write(ctx, c, msg)
	}
	d.Logger.Info("upgrade available", "current", worker.WorkerVersion, "server", data.Version)
}

// setState updates the state machine and broadcasts it to every connected
// session on change (daemon.py's _set_state).
func (d *Daemon) setState(ctx context.Context, state State) {
	d.mu.Lock()
	old := d.state
	d.state = state
	d.mu.Unlock()
	if old != state {
		d.Logger.Info("state change", "from", old, "to", state)
		d.broadcastStatus(ctx)
	}
}

func (d *Daemon) broadcastStatus(ctx context.Context) {
	msg := json.RawMessage(d.statusJSON())
	d.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(d.sessions))
	for id, c := range d.sessions {
		conns[id] = c
	}
	d.mu.Unlock()

	var stale []string
	for id, c := range conns {
		if err := wsjson.Write(ctx, c, msg); err != nil {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		d.mu.Lock()
		for _, id := range stale {
			delete(d.sessions, id)
		}
		d.mu.Unlock()
	}
}

func (d *Daemon) broadcastError(ctx context.Context, code, message string) {
	msg := map[string]any{"type": "error", "code": code, "message": message}
	d.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(d.sessions))
	for _, c := range d.sessions {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		_ = wsjson.Write(ctx, c, msg)
	}
}

// statusJSON builds the status broadcast payload (daemon.py's _status_json).
func (d *Daemon) statusJSON() []byte {
	d.mu.Lock()
	state := d.state
	serverURL := d.activeServer
	var runningTasks int
	var workerID string
	var uptime float64
	if d.runner != nil {
		runningTasks = d.runner.RunningTaskCount()
		workerID = d.runner.WorkerID
	}
	if !d.activatedAt.IsZero() {
		uptime = time.Since(d.activatedAt).Seconds()
	}
	d.mu.Unlock()

	body := map[string]any{
		"type":            "status",
		"state":           string(state),
		"worker_id":       workerID,
		"server_url":      serverURL,
		"running_tasks":   runningTasks,
		"uptime_seconds":  int(uptime + 0.5),
	}
	b, err := json.Marshal(body)
	if err != nil {
		return []byte(fmt.Sprintf(`{"type":"status","state":%q}`, state))
	}
	return b
}
