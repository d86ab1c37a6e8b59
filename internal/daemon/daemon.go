// Package daemon implements the Local Agent Daemon (C11): a WebSocket
// server, bound to 127.0.0.1, that bridges browser sessions to a
// worker.Runner — activating the worker when a browser logs in and
// deactivating it (after a grace period) when every session disconnects.
// Ported from agent/daemon.py's AgentDaemon.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kira-run/kira/internal/worker"
)

// allowedOriginPrefixes mirrors daemon.py's ALLOWED_ORIGIN_PREFIXES.
var allowedOriginPrefixes = []string{"http://localhost", "http://127.0.0.1", "https://"}

// State is the daemon's activation state machine.
type State string

const (
	StateDormant      State = "dormant"
	StateActivating   State = "activating"
	StateActive       State = "active"
	StateDeactivating State = "deactivating"
)

// DirectoryPicker opens a native OS directory dialog. Headless Linux
// deployments have no GUI toolkit equivalent to daemon.py's osascript
// (macOS) / tkinter (Linux) dialogs, so the default implementation always
// reports "cancelled" — callers that run on a desktop can supply their own.
type DirectoryPicker interface {
	// Pick opens a dialog seeded at initialDir and returns the chosen path,
	// or ("", false) if the user cancelled.
	Pick(ctx context.Context, initialDir string) (string, bool)
}

// NoDirectoryPicker is the headless default DirectoryPicker.
type NoDirectoryPicker struct{}

func (NoDirectoryPicker) Pick(ctx context.Context, initialDir string) (string, bool) { return "", false }

// ExecutorFactory builds the ExecutorFor dispatch table for a freshly
// started runner, given its ServerClient and worker ID (agent/gitlab/jira/
// planner executors all need the client to report progress and results).
type ExecutorFactory func(server *worker.ServerClient, workerID string) worker.ExecutorFor

// Daemon is the Go port of AgentDaemon.
type Daemon struct {
	Port            int
	GracePeriod     time.Duration
	Picker          DirectoryPicker
	NewExecutors    ExecutorFactory
	NewResolver     func(workspaceRoot string) worker.WorkspaceResolver
	Logger          *slog.Logger

	mu           sync.Mutex
	state        State
	sessions     map[string]*websocket.Conn
	wsToSession  map[*websocket.Conn]string
	runner       *worker.Runner
	runnerCancel context.CancelFunc
	runnerDone   chan struct{}
	activeServer string
	activatedAt  time.Time
	graceCancel  context.CancelFunc

	pidFile string
}

func New(port int, gracePeriod time.Duration) *Daemon {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return &Daemon{
		Port:        port,
		GracePeriod: gracePeriod,
		Picker:      NoDirectoryPicker{},
		Logger:      slog.Default(),
		state:       StateDormant,
		sessions:    make(map[string]*websocket.Conn),
		wsToSession: make(map[*websocket.Conn]string),
		pidFile:     filepath.Join(home, ".kira", "agent.pid"),
	}
}

// isKiraProcess checks whether pid belongs to a kira process via `ps`, the
// same conservative fallback as daemon.py's _is_kira_process: if the check
// itself fails, assume it is kira (refuse to clobber someone else's PID file).
func isKiraProcess(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return true
	}
	return strings.Contains(strings.ToLower(string(out)), "kira")
}

// Start writes the PID file (refusing to start if a live kira agent already
// owns it) and serves the WebSocket listener until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		return err
	}

	if data, err := os.ReadFile(d.pidFile); err == nil {
		if oldPID, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			// Signal 0 probes liveness without actually signalling the process
			// (the same os.kill(pid, 0) idiom daemon.py uses).
			if proc, err := os.FindProcess(oldPID); err == nil && proc.Signal(syscall.Signal(0)) == nil {
				if isKiraProcess(oldPID) {
					return fmt.Errorf("agent already running (PID %d)", oldPID)
				}
				d.Logger.Warn("PID exists but is not a kira process, removing stale PID file", "pid", oldPID)
			}
		}
	}

	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return err
	}
	defer os.Remove(d.pidFile)
	defer d.stopRunner(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleConnection)
	server := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", d.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	d.Logger.Info("agent listening", "addr", server.Addr, "state", StateDormant)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (d *Daemon) handleConnection(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && !hasAllowedOriginPrefix(origin) {
		http.Error(w, "Forbidden origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, json.RawMessage(d.statusJSON())); err != nil {
		return
	}

	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			break
		}
		d.handleMessage(ctx, conn, msg)
	}

	d.removeSession(conn)
}

func hasAllowedOriginPrefix(origin string) bool {
	for _, p := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

func (d *Daemon) removeSession(conn *websocket.Conn) {
	d.mu.Lock()
	sessionID, ok := d.wsToSession[conn]
	if ok {
		delete(d.wsToSession, conn)
		delete(d.sessions, sessionID)
		d.Logger.Info("session disconnected", "session_id", shortID(sessionID), "remaining", len(d.sessions))
	}
	d.mu.Unlock()
	d.checkEmptySessions()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (d *Daemon) handleMessage(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "activate":
		d.activate(ctx, conn, msg)
	case "deactivate":
		d.deactivate(msg)
	case "ping":
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "pong"})
	case "pick_directory":
		d.pickDirectory(ctx, conn, msg)
	}
}

func (d *Daemon) pickDirectory(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	requestID, _ := msg["request_id"].(string)
	initialDir, _ := msg["initial_dir"].(string)

	path, ok := d.Picker.Pick(ctx, initialDir)
	_ = wsjson.Write(ctx, conn, map[string]any{
		"type":        "directory_picked",
		"request_id":  requestID,
		"path":        path,
		"cancelled":   !ok,
	})
}

