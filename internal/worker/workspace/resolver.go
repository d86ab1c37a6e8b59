// Package workspace resolves the working directory a worker should execute
// a task's agent/integration command in, ported from worker/workspace.py's
// WorkspaceResolver (component C10).
package workspace

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kira-run/kira/internal/integrations/gitlab"
	"github.com/kira-run/kira/internal/serverapi"
)

// Resolver resolves a board's workspace directory before task execution: a
// configured local_path wins, otherwise a configured gitlab_project is
// cloned or pulled into workspace_root, otherwise there is no workspace and
// the worker falls back to its own cwd.
type Resolver struct {
	WorkspaceRoot string
	Logger        *slog.Logger
}

func NewResolver(workspaceRoot string) *Resolver {
	return &Resolver{WorkspaceRoot: workspaceRoot, Logger: slog.Default()}
}

// Resolve implements worker.WorkspaceResolver.
func (r *Resolver) Resolve(ctx context.Context, settings serverapi.BoardSettingsResponse) (string, error) {
	if settings.WorkspaceLocalPath != "" {
		path := expandPath(settings.WorkspaceLocalPath)
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			r.Logger.Info("using local workspace", "path", path)
			return path, nil
		}
		r.Logger.Warn("local workspace path does not exist", "path", path)
		return "", nil
	}

	if settings.WorkspaceGitLabProject != "" {
		return r.cloneOrPull(ctx, settings.WorkspaceGitLabProject), nil
	}

	return "", nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// cloneOrPull clones a GitLab project into workspace_root/project-path
// (slashes replaced with hyphens), or pulls if already cloned. It never
// returns an error: failures are logged and reported as "no workspace",
// matching workspace.py's broad except-and-return-None.
func (r *Resolver) cloneOrPull(ctx context.Context, projectPath string) string {
	dirName := strings.NewReplacer("/", "-", "\\", "-").Replace(projectPath)
	cloneDir := filepath.Join(r.WorkspaceRoot, dirName)

	if info, err := os.Stat(cloneDir); err == nil && info.IsDir() {
		if gitInfo, err := os.Stat(filepath.Join(cloneDir, ".git")); err == nil && gitInfo.IsDir() {
			r.Logger.Info("pulling latest", "project", projectPath, "dir", cloneDir)
			cmd := exec.CommandContext(ctx, "git", "pull", "--ff-only")
			cmd.Dir = cloneDir
			if out, err := cmd.CombinedOutput(); err != nil {
				r.Logger.Warn("git pull failed", "project", projectPath, "error", strings.TrimSpace(string(out)))
			}
			return cloneDir
		}
	}

	config := gitlab.LoadConfig()
	if !config.IsConfigured() {
		r.Logger.Warn("gitlab not configured, cannot clone", "project", projectPath)
		return ""
	}

	cloneURL := strings.TrimRight(config.Server, "/") + "/" + projectPath + ".git"

	r.Logger.Info("cloning", "url", cloneURL, "dir", cloneDir)
	if err := os.MkdirAll(filepath.Dir(cloneDir), 0o755); err != nil {
		r.Logger.Error("failed to create workspace root", "error", err)
		return ""
	}

	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, cloneDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.Logger.Error("git clone failed", "project", projectPath, "error", strings.TrimSpace(string(out)))
		return ""
	}

	return cloneDir
}
