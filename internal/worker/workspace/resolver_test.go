package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kira-run/kira/internal/serverapi"
)

func TestExpandPathExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := expandPath("~/projects/kira")
	want := filepath.Join(home, "projects/kira")
	if got != want {
		t.Fatalf("expandPath(~) = %q, want %q", got, want)
	}
}

func TestExpandPathLeavesAbsolutePathAlone(t *testing.T) {
	if got := expandPath("/tmp/some/dir"); got != "/tmp/some/dir" {
		t.Fatalf("expandPath(/tmp/...) = %q", got)
	}
}

func TestResolvePrefersLocalPath(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(t.TempDir())
	settings := serverapi.BoardSettingsResponse{WorkspaceLocalPath: dir}
	got, err := r.Resolve(context.Background(), settings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != dir {
		t.Fatalf("expected resolver to prefer local path, got %q", got)
	}
}

func TestResolveEmptyWhenNoWorkspaceConfigured(t *testing.T) {
	r := NewResolver(t.TempDir())
	got, err := r.Resolve(context.Background(), serverapi.BoardSettingsResponse{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty workspace when nothing is configured, got %q", got)
	}
}
