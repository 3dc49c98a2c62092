package workspace_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/codeready-toolchain/evalharness/internal/workspace"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("exercise"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestPrepareCreatesRunScopedBranch(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	ws, err := workspace.Prepare(ctx, dir, 42, "main")
	require.NoError(t, err)
	require.Equal(t, dir, ws.Dir)

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Contains(t, string(out), "runs/42-")
}

func TestCommitSucceedsWithNoChanges(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	ws, err := workspace.Prepare(ctx, dir, 1, "main")
	require.NoError(t, err)

	require.NoError(t, ws.Commit(ctx, 1))
}

func TestCommitPersistsChanges(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	ws, err := workspace.Prepare(ctx, dir, 1, "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "solution.go"), []byte("package main"), 0o644))
	require.NoError(t, ws.Commit(ctx, 1))

	cmd := exec.Command("git", "log", "-1", "--pretty=%s")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Contains(t, string(out), "Run #1")
}
