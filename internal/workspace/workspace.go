// Package workspace prepares and finalizes a task's working tree: a clean
// checkout on a run-scoped branch, then a commit of whatever the agent
// and test runner left behind.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// Workspace is the checked-out directory for one task.
type Workspace struct {
	Dir string
}

// Prepare force-checks-out baseRef, cleans untracked files, and creates
// branch "runs/{runID}-{uuid}" from it. dir must already be a git working
// tree rooted at {exercisesRoot}/{language}/{exercise}.
func Prepare(ctx context.Context, dir string, runID int64, baseRef string) (*Workspace, error) {
	w := &Workspace{Dir: dir}

	if err := w.git(ctx, "config", "user.name", "evalharness"); err != nil {
		return nil, err
	}
	if err := w.git(ctx, "config", "user.email", "evalharness@localhost"); err != nil {
		return nil, err
	}
	if err := w.git(ctx, "checkout", "-f", baseRef); err != nil {
		return nil, fmt.Errorf("workspace: checkout %s: %w", baseRef, err)
	}
	if err := w.git(ctx, "clean", "-fdx"); err != nil {
		return nil, fmt.Errorf("workspace: clean: %w", err)
	}

	branch := fmt.Sprintf("runs/%d-%s", runID, uuid.NewString())
	if err := w.git(ctx, "checkout", "-b", branch, baseRef); err != nil {
		return nil, fmt.Errorf("workspace: create branch %s: %w", branch, err)
	}
	return w, nil
}

// Commit stages everything and commits with message "Run #{runID}". A
// commit with nothing staged is not an error.
func (w *Workspace) Commit(ctx context.Context, runID int64) error {
	if err := w.git(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("workspace: add: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "commit", "-m", fmt.Sprintf("Run #%d", runID))
	cmd.Dir = w.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isNothingToCommit(out) {
			return nil
		}
		return fmt.Errorf("workspace: commit: %w: %s", err, out)
	}
	return nil
}

func isNothingToCommit(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "nothing to commit") || strings.Contains(s, "nothing added to commit")
}

func (w *Workspace) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}
