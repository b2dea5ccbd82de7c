// Package delivery turns a validated candidate workspace into a committed
// branch and a draft pull request, the only sanctioned way a change ships.
package delivery

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/models"
)

// Summary describes a run for the PR body.
type Summary struct {
	TestsResult  models.TestsResult
	ChangedFiles []string
	PolicyChecks []string
}

// CommandRunner executes argv in dir and returns combined output. A non-zero
// exit is an error carrying the trimmed output.
type CommandRunner func(ctx context.Context, dir string, argv []string) (string, error)

func execRunner(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w\n%s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Deliverer creates draft PRs with the git and gh CLIs.
type Deliverer struct {
	logger *zap.Logger
	run    CommandRunner
}

// New creates a deliverer backed by the real CLIs.
func New(logger *zap.Logger) *Deliverer {
	return &Deliverer{logger: logger, run: execRunner}
}

// NewWithRunner creates a deliverer with a custom command runner for tests.
func NewWithRunner(logger *zap.Logger, run CommandRunner) *Deliverer {
	return &Deliverer{logger: logger, run: run}
}

// CreateDraftPR commits the candidate workspace onto the task's branch and
// opens a draft pull request against the base branch. The branch base honors
// the task's delivery strategy: rolling stacks on the snapshot's current
// head, isolated starts fresh from the base branch.
func (d *Deliverer) CreateDraftPR(ctx context.Context, task *models.Task, candidatePath string, summary Summary) (string, error) {
	checkout := []string{"git", "checkout", "-b", task.Branch}
	if task.DeliveryStrategy == models.DeliveryIsolated {
		checkout = append(checkout, task.BaseBranch)
	}
	if _, err := d.run(ctx, candidatePath, checkout); err != nil {
		return "", fmt.Errorf("create branch %s: %w", task.Branch, err)
	}

	if _, err := d.run(ctx, candidatePath, []string{"git", "add", "-A"}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	commitMsg := fmt.Sprintf("%s\n\nTask: %s\nRequested-by: %s", task.Intent, task.ID, task.TriggerUser)
	if _, err := d.run(ctx, candidatePath, []string{"git", "commit", "-m", commitMsg}); err != nil {
		return "", fmt.Errorf("commit changes: %w", err)
	}

	if _, err := d.run(ctx, candidatePath, []string{"git", "push", "-u", "origin", task.Branch}); err != nil {
		return "", fmt.Errorf("push branch %s: %w", task.Branch, err)
	}

	link, err := d.run(ctx, candidatePath, []string{
		"gh", "pr", "create",
		"--draft",
		"--base", task.BaseBranch,
		"--head", task.Branch,
		"--title", task.Intent,
		"--body", prBody(task, summary),
	})
	if err != nil {
		return "", fmt.Errorf("create draft pr: %w", err)
	}

	d.logger.Info("draft pr created",
		zap.String("task_id", task.ID),
		zap.String("branch", task.Branch),
		zap.String("pr_link", link),
	)
	return link, nil
}

func prBody(task *models.Task, summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for task %s, requested by %s.\n\n", task.ID, task.TriggerUser)
	fmt.Fprintf(&b, "Intent: %s\n\n", task.Intent)
	fmt.Fprintf(&b, "Sandbox tests: %s\n", summary.TestsResult)
	if len(summary.ChangedFiles) > 0 {
		fmt.Fprintf(&b, "\nChanged files (%d):\n", len(summary.ChangedFiles))
		for _, f := range summary.ChangedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(summary.PolicyChecks) > 0 {
		fmt.Fprintf(&b, "\nPolicy checks applied:\n")
		for _, c := range summary.PolicyChecks {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}
