// Package sandbox validates candidate changes inside a network-isolated
// container, independent of the agent that produced them.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/repocfg"
)

// ErrNotAllowed is returned when the resolved test command is not a literal
// member of the repo's allowlist. The check fails closed before any container
// is started.
var ErrNotAllowed = fmt.Errorf("test command not in allowlist")

// Result holds the outcome of one sandbox validation.
type Result struct {
	TestExitCode int
	TestLog      string
}

// CommandRunner executes argv and returns the exit code with combined output.
// A non-nil error means the process could not be started.
type CommandRunner func(ctx context.Context, argv []string) (exitCode int, output string, err error)

func execRunner(ctx context.Context, argv []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), fmt.Errorf("run %s: %w", argv[0], err)
	}
	return 0, string(out), nil
}

// Validator runs repo test commands in disposable containers.
type Validator struct {
	resolver *repocfg.Resolver
	logger   *zap.Logger
	run      CommandRunner
}

// New creates a validator using the docker CLI.
func New(resolver *repocfg.Resolver, logger *zap.Logger) *Validator {
	return &Validator{resolver: resolver, logger: logger, run: execRunner}
}

// NewWithRunner creates a validator with a custom command runner for tests.
func NewWithRunner(resolver *repocfg.Resolver, logger *zap.Logger, run CommandRunner) *Validator {
	return &Validator{resolver: resolver, logger: logger, run: run}
}

// Validate materializes the original snapshot and the candidate as read-only
// mounts in a network-isolated container, merges them into a writable working
// copy (candidate wins on conflicts), and runs the repo's test command.
//
// A test that ran and exited non-zero is reported through TestExitCode; a
// container that never ran (missing runtime, daemon error, command not
// allowlisted) is an error.
func (v *Validator) Validate(ctx context.Context, task *models.Task, candidatePath string) (*Result, error) {
	res, err := v.resolver.Resolve(task.Repo)
	if err != nil {
		return nil, err
	}
	if !res.Ready() {
		return nil, fmt.Errorf("runtime config for %s incomplete: missing %s",
			task.Repo, strings.Join(res.MissingFields, ", "))
	}

	allowed := false
	for _, cmd := range res.Runtime.AllowedTestCommands {
		if res.Runtime.TestCommand == cmd {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, res.Runtime.TestCommand)
	}

	snapshotAbs, err := absPath(res.SnapshotPath)
	if err != nil {
		return nil, err
	}
	candidateAbs, err := absPath(candidatePath)
	if err != nil {
		return nil, err
	}

	// Only /work is writable; the snapshot and candidate stay read-only. The
	// candidate is copied second so its files win.
	script := "cp -a /snapshot/. /work/ && cp -a /candidate/. /work/ && cd /work && " + res.Runtime.TestCommand
	argv := []string{
		"docker", "run", "--rm",
		"--network", "none",
		"-v", snapshotAbs + ":/snapshot:ro",
		"-v", candidateAbs + ":/candidate:ro",
		"-w", "/work",
		res.Runtime.SandboxImage,
		"sh", "-ec", script,
	}

	v.logger.Info("starting sandbox",
		zap.String("task_id", task.ID),
		zap.String("repo", task.Repo),
		zap.String("image", res.Runtime.SandboxImage),
		zap.String("test_command", res.Runtime.TestCommand),
	)

	exitCode, output, err := v.run(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("sandbox did not run: %w", err)
	}
	// 125 is the docker CLI's own failure code: the daemon rejected the run,
	// so no test was executed.
	if exitCode == 125 {
		return nil, fmt.Errorf("sandbox did not run: docker error: %s", firstLine(output))
	}

	return &Result{TestExitCode: exitCode, TestLog: output}, nil
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	return filepath.Abs(p)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return strings.TrimSpace(s)
}
