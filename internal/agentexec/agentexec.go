// Package agentexec runs the configured AI agent command against a disposable
// copy of a repository snapshot and computes the candidate diff.
//
// The executor never interprets the agent's exit status beyond "spawned and
// exited" versus "could not run"; classifying a failed run is the caller's
// job. The candidate workspace is exclusively owned by one run and must be
// released through the returned cleanup function on every path.
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/models"
)

// CommandRunner executes argv in dir with the given extra environment and
// returns the exit code with combined output. A non-nil error means the
// process could not be started or was interrupted, not that it exited
// non-zero.
type CommandRunner func(ctx context.Context, dir string, env []string, argv []string) (exitCode int, output string, err error)

// ExecRunner is the default CommandRunner backed by os/exec.
func ExecRunner(ctx context.Context, dir string, env []string, argv []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), fmt.Errorf("run %s: %w", argv[0], err)
	}
	return 0, string(out), nil
}

// Result is the output of one agent execution.
type Result struct {
	Diff          string
	AgentLogs     []string
	AgentMeta     map[string]string
	AgentExitCode int
	CandidatePath string

	// Cleanup releases the temporary workspace. It must be invoked by the
	// caller on every path, success or failure, once the candidate is no
	// longer needed.
	Cleanup func()
}

// Executor copies snapshots into private workspaces and invokes agents.
type Executor struct {
	logger *zap.Logger
	run    CommandRunner
}

// New creates an executor using the os/exec runner.
func New(logger *zap.Logger) *Executor {
	return &Executor{logger: logger, run: ExecRunner}
}

// NewWithRunner creates an executor with a custom command runner. Used by
// tests to substitute the agent process.
func NewWithRunner(logger *zap.Logger, run CommandRunner) *Executor {
	return &Executor{logger: logger, run: run}
}

// MetaFile and LogFile are the fixed names the agent may write into its
// output directory. Both are best-effort; absence is not an error.
const (
	MetaFile = "meta.json"
	LogFile  = "agent.log"
)

// Execute copies the snapshot into a fresh candidate workspace, expands the
// agent command template, runs it, and diffs the candidate against the
// snapshot. The agent receives its inputs through environment variables and
// the fixed workspace/output paths, so its behavior is deterministic given
// the same inputs.
func (e *Executor) Execute(ctx context.Context, task *models.Task, snapshotPath, commandTemplate string) (*Result, error) {
	workDir, err := os.MkdirTemp("", "warden-run-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	cleanup := func() { os.RemoveAll(workDir) }

	candidate := filepath.Join(workDir, "candidate")
	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		cleanup()
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if err := copyTree(snapshotPath, candidate); err != nil {
		cleanup()
		return nil, fmt.Errorf("copy snapshot: %w", err)
	}

	command, err := BuildCommand(commandTemplate, map[string]string{
		"task_id":      task.ID,
		"repo":         task.Repo,
		"branch":       task.Branch,
		"trigger_user": task.TriggerUser,
		"intent":       task.Intent,
		"workspace":    candidate,
		"output_dir":   outDir,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	argv, err := splitShellArgs(command)
	if err != nil {
		cleanup()
		return nil, err
	}
	if len(argv) == 0 {
		cleanup()
		return nil, fmt.Errorf("agent command is empty")
	}

	env := []string{
		"WARDEN_TASK_ID=" + task.ID,
		"WARDEN_REPO=" + task.Repo,
		"WARDEN_BRANCH=" + task.Branch,
		"WARDEN_TRIGGER_USER=" + task.TriggerUser,
		"WARDEN_INTENT=" + task.Intent,
		"WARDEN_WORKSPACE=" + candidate,
		"WARDEN_OUTPUT_DIR=" + outDir,
	}

	e.logger.Info("invoking agent",
		zap.String("task_id", task.ID),
		zap.String("agent", task.Agent),
		zap.String("workspace", candidate),
	)

	exitCode, output, err := e.run(ctx, candidate, env, argv)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	diff, err := e.computeDiff(ctx, snapshotPath, candidate)
	if err != nil {
		cleanup()
		return nil, err
	}

	res := &Result{
		Diff:          diff,
		AgentLogs:     readLogLines(filepath.Join(outDir, LogFile), output),
		AgentMeta:     readMetaFile(filepath.Join(outDir, MetaFile)),
		AgentExitCode: exitCode,
		CandidatePath: candidate,
		Cleanup:       cleanup,
	}
	return res, nil
}

// computeDiff runs a recursive unified diff between the snapshot and the
// candidate. Exit code 1 means differences were found and is not an error
// path; only exit code 2 (trouble) or a spawn failure is.
func (e *Executor) computeDiff(ctx context.Context, snapshotPath, candidate string) (string, error) {
	argv := []string{"diff", "-ruN", "-x", ".git", snapshotPath, candidate}
	exitCode, output, err := e.run(ctx, "", nil, argv)
	if err != nil {
		return "", fmt.Errorf("compute diff: %w", err)
	}
	if exitCode > 1 {
		return "", fmt.Errorf("diff failed with exit code %d: %s", exitCode, firstLine(output))
	}
	return output, nil
}

// readMetaFile reads the optional flat-string metadata file. Absence or a
// malformed file yields an empty map, never an error.
func readMetaFile(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}
	meta := map[string]string{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return map[string]string{}
	}
	return meta
}

// readLogLines reads the optional agent log file; when the agent wrote none,
// the captured process output stands in.
func readLogLines(path, fallback string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		data = []byte(fallback)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// copyTree copies src into dst, preserving file modes and symlinks. dst must
// not exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
