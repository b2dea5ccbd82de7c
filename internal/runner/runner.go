// Package runner orchestrates one approved task run: agent execution, sandbox
// validation, diff policy evaluation, and draft PR delivery, in strict order.
//
// Every stage failure is re-thrown as exactly one of four typed codes
// (AGENT_FAILED, SANDBOX_FAILED, POLICY_VIOLATION, PR_CREATE_FAILED) so the
// task service can map it deterministically to an audit error code and an
// HTTP status. Nothing is swallowed.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/agentexec"
	"github.com/fentz26/warden/internal/delivery"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/policy"
	"github.com/fentz26/warden/internal/repocfg"
	"github.com/fentz26/warden/internal/sandbox"
)

// Error is a stage failure classified with a stable code.
type Error struct {
	Code       models.ErrorCode
	Violations []models.Violation
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func stageErr(code models.ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// AgentExecutor produces a candidate workspace and diff for a task.
type AgentExecutor interface {
	Execute(ctx context.Context, task *models.Task, snapshotPath, commandTemplate string) (*agentexec.Result, error)
}

// SandboxValidator runs the repo test command against a candidate.
type SandboxValidator interface {
	Validate(ctx context.Context, task *models.Task, candidatePath string) (*sandbox.Result, error)
}

// Deliverer opens the draft PR for a validated candidate.
type Deliverer interface {
	CreateDraftPR(ctx context.Context, task *models.Task, candidatePath string, summary delivery.Summary) (string, error)
}

// AgentResolver maps a task's agent identifier to its command template.
type AgentResolver func(agent string) (name, template string, err error)

// ProgressFunc receives coarse pipeline progress for a task.
type ProgressFunc func(stage models.ProgressStage)

// Runner drives the four-stage pipeline for one task at a time.
type Runner struct {
	resolver  *repocfg.Resolver
	executor  AgentExecutor
	validator SandboxValidator
	deliverer Deliverer
	agents    AgentResolver
	policy    models.PolicyConfig
	logger    *zap.Logger
}

// New assembles a runner from its collaborators.
func New(resolver *repocfg.Resolver, executor AgentExecutor, validator SandboxValidator, deliverer Deliverer, agents AgentResolver, policyCfg models.PolicyConfig, logger *zap.Logger) *Runner {
	return &Runner{
		resolver:  resolver,
		executor:  executor,
		validator: validator,
		deliverer: deliverer,
		agents:    agents,
		policy:    policyCfg,
		logger:    logger,
	}
}

// Run executes the pipeline for an approved task. Stages run strictly in
// order; a failed stage stops the pipeline after releasing the candidate
// workspace. The candidate is released on the success path too, after
// delivery no longer needs it.
func (r *Runner) Run(ctx context.Context, task *models.Task, progress ProgressFunc) (*models.RunResult, error) {
	if progress == nil {
		progress = func(models.ProgressStage) {}
	}
	started := time.Now().UTC()

	res, err := r.resolver.Resolve(task.Repo)
	if err != nil {
		return nil, stageErr(models.ErrCodeAgentFailed, err)
	}
	if !res.SnapshotOK {
		return nil, stageErr(models.ErrCodeAgentFailed, fmt.Errorf("snapshot missing for repo %s", task.Repo))
	}
	_, template, err := r.agents(task.Agent)
	if err != nil {
		return nil, stageErr(models.ErrCodeAgentFailed, err)
	}

	progress(models.StageAgentRunning)
	agentRes, err := r.executor.Execute(ctx, task, res.SnapshotPath, template)
	if err != nil {
		return nil, stageErr(models.ErrCodeAgentFailed, err)
	}
	// The executor only distinguishes "ran" from "could not run"; a non-zero
	// agent exit is classified here.
	if agentRes.AgentExitCode != 0 {
		agentRes.Cleanup()
		return nil, stageErr(models.ErrCodeAgentFailed,
			fmt.Errorf("agent exited with code %d", agentRes.AgentExitCode))
	}

	progress(models.StageSandboxTesting)
	sandboxRes, err := r.validator.Validate(ctx, task, agentRes.CandidatePath)
	if err != nil {
		agentRes.Cleanup()
		return nil, stageErr(models.ErrCodeSandboxFailed, err)
	}

	diff := agentRes.Diff
	hasDiff := strings.TrimSpace(diff) != ""
	result := &models.RunResult{
		TaskID:    task.ID,
		TestLog:   sandboxRes.TestLog,
		HasDiff:   hasDiff,
		AgentLogs: agentRes.AgentLogs,
		AgentMeta: agentRes.AgentMeta,
		StartedAt: started,
	}

	var violations []models.Violation
	if hasDiff {
		result.DiffHash = hashDiff(diff)
		result.ChangedFiles = policy.ChangedFiles(diff)
		violations = policy.Evaluate(diff, r.policy)
		if len(violations) > 0 {
			agentRes.Cleanup()
			r.logger.Warn("policy violation",
				zap.String("task_id", task.ID),
				zap.Int("violations", len(violations)),
			)
			return nil, &Error{
				Code:       models.ErrCodePolicyViolation,
				Violations: violations,
				Err:        fmt.Errorf("%d policy violation(s)", len(violations)),
			}
		}
	}

	result.TestsResult = models.TestsFail
	if sandboxRes.TestExitCode == 0 {
		result.TestsResult = models.TestsPass
	}

	if hasDiff {
		progress(models.StageCreatingPR)
		link, err := r.deliverer.CreateDraftPR(ctx, task, agentRes.CandidatePath, delivery.Summary{
			TestsResult:  result.TestsResult,
			ChangedFiles: result.ChangedFiles,
			PolicyChecks: appliedChecks(r.policy),
		})
		if err != nil {
			agentRes.Cleanup()
			return nil, stageErr(models.ErrCodePRCreateFailed, err)
		}
		result.PRLink = link
	}

	agentRes.Cleanup()
	result.FinishedAt = time.Now().UTC()
	return result, nil
}

func hashDiff(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}

func appliedChecks(cfg models.PolicyConfig) []string {
	checks := []string{
		fmt.Sprintf("max diff size %d bytes", cfg.MaxDiffBytes),
		fmt.Sprintf("max changed files %d", cfg.MaxChangedFiles),
		fmt.Sprintf("blocked path prefixes: %s", strings.Join(cfg.BlockedPathPrefixes, ", ")),
	}
	if cfg.DisallowBinaryPatch {
		checks = append(checks, "binary patches disallowed")
	}
	return checks
}
