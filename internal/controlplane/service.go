// Package controlplane provides the task lifecycle state machine and the HTTP
// gateway for warden.
//
// The service exclusively owns task status transitions. Every transition is
// written through the audit logger before the invoking call returns, and the
// single-flight set guarantees at most one run per task is ever in flight.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/metrics"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/repocfg"
	"github.com/fentz26/warden/internal/runner"
	"github.com/fentz26/warden/internal/store"
)

// TaskRunner drives the agent/sandbox/policy/delivery pipeline for one task.
type TaskRunner interface {
	Run(ctx context.Context, task *models.Task, progress runner.ProgressFunc) (*models.RunResult, error)
}

// ProgressCallback observes pipeline progress for a task.
type ProgressCallback func(taskID string, stage models.ProgressStage)

// Service is the top-level task state machine.
type Service struct {
	store      *store.Store
	auditLog   *audit.Logger
	resolver   *repocfg.Resolver
	runner     TaskRunner
	metrics    *metrics.Metrics
	logger     *zap.Logger
	baseBranch string

	// mu guards inflight and stages. inflight is the single-flight set: task
	// IDs approved and currently running. An entry is added atomically with
	// the WAIT_APPROVE_WRITE -> RUNNING transition and removed when the run
	// settles, success or failure.
	mu       sync.Mutex
	inflight map[string]struct{}
	stages   map[string]models.ProgressStage

	onProgress ProgressCallback
}

// New creates the task service. The inflight set is allocated by the caller
// and owned by this service for its lifetime.
func New(s *store.Store, auditLog *audit.Logger, resolver *repocfg.Resolver, r TaskRunner, m *metrics.Metrics, logger *zap.Logger, baseBranch string, inflight map[string]struct{}) *Service {
	if inflight == nil {
		inflight = make(map[string]struct{})
	}
	return &Service{
		store:      s,
		auditLog:   auditLog,
		resolver:   resolver,
		runner:     r,
		metrics:    m,
		logger:     logger,
		baseBranch: baseBranch,
		inflight:   inflight,
		stages:     make(map[string]models.ProgressStage),
	}
}

// SetProgressCallback installs an optional observer for pipeline progress.
func (s *Service) SetProgressCallback(cb ProgressCallback) {
	s.onProgress = cb
}

// CreateTaskParams are the caller-supplied fields for a new task.
type CreateTaskParams struct {
	Source           string
	TriggerUser      string
	Repo             string
	Intent           string
	Agent            string
	DeliveryStrategy models.DeliveryStrategy
	BaseBranch       string
}

// CreateTaskResult is the outcome of task creation.
type CreateTaskResult struct {
	Task         *models.Task
	NeedsClarify bool
	ExpectedPath string
}

// CreateTask creates a task and decides its first resting state: ready repos
// go straight to WAIT_APPROVE_WRITE, anything missing parks the task in
// WAIT_CLARIFY with the reason and missing fields. A REQUEST audit event is
// appended synchronously before the call returns.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*CreateTaskResult, error) {
	if p.Source == "" || p.TriggerUser == "" || p.Repo == "" || p.Intent == "" {
		return nil, errValidation("source, trigger_user, repo and intent are required")
	}
	if p.DeliveryStrategy == "" {
		p.DeliveryStrategy = models.DeliveryRolling
	}
	if p.DeliveryStrategy != models.DeliveryRolling && p.DeliveryStrategy != models.DeliveryIsolated {
		return nil, errValidation(fmt.Sprintf("unknown delivery strategy %q", p.DeliveryStrategy))
	}
	if p.BaseBranch == "" {
		p.BaseBranch = s.baseBranch
	}

	res, err := s.resolver.Resolve(p.Repo)
	if err != nil {
		return nil, errValidation(err.Error())
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	task := &models.Task{
		ID:               id,
		Source:           p.Source,
		TriggerUser:      p.TriggerUser,
		Repo:             p.Repo,
		Branch:           branchName(id),
		BaseBranch:       p.BaseBranch,
		DeliveryStrategy: p.DeliveryStrategy,
		Intent:           p.Intent,
		Agent:            p.Agent,
		Status:           models.TaskStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	result := &CreateTaskResult{Task: task}
	if res.Ready() {
		task.Status = models.TaskStatusWaitApproveWrite
	} else {
		task.Status = models.TaskStatusWaitClarify
		task.ClarifyReason, task.MissingFields, result.ExpectedPath = clarifyDetails(res)
		result.NeedsClarify = true
	}

	if err := s.store.CreateTask(task); err != nil {
		return nil, errInternal(models.ErrCodeRunFailed, "persist task", err)
	}

	if err := s.auditLog.Append(models.AuditRecord{
		TaskID:      task.ID,
		TriggerUser: task.TriggerUser,
		EventType:   models.AuditRequest,
		Message:     fmt.Sprintf("repo=%s intent=%s", task.Repo, task.Intent),
	}); err != nil {
		return nil, errInternal(models.ErrCodeRunFailed, "audit request", err)
	}

	s.metrics.TasksCreatedTotal.WithLabelValues(string(task.Status)).Inc()
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("repo", task.Repo),
		zap.String("status", string(task.Status)),
	)
	return result, nil
}

// GetTask returns a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, errInternal(models.ErrCodeRunFailed, "load task", err)
	}
	if task == nil {
		return nil, errTaskNotFound(id)
	}
	return task, nil
}

// ListTasks returns the most recent tasks.
func (s *Service) ListTasks(limit int) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(limit)
	if err != nil {
		return nil, errInternal(models.ErrCodeRunFailed, "list tasks", err)
	}
	return tasks, nil
}

// RunResult returns the latest stored run result for a task, if any.
func (s *Service) RunResult(taskID string) (*models.RunResult, error) {
	return s.store.GetRunResult(taskID)
}

// Stage reports the latest pipeline stage for a running task.
func (s *Service) Stage(taskID string) (models.ProgressStage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, ok := s.stages[taskID]
	return stage, ok
}

// ApplyAction applies an operator action (retry, approve, reject) to a task.
// Approve blocks until the run settles and returns its result.
func (s *Service) ApplyAction(ctx context.Context, taskID, actionStr, actor string) (*models.Task, *models.RunResult, error) {
	action, ok := models.ParseAction(actionStr)
	if !ok {
		return nil, nil, errInvalidAction(actionStr)
	}
	if actor == "" {
		return nil, nil, errValidation("actor is required")
	}

	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}

	var result *models.RunResult
	switch action {
	case models.ActionRetry:
		err = s.retry(task, actor)
	case models.ActionReject:
		err = s.reject(task, actor)
	case models.ActionApprove:
		result, err = s.approve(ctx, task, actor)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(AsError(err).Code)
	}
	s.metrics.ActionsTotal.WithLabelValues(string(action), outcome).Inc()

	if err != nil {
		return nil, nil, err
	}
	task, getErr := s.GetTask(taskID)
	if getErr != nil {
		return nil, nil, getErr
	}
	return task, result, nil
}

// retry re-checks snapshot and runtime config for a task waiting on clarify.
func (s *Service) retry(task *models.Task, actor string) error {
	if task.Status != models.TaskStatusWaitClarify {
		return errStateConflict(fmt.Sprintf("retry is only legal from WAIT_CLARIFY, task is %s", task.Status))
	}

	res, err := s.resolver.Resolve(task.Repo)
	if err != nil {
		return errInternal(models.ErrCodeRunFailed, "resolve repo", err)
	}
	if !res.Ready() {
		reason, missing, _ := clarifyDetails(res)
		if err := s.store.UpdateClarify(task.ID, models.TaskStatusWaitClarify, reason, missing); err != nil {
			return errInternal(models.ErrCodeRunFailed, "persist clarify", err)
		}
		code := models.ErrCodeSnapshotMissing
		if reason == models.ClarifyRuntimeConfigMissing {
			code = models.ErrCodeRuntimeConfigMissing
		}
		return errClarify(code, fmt.Sprintf("repo %s still not ready: %s", task.Repo, reason))
	}

	if err := s.store.UpdateClarify(task.ID, models.TaskStatusWaitApproveWrite, "", nil); err != nil {
		return errInternal(models.ErrCodeRunFailed, "persist transition", err)
	}
	if err := s.auditLog.Append(models.AuditRecord{
		TaskID:      task.ID,
		TriggerUser: actor,
		EventType:   models.AuditRetry,
	}); err != nil {
		return errInternal(models.ErrCodeRunFailed, "audit retry", err)
	}
	return nil
}

// reject fails a task that has not started running.
func (s *Service) reject(task *models.Task, actor string) error {
	if task.Status != models.TaskStatusWaitClarify && task.Status != models.TaskStatusWaitApproveWrite {
		return errStateConflict(fmt.Sprintf("reject is not legal from %s", task.Status))
	}
	if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusFailed); err != nil {
		return errInternal(models.ErrCodeRunFailed, "persist transition", err)
	}
	if err := s.auditLog.Append(models.AuditRecord{
		TaskID:           task.ID,
		TriggerUser:      actor,
		EventType:        models.AuditReject,
		ApprovalDecision: models.DecisionReject,
	}); err != nil {
		return errInternal(models.ErrCodeRunFailed, "audit reject", err)
	}
	return nil
}

// approve accepts the write gate and runs the pipeline synchronously. The
// single-flight check and the state transition happen atomically with respect
// to other approvals of the same task: a concurrent or repeated approve fails
// with a conflict instead of starting a second run.
func (s *Service) approve(ctx context.Context, task *models.Task, actor string) (*models.RunResult, error) {
	s.mu.Lock()
	if _, running := s.inflight[task.ID]; running {
		s.mu.Unlock()
		return nil, errStateConflict("task already has a run in flight")
	}
	ok, err := s.store.ApproveTask(task.ID, actor)
	if err != nil {
		s.mu.Unlock()
		return nil, errInternal(models.ErrCodeRunFailed, "persist approval", err)
	}
	if !ok {
		s.mu.Unlock()
		return nil, errStateConflict(fmt.Sprintf("approve is only legal from WAIT_APPROVE_WRITE, task is %s", task.Status))
	}
	s.inflight[task.ID] = struct{}{}
	s.mu.Unlock()

	task.Status = models.TaskStatusRunning
	task.ApprovedBy = actor

	if err := s.auditLog.Append(models.AuditRecord{
		TaskID:           task.ID,
		TriggerUser:      actor,
		EventType:        models.AuditApprove,
		ApprovalDecision: models.DecisionApprove,
	}); err != nil {
		s.settle(task.ID)
		return nil, errInternal(models.ErrCodeRunFailed, "audit approve", err)
	}

	return s.run(ctx, task)
}

// run drives the pipeline and polices the final result. The single-flight
// entry is released on every exit path.
func (s *Service) run(ctx context.Context, task *models.Task) (result *models.RunResult, err error) {
	defer s.settle(task.ID)
	started := time.Now()

	progress := func(stage models.ProgressStage) {
		s.mu.Lock()
		s.stages[task.ID] = stage
		s.mu.Unlock()
		if s.onProgress != nil {
			s.onProgress(task.ID, stage)
		}
	}

	result, runErr := s.runner.Run(ctx, task, progress)
	s.metrics.RunDuration.Observe(time.Since(started).Seconds())

	if runErr != nil {
		code := classifyRunnerError(runErr)
		if code == models.ErrCodePolicyViolation {
			s.metrics.PolicyViolationsTotal.Inc()
		}
		return nil, s.fail(task, code, runErr)
	}

	// The runner succeeded; record the run before judging it.
	if err := s.auditLog.Append(models.AuditRecord{
		TaskID:      task.ID,
		TriggerUser: task.TriggerUser,
		EventType:   models.AuditRun,
		DiffHash:    result.DiffHash,
		AgentLogs:   result.AgentLogs,
		TestsResult: result.TestsResult,
	}); err != nil {
		return nil, s.fail(task, models.ErrCodeRunFailed, fmt.Errorf("audit run: %w", err))
	}
	if err := s.store.SaveRunResult(result); err != nil {
		return nil, s.fail(task, models.ErrCodeRunFailed, fmt.Errorf("persist run result: %w", err))
	}

	// Tests failing is not a runner exception; it is a final-result condition
	// the service polices.
	if result.TestsResult != models.TestsPass {
		return nil, s.fail(task, models.ErrCodeTestFailed,
			fmt.Errorf("sandbox tests failed"))
	}

	if result.PRLink != "" {
		if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusPRCreated); err != nil {
			return nil, s.fail(task, models.ErrCodeRunFailed, fmt.Errorf("persist transition: %w", err))
		}
		if err := s.auditLog.Append(models.AuditRecord{
			TaskID:      task.ID,
			TriggerUser: task.TriggerUser,
			EventType:   models.AuditPRCreated,
			DiffHash:    result.DiffHash,
			PRLink:      result.PRLink,
		}); err != nil {
			return nil, s.fail(task, models.ErrCodeRunFailed, fmt.Errorf("audit pr: %w", err))
		}
	}

	if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusCompleted); err != nil {
		return nil, s.fail(task, models.ErrCodeRunFailed, fmt.Errorf("persist transition: %w", err))
	}

	s.metrics.RunsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.Bool("has_diff", result.HasDiff),
		zap.String("pr_link", result.PRLink),
	)
	return result, nil
}

// fail transitions the task to FAILED, audits the failure, and returns the
// typed service error. No failure on the approve path is ever swallowed.
func (s *Service) fail(task *models.Task, code models.ErrorCode, cause error) error {
	if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusFailed); err != nil {
		s.logger.Error("failed to persist FAILED status",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := s.auditLog.Append(models.AuditRecord{
		TaskID:      task.ID,
		TriggerUser: task.TriggerUser,
		EventType:   models.AuditFailed,
		ErrorCode:   code,
		Message:     cause.Error(),
	}); err != nil {
		s.logger.Error("failed to audit failure",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	s.metrics.RunsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("error_code", string(code)),
		zap.Error(cause),
	)

	serr := &Error{Code: code, Status: http.StatusInternalServerError, Message: cause.Error(), Err: cause}
	var rerr *runner.Error
	if errors.As(cause, &rerr) {
		serr.Violations = rerr.Violations
	}
	return serr
}

// settle releases the single-flight entry and progress stage for a task.
func (s *Service) settle(taskID string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	delete(s.stages, taskID)
	s.mu.Unlock()
}

// RerunTask clones a finished or stuck task into a fresh one: same repo,
// intent, agent and strategy, new identity and trigger user. Not a resume.
func (s *Service) RerunTask(ctx context.Context, taskID, actor, source string) (*CreateTaskResult, error) {
	orig, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.CreateTask(ctx, CreateTaskParams{
		Source:           source,
		TriggerUser:      actor,
		Repo:             orig.Repo,
		Intent:           orig.Intent,
		Agent:            orig.Agent,
		DeliveryStrategy: orig.DeliveryStrategy,
		BaseBranch:       orig.BaseBranch,
	})
}

// ReconcileStale fails tasks left RUNNING by a previous process. A task stuck
// mid-run has no automatic reversal while the daemon lives; on restart the
// run is provably gone, so the task is closed out rather than left hanging.
func (s *Service) ReconcileStale() error {
	stale, err := s.store.ListByStatus(models.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	for i := range stale {
		task := &stale[i]
		s.logger.Warn("failing stale running task", zap.String("task_id", task.ID))
		if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusFailed); err != nil {
			return fmt.Errorf("fail stale task %s: %w", task.ID, err)
		}
		if err := s.auditLog.Append(models.AuditRecord{
			TaskID:      task.ID,
			TriggerUser: task.TriggerUser,
			EventType:   models.AuditFailed,
			ErrorCode:   models.ErrCodeRunFailed,
			Message:     "run interrupted by process restart",
		}); err != nil {
			return fmt.Errorf("audit stale task %s: %w", task.ID, err)
		}
	}
	return nil
}

// classifyRunnerError maps a runner failure onto the error taxonomy; anything
// unclassified becomes RUN_FAILED.
func classifyRunnerError(err error) models.ErrorCode {
	var rerr *runner.Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return models.ErrCodeRunFailed
}

// clarifyDetails derives the clarify reason, missing fields and the path the
// operator is expected to create.
func clarifyDetails(res repocfg.Resolution) (models.ClarifyReason, []string, string) {
	if !res.SnapshotOK {
		return models.ClarifySnapshotMissing, res.MissingFields, res.SnapshotPath
	}
	return models.ClarifyRuntimeConfigMissing, res.MissingFields, res.ConfigPath
}

// branchName derives the unique per-task delivery branch.
func branchName(taskID string) string {
	short := strings.ReplaceAll(taskID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return "warden/" + short
}
