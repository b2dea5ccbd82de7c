// Package models defines the core domain types for warden.
package models

import "time"

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

const (
	TaskStatusCreated          TaskStatus = "CREATED"
	TaskStatusWaitClarify      TaskStatus = "WAIT_CLARIFY"
	TaskStatusWaitApproveWrite TaskStatus = "WAIT_APPROVE_WRITE"
	TaskStatusRunning          TaskStatus = "RUNNING"
	TaskStatusPRCreated        TaskStatus = "PR_CREATED"
	TaskStatusCompleted        TaskStatus = "COMPLETED"
	TaskStatusFailed           TaskStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// DeliveryStrategy controls how the delivery branch is based.
type DeliveryStrategy string

const (
	// DeliveryRolling stacks the new branch on the snapshot's current head.
	DeliveryRolling DeliveryStrategy = "rolling"
	// DeliveryIsolated branches fresh from the base branch.
	DeliveryIsolated DeliveryStrategy = "isolated"
)

// ClarifyReason explains why a task is parked in WAIT_CLARIFY.
type ClarifyReason string

const (
	ClarifySnapshotMissing      ClarifyReason = "SNAPSHOT_MISSING"
	ClarifyRuntimeConfigMissing ClarifyReason = "RUNTIME_CONFIG_MISSING"
)

// Action is an operator action applied to a task.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction decodes a free-form action string once at the boundary.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionRetry, ActionApprove, ActionReject:
		return Action(s), true
	}
	return "", false
}

// ProgressStage is a coarse progress marker reported by the task runner.
type ProgressStage string

const (
	StageAgentRunning   ProgressStage = "AGENT_RUNNING"
	StageSandboxTesting ProgressStage = "SANDBOX_TESTING"
	StageCreatingPR     ProgressStage = "CREATING_PR"
)

// TestsResult is the sandbox verdict for a run.
type TestsResult string

const (
	TestsPass TestsResult = "PASS"
	TestsFail TestsResult = "FAIL"
)

// Task is the unit of work: one human-triggered agent invocation against a
// repository snapshot, gated by approval and delivered as a draft PR.
type Task struct {
	ID               string           `json:"id"`
	Source           string           `json:"source"`
	TriggerUser      string           `json:"trigger_user"`
	ApprovedBy       string           `json:"approved_by,omitempty"`
	Repo             string           `json:"repo"`
	Branch           string           `json:"branch"`
	BaseBranch       string           `json:"base_branch"`
	DeliveryStrategy DeliveryStrategy `json:"delivery_strategy"`
	Intent           string           `json:"intent"`
	Agent            string           `json:"agent"`
	Status           TaskStatus       `json:"status"`
	ClarifyReason    ClarifyReason    `json:"clarify_reason,omitempty"`
	MissingFields    []string         `json:"missing_fields,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// RunResult is the aggregated output of one task runner invocation.
type RunResult struct {
	TaskID       string            `json:"task_id"`
	TestsResult  TestsResult       `json:"tests_result"`
	TestLog      string            `json:"test_log"`
	DiffHash     string            `json:"diff_hash"`
	HasDiff      bool              `json:"has_diff"`
	ChangedFiles []string          `json:"changed_files"`
	AgentLogs    []string          `json:"agent_logs"`
	AgentMeta    map[string]string `json:"agent_meta"`
	PRLink       string            `json:"pr_link,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// AuditEventType identifies the kind of audit record.
type AuditEventType string

const (
	AuditRequest   AuditEventType = "REQUEST"
	AuditRetry     AuditEventType = "RETRY"
	AuditApprove   AuditEventType = "APPROVE"
	AuditReject    AuditEventType = "REJECT"
	AuditRun       AuditEventType = "RUN"
	AuditPRCreated AuditEventType = "PR_CREATED"
	AuditFailed    AuditEventType = "FAILED"
)

// AuditEventTypes lists every allowed event type.
func AuditEventTypes() []AuditEventType {
	return []AuditEventType{
		AuditRequest, AuditRetry, AuditApprove, AuditReject,
		AuditRun, AuditPRCreated, AuditFailed,
	}
}

// ApprovalDecision records the operator's choice on an approval gate.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "APPROVE"
	DecisionReject  ApprovalDecision = "REJECT"
)

// AuditVersion is the wire version of the audit record schema.
const AuditVersion = "1.0"

// AuditRecord is one immutable line in the append-only audit log. The ordered
// sequence of records for a task ID is that task's full history.
type AuditRecord struct {
	AuditVersion     string           `json:"auditVersion"`
	Timestamp        string           `json:"timestamp"`
	TaskID           string           `json:"taskId"`
	TriggerUser      string           `json:"triggerUser"`
	EventType        AuditEventType   `json:"eventType"`
	ErrorCode        ErrorCode        `json:"errorCode,omitempty"`
	DiffHash         string           `json:"diffHash,omitempty"`
	AgentLogs        []string         `json:"agentLogs,omitempty"`
	ApprovalDecision ApprovalDecision `json:"approvalDecision,omitempty"`
	TestsResult      TestsResult      `json:"testsResult,omitempty"`
	PRLink           string           `json:"prLink,omitempty"`
	Message          string           `json:"message,omitempty"`
}

// PolicyConfig bounds what a candidate diff may touch. Supplied once at
// startup and read-only afterwards.
type PolicyConfig struct {
	BlockedPathPrefixes []string `json:"blocked_path_prefixes" koanf:"blocked_path_prefixes"`
	MaxChangedFiles     int      `json:"max_changed_files" koanf:"max_changed_files"`
	MaxDiffBytes        int      `json:"max_diff_bytes" koanf:"max_diff_bytes"`
	DisallowBinaryPatch bool     `json:"disallow_binary_patch" koanf:"disallow_binary_patch"`
}

// ViolationRule identifies which policy check a violation came from.
type ViolationRule string

const (
	RuleMaxDiffBytes    ViolationRule = "MAX_DIFF_BYTES"
	RuleMaxChangedFiles ViolationRule = "MAX_CHANGED_FILES"
	RuleBlockedPath     ViolationRule = "BLOCKED_PATH"
	RuleBinaryPatch     ViolationRule = "BINARY_PATCH"
)

// Violation is one diff policy finding.
type Violation struct {
	Rule    ViolationRule `json:"rule"`
	Message string        `json:"message"`
	Paths   []string      `json:"paths,omitempty"`
}
