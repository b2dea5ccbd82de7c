package models

// ErrorCode is the stable, machine-readable failure classification shared by
// the runner, the task service, and the audit log.
type ErrorCode string

const (
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	ErrCodeInvalidAction        ErrorCode = "INVALID_ACTION"
	ErrCodeStateConflict        ErrorCode = "STATE_CONFLICT"
	ErrCodeSnapshotMissing      ErrorCode = "SNAPSHOT_MISSING"
	ErrCodeRuntimeConfigMissing ErrorCode = "RUNTIME_CONFIG_MISSING"
	ErrCodeAgentFailed          ErrorCode = "AGENT_FAILED"
	ErrCodeSandboxFailed        ErrorCode = "SANDBOX_FAILED"
	ErrCodePolicyViolation      ErrorCode = "POLICY_VIOLATION"
	ErrCodeTestFailed           ErrorCode = "TEST_FAILED"
	ErrCodePRCreateFailed       ErrorCode = "PR_CREATE_FAILED"
	ErrCodeRunFailed            ErrorCode = "RUN_FAILED"
)
