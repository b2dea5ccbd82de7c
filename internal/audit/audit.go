// Package audit provides the append-only NDJSON audit log for warden.
//
// Every task state transition is written here before the invoking call
// returns. Records are validated against the schema before serialization; a
// record that fails validation is a fatal local error for the caller, because
// an un-auditable transition must not silently proceed.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/models"
)

// Logger appends validated audit records to a newline-delimited JSON sink.
// Appends are serialized so concurrent callers never interleave partial lines.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating if needed) the audit log at path in append-only mode.
func New(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close closes the underlying sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append validates rec, fills in the schema version, and writes it as one
// line. The record is never mutated after a successful append.
func (l *Logger) Append(rec models.AuditRecord) error {
	rec.AuditVersion = models.AuditVersion
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := Validate(rec); err != nil {
		return fmt.Errorf("invalid audit record: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Validate checks rec against the audit schema.
func Validate(rec models.AuditRecord) error {
	if rec.AuditVersion != models.AuditVersion {
		return fmt.Errorf("auditVersion must be %q, got %q", models.AuditVersion, rec.AuditVersion)
	}
	if _, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err != nil {
		return fmt.Errorf("timestamp %q is not a valid date-time: %w", rec.Timestamp, err)
	}
	if rec.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if rec.TriggerUser == "" {
		return fmt.Errorf("triggerUser is required")
	}

	valid := false
	for _, et := range models.AuditEventTypes() {
		if rec.EventType == et {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown eventType %q", rec.EventType)
	}

	if rec.ApprovalDecision != "" &&
		rec.ApprovalDecision != models.DecisionApprove &&
		rec.ApprovalDecision != models.DecisionReject {
		return fmt.Errorf("approvalDecision must be APPROVE or REJECT, got %q", rec.ApprovalDecision)
	}
	if rec.TestsResult != "" &&
		rec.TestsResult != models.TestsPass &&
		rec.TestsResult != models.TestsFail {
		return fmt.Errorf("testsResult must be PASS or FAIL, got %q", rec.TestsResult)
	}
	return nil
}

// ReadAll parses every record in the log at path, in file order. Intended for
// tooling and tests; the daemon itself only ever appends.
func ReadAll(path string) ([]models.AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var records []models.AuditRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec models.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode audit record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
	return records, nil
}
