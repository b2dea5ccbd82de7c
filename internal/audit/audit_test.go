package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/warden/internal/models"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendAndReadAllRoundtrip(t *testing.T) {
	l, path := newTestLogger(t)

	rec := models.AuditRecord{
		TaskID:      "task-1",
		TriggerUser: "alice",
		EventType:   models.AuditRequest,
		Message:     "fix the login bug",
	}
	require.NoError(t, l.Append(rec))

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, models.AuditVersion, got.AuditVersion)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "alice", got.TriggerUser)
	assert.Equal(t, models.AuditRequest, got.EventType)
	assert.Equal(t, "fix the login bug", got.Message)

	_, err = time.Parse(time.RFC3339Nano, got.Timestamp)
	assert.NoError(t, err)
}

func TestAppendIsOneLinePerRecord(t *testing.T) {
	l, path := newTestLogger(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(models.AuditRecord{
			TaskID:      fmt.Sprintf("task-%d", i),
			TriggerUser: "bob",
			EventType:   models.AuditApprove,
		}))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 5)
	for _, line := range lines {
		var rec models.AuditRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
	}
}

func TestAppendUsesCamelCaseKeys(t *testing.T) {
	l, path := newTestLogger(t)

	require.NoError(t, l.Append(models.AuditRecord{
		TaskID:           "task-keys",
		TriggerUser:      "carol",
		EventType:        models.AuditApprove,
		ApprovalDecision: models.DecisionApprove,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{"auditVersion", "timestamp", "taskId", "triggerUser", "eventType", "approvalDecision"} {
		assert.Contains(t, string(data), `"`+key+`"`)
	}
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	l, path := newTestLogger(t)

	tests := []struct {
		name string
		rec  models.AuditRecord
	}{
		{"missing taskId", models.AuditRecord{TriggerUser: "x", EventType: models.AuditRequest}},
		{"missing triggerUser", models.AuditRecord{TaskID: "t", EventType: models.AuditRequest}},
		{"unknown eventType", models.AuditRecord{TaskID: "t", TriggerUser: "x", EventType: "EXPLODE"}},
		{"bad approvalDecision", models.AuditRecord{TaskID: "t", TriggerUser: "x", EventType: models.AuditApprove, ApprovalDecision: "MAYBE"}},
		{"bad testsResult", models.AuditRecord{TaskID: "t", TriggerUser: "x", EventType: models.AuditRun, TestsResult: "FLAKY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, l.Append(tt.rec))
		})
	}

	// Nothing invalid reached the sink.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestValidateTimestamp(t *testing.T) {
	rec := models.AuditRecord{
		AuditVersion: models.AuditVersion,
		Timestamp:    "yesterday",
		TaskID:       "t",
		TriggerUser:  "x",
		EventType:    models.AuditRequest,
	}
	assert.Error(t, Validate(rec))

	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	assert.NoError(t, Validate(rec))
}

func TestValidateVersionPinned(t *testing.T) {
	rec := models.AuditRecord{
		AuditVersion: "2.0",
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:       "t",
		TriggerUser:  "x",
		EventType:    models.AuditRequest,
	}
	assert.Error(t, Validate(rec))
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	l, path := newTestLogger(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := l.Append(models.AuditRecord{
					TaskID:      fmt.Sprintf("task-%d-%d", w, i),
					TriggerUser: "racer",
					EventType:   models.AuditRun,
					TestsResult: models.TestsPass,
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, writers*perWriter)
	for _, rec := range records {
		assert.NoError(t, Validate(rec))
	}
}

func TestReadAllEmptyAfterCreate(t *testing.T) {
	_, path := newTestLogger(t)
	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Empty(t, records)
}
