package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/warden/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *models.Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Task{
		ID:               id,
		Source:           "cli",
		TriggerUser:      "alice",
		Repo:             "payments",
		Branch:           "warden/" + id,
		BaseBranch:       "main",
		DeliveryStrategy: models.DeliveryRolling,
		Intent:           "fix the retry loop",
		Agent:            "claude",
		Status:           models.TaskStatusWaitApproveWrite,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)

	task := sampleTask("task-1")
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Repo, got.Repo)
	assert.Equal(t, task.Intent, got.Intent)
	assert.Equal(t, models.TaskStatusWaitApproveWrite, got.Status)
	assert.Equal(t, models.DeliveryRolling, got.DeliveryStrategy)
	assert.Empty(t, got.ApprovedBy)
}

func TestGetTaskAbsent(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetTask("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClarifyFieldsRoundtrip(t *testing.T) {
	s := newTestStore(t)

	task := sampleTask("task-clarify")
	task.Status = models.TaskStatusWaitClarify
	task.ClarifyReason = models.ClarifySnapshotMissing
	task.MissingFields = []string{"snapshot", "sandbox_image", "test_command"}
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("task-clarify")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ClarifySnapshotMissing, got.ClarifyReason)
	assert.Equal(t, []string{"snapshot", "sandbox_image", "test_command"}, got.MissingFields)
}

func TestUpdateClarifyClearsReason(t *testing.T) {
	s := newTestStore(t)

	task := sampleTask("task-retry")
	task.Status = models.TaskStatusWaitClarify
	task.ClarifyReason = models.ClarifyRuntimeConfigMissing
	task.MissingFields = []string{"sandbox_image"}
	require.NoError(t, s.CreateTask(task))

	require.NoError(t, s.UpdateClarify("task-retry", models.TaskStatusWaitApproveWrite, "", nil))

	got, err := s.GetTask("task-retry")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusWaitApproveWrite, got.Status)
	assert.Empty(t, got.ClarifyReason)
	assert.Empty(t, got.MissingFields)
}

func TestListTasksNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		task := sampleTask(fmt.Sprintf("task-%d", i))
		task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		task.UpdatedAt = task.CreatedAt
		require.NoError(t, s.CreateTask(task))
	}

	tasks, err := s.ListTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "task-2", tasks[0].ID)
	assert.Equal(t, "task-0", tasks[2].ID)

	limited, err := s.ListTasks(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)

	running := sampleTask("task-running")
	running.Status = models.TaskStatusRunning
	require.NoError(t, s.CreateTask(running))
	require.NoError(t, s.CreateTask(sampleTask("task-waiting")))

	tasks, err := s.ListByStatus(models.TaskStatusRunning)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-running", tasks[0].ID)
}

func TestApproveTaskCAS(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(sampleTask("task-cas")))

	ok, err := s.ApproveTask("task-cas", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask("task-cas")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, "bob", got.ApprovedBy)

	// Second approve hits a task that is no longer approvable.
	ok, err = s.ApproveTask("task-cas", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetTask("task-cas")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.ApprovedBy)
}

func TestApproveTaskConcurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(sampleTask("task-race")))

	const attempts = 8
	results := make([]bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ApproveTask("task-race", fmt.Sprintf("user-%d", i))
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestApproveTaskAbsent(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.ApproveTask("ghost", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateTaskStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(sampleTask("task-status")))

	require.NoError(t, s.UpdateTaskStatus("task-status", models.TaskStatusFailed))

	got, err := s.GetTask("task-status")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
}

func TestSaveAndGetRunResult(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(sampleTask("task-run")))

	started := time.Now().UTC().Add(-time.Minute)
	finished := time.Now().UTC()
	run := &models.RunResult{
		TaskID:       "task-run",
		TestsResult:  models.TestsPass,
		TestLog:      "ok\tall tests passed",
		DiffHash:     "abc123",
		HasDiff:      true,
		ChangedFiles: []string{"internal/server.go", "README.md"},
		AgentLogs:    []string{"planning", "editing server.go"},
		AgentMeta:    map[string]string{"model": "large", "turns": "4"},
		PRLink:       "https://example.com/pr/7",
		StartedAt:    started,
		FinishedAt:   finished,
	}
	require.NoError(t, s.SaveRunResult(run))

	got, err := s.GetRunResult("task-run")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.TestsPass, got.TestsResult)
	assert.Equal(t, "abc123", got.DiffHash)
	assert.True(t, got.HasDiff)
	assert.Equal(t, run.ChangedFiles, got.ChangedFiles)
	assert.Equal(t, run.AgentLogs, got.AgentLogs)
	assert.Equal(t, run.AgentMeta, got.AgentMeta)
	assert.Equal(t, run.PRLink, got.PRLink)
}

func TestGetRunResultLatestWins(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(sampleTask("task-reruns")))

	now := time.Now().UTC()
	for i, hash := range []string{"first", "second"} {
		require.NoError(t, s.SaveRunResult(&models.RunResult{
			TaskID:      "task-reruns",
			TestsResult: models.TestsFail,
			DiffHash:    hash,
			HasDiff:     true,
			StartedAt:   now.Add(time.Duration(i) * time.Minute),
			FinishedAt:  now.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}))
	}

	got, err := s.GetRunResult("task-reruns")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.DiffHash)
}

func TestGetRunResultAbsent(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRunResult("nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
