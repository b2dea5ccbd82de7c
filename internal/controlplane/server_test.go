package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/runner"
)

func newTestServer(t *testing.T, r *stubRunner) (*Server, *fixture) {
	t.Helper()
	f := newFixture(t, r)
	return NewServer(f.service, zap.NewNop(), "127.0.0.1:0"), f
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})
	rec := doJSON(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warden_")
}

func TestCreateTaskEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	rec := doJSON(t, srv, http.MethodPost, "/tasks",
		`{"source":"chat","trigger_user":"alice","repo":"payments","intent":"fix it"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.TaskStatusWaitApproveWrite, resp.NextStatus)
	assert.False(t, resp.NeedsClarify)
	assert.NotEmpty(t, resp.Task.ID)
}

func TestCreateTaskClarifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})

	rec := doJSON(t, srv, http.MethodPost, "/tasks",
		`{"source":"chat","trigger_user":"alice","repo":"ghost","intent":"fix it"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.TaskStatusWaitClarify, resp.NextStatus)
	assert.True(t, resp.NeedsClarify)
	assert.NotEmpty(t, resp.ExpectedPath)
}

func TestCreateTaskValidationEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})

	rec := doJSON(t, srv, http.MethodPost, "/tasks", `{"source":"chat"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeValidation, resp.ErrorCode)
}

func TestGetTaskEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/tasks/"+created.Task.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, created.Task.ID, resp.Task.ID)
	assert.Nil(t, resp.RunResult)
}

func TestGetTaskIncludesRunResultAfterApprove(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)
	_, _, err = f.service.ApplyAction(t.Context(), created.Task.ID, "approve", "bob")
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/tasks/"+created.Task.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.TaskStatusCompleted, resp.Task.Status)
	require.NotNil(t, resp.RunResult)
	assert.Equal(t, "https://example.com/pr/1", resp.RunResult.PRLink)
}

func TestGetTaskNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})

	rec := doJSON(t, srv, http.MethodGet, "/tasks/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeTaskNotFound, resp.ErrorCode)
}

func TestListTasksEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	_, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/tasks?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []models.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)
}

func TestListTasksBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})
	for _, q := range []string{"limit=0", "limit=-3", "limit=lots"} {
		rec := doJSON(t, srv, http.MethodGet, "/tasks?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListTasksEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{result: passingRun()})
	rec := doJSON(t, srv, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestApproveActionEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/actions",
		`{"action":"approve","actor":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.TaskStatusCompleted, resp.Task.Status)
	require.NotNil(t, resp.RunResult)
	assert.Equal(t, "https://example.com/pr/1", resp.RunResult.PRLink)
}

func TestInvalidActionEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/actions",
		`{"action":"launch","actor":"bob"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeInvalidAction, resp.ErrorCode)
}

func TestStateConflictEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	first := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/actions",
		`{"action":"approve","actor":"bob"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/actions",
		`{"action":"approve","actor":"carol"}`)
	require.Equal(t, http.StatusConflict, second.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeStateConflict, resp.ErrorCode)
}

func TestPolicyViolationSurfacedInBody(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{
		err: &runner.Error{
			Code:       models.ErrCodePolicyViolation,
			Violations: []models.Violation{{Rule: models.RuleBlockedPath, Paths: []string{"secrets/key"}}},
			Err:        errors.New("1 policy violation(s)"),
		},
	})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/actions",
		`{"action":"approve","actor":"bob"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodePolicyViolation, resp.ErrorCode)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, []string{"secrets/key"}, resp.Violations[0].Paths)
}

func TestRerunEndpoint(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/rerun",
		`{"actor":"carol"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, created.Task.ID, resp.Task.ID)
	assert.Equal(t, "carol", resp.Task.TriggerUser)
}

func TestRerunRequiresActor(t *testing.T) {
	srv, f := newTestServer(t, &stubRunner{result: passingRun()})
	f.makeRepoReady(t, "payments")

	created, err := f.service.CreateTask(t.Context(), createParams("payments"))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/tasks/"+created.Task.ID+"/rerun", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
