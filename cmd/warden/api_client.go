package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/warden/internal/models"
)

// apiClient wraps HTTP calls to the warden gateway for the CLI commands.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Approve blocks for the whole run; give it room.
			Timeout: 30 * time.Minute,
		},
	}
}

type createTaskResponse struct {
	Task         *models.Task      `json:"task"`
	NextStatus   models.TaskStatus `json:"next_status"`
	NeedsClarify bool              `json:"needs_clarify"`
	ExpectedPath string            `json:"expected_path"`
}

type actionResponse struct {
	Task      *models.Task      `json:"task"`
	RunResult *models.RunResult `json:"run_result"`
}

type taskDetailResponse struct {
	Task      *models.Task      `json:"task"`
	RunResult *models.RunResult `json:"run_result"`
	Stage     string            `json:"stage"`
}

func (c *apiClient) createTask(req map[string]string) (*createTaskResponse, error) {
	var resp createTaskResponse
	if err := c.post("/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) getTask(id string) (*taskDetailResponse, error) {
	var resp taskDetailResponse
	if err := c.get("/tasks/"+id, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) listTasks(limit int) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.get(fmt.Sprintf("/tasks?limit=%d", limit), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *apiClient) applyAction(id, action, actor string) (*actionResponse, error) {
	var resp actionResponse
	if err := c.post("/tasks/"+id+"/actions", map[string]string{"action": action, "actor": actor}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) rerunTask(id, actor string) (*createTaskResponse, error) {
	var resp createTaskResponse
	if err := c.post("/tasks/"+id+"/rerun", map[string]string{"actor": actor}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *apiClient) post(path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.ErrorCode != "" {
			return fmt.Errorf("%s: %s", apiErr.ErrorCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
