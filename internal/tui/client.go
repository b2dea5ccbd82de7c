package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/warden/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// ActionTimeout bounds action requests. Approve blocks until the whole run
// settles, so it gets far more room than a list call.
const ActionTimeout = 30 * time.Minute

// Client wraps HTTP calls to the warden gateway.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	actionClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: DefaultClientTimeout},
		actionClient: &http.Client{Timeout: ActionTimeout},
	}
}

// ListTasks fetches the most recent tasks from the gateway.
func (c *Client) ListTasks(limit int) ([]models.Task, error) {
	url := fmt.Sprintf("%s/tasks?limit=%d", c.baseURL, limit)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var tasks []models.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ApplyAction applies an operator action to a task.
func (c *Client) ApplyAction(taskID, action, actor string) error {
	payload, _ := json.Marshal(map[string]string{"action": action, "actor": actor})
	url := fmt.Sprintf("%s/tasks/%s/actions", c.baseURL, taskID)
	resp, err := c.actionClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return nil
}
