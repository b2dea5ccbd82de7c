// Package store provides SQLite-backed persistence for warden tasks and run
// results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fentz26/warden/internal/models"
)

// Store provides access to the warden SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency; SQLite supports one writer at a time.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		trigger_user TEXT NOT NULL,
		approved_by TEXT,
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		delivery_strategy TEXT NOT NULL,
		intent TEXT NOT NULL,
		agent TEXT NOT NULL,
		status TEXT NOT NULL,
		clarify_reason TEXT,
		missing_fields TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		tests_result TEXT NOT NULL,
		test_log TEXT,
		diff_hash TEXT,
		has_diff INTEGER NOT NULL,
		changed_files TEXT,
		agent_logs TEXT,
		agent_meta TEXT,
		pr_link TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

// CreateTask inserts a new task.
func (s *Store) CreateTask(task *models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, source, trigger_user, approved_by, repo, branch, base_branch,
			delivery_strategy, intent, agent, status, clarify_reason, missing_fields,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Source, task.TriggerUser, nullable(task.ApprovedBy), task.Repo,
		task.Branch, task.BaseBranch, string(task.DeliveryStrategy), task.Intent, task.Agent,
		string(task.Status), nullable(string(task.ClarifyReason)),
		nullable(strings.Join(task.MissingFields, ",")), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, source, trigger_user, approved_by, repo, branch, base_branch,
	delivery_strategy, intent, agent, status, clarify_reason, missing_fields,
	created_at, updated_at`

// GetTask retrieves a task by ID. Returns nil, nil when absent.
func (s *Store) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns the most recently created tasks, newest first.
func (s *Store) ListTasks(limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ListByStatus returns every task currently in the given status.
func (s *Store) ListByStatus(status models.TaskStatus) ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus updates the status of a task.
func (s *Store) UpdateTaskStatus(id string, status models.TaskStatus) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	return err
}

// UpdateClarify records the clarify state after a create or retry check.
func (s *Store) UpdateClarify(id string, status models.TaskStatus, reason models.ClarifyReason, missing []string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, clarify_reason = ?, missing_fields = ?, updated_at = ? WHERE id = ?`,
		string(status), nullable(string(reason)), nullable(strings.Join(missing, ",")),
		time.Now().UTC(), id,
	)
	return err
}

// ApproveTask atomically moves a task from WAIT_APPROVE_WRITE to RUNNING and
// stamps the approver. Returns false when the task was not in the approvable
// state, so a concurrent approve observes the conflict instead of a second
// transition.
func (s *Store) ApproveTask(id, approvedBy string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, approved_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.TaskStatusRunning), approvedBy, time.Now().UTC(),
		id, string(models.TaskStatusWaitApproveWrite),
	)
	if err != nil {
		return false, fmt.Errorf("approve task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// --- Run Results ---

// SaveRunResult persists the aggregated result of one runner invocation.
func (s *Store) SaveRunResult(r *models.RunResult) error {
	changed, _ := json.Marshal(r.ChangedFiles)
	logs, _ := json.Marshal(r.AgentLogs)
	meta, _ := json.Marshal(r.AgentMeta)

	_, err := s.db.Exec(
		`INSERT INTO runs (task_id, tests_result, test_log, diff_hash, has_diff,
			changed_files, agent_logs, agent_meta, pr_link, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, string(r.TestsResult), r.TestLog, r.DiffHash, boolInt(r.HasDiff),
		string(changed), string(logs), string(meta), nullable(r.PRLink),
		r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run result: %w", err)
	}
	return nil
}

// GetRunResult returns the latest run result for a task, or nil, nil.
func (s *Store) GetRunResult(taskID string) (*models.RunResult, error) {
	var (
		r                   models.RunResult
		changed, logs, meta string
		prLink, testsResult sql.NullString
		hasDiff             int
	)
	err := s.db.QueryRow(
		`SELECT task_id, tests_result, test_log, diff_hash, has_diff, changed_files,
			agent_logs, agent_meta, pr_link, started_at, finished_at
		 FROM runs WHERE task_id = ? ORDER BY id DESC LIMIT 1`,
		taskID,
	).Scan(&r.TaskID, &testsResult, &r.TestLog, &r.DiffHash, &hasDiff,
		&changed, &logs, &meta, &prLink, &r.StartedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run result: %w", err)
	}

	r.TestsResult = models.TestsResult(testsResult.String)
	r.HasDiff = hasDiff == 1
	if prLink.Valid {
		r.PRLink = prLink.String
	}
	json.Unmarshal([]byte(changed), &r.ChangedFiles)
	json.Unmarshal([]byte(logs), &r.AgentLogs)
	json.Unmarshal([]byte(meta), &r.AgentMeta)
	return &r, nil
}

// --- helpers ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		task                                     models.Task
		approvedBy, clarifyReason, missingFields sql.NullString
		strategy, status                         string
	)
	err := row.Scan(&task.ID, &task.Source, &task.TriggerUser, &approvedBy, &task.Repo,
		&task.Branch, &task.BaseBranch, &strategy, &task.Intent, &task.Agent,
		&status, &clarifyReason, &missingFields, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.DeliveryStrategy = models.DeliveryStrategy(strategy)
	task.Status = models.TaskStatus(status)
	if approvedBy.Valid {
		task.ApprovedBy = approvedBy.String
	}
	if clarifyReason.Valid {
		task.ClarifyReason = models.ClarifyReason(clarifyReason.String)
	}
	if missingFields.Valid && missingFields.String != "" {
		task.MissingFields = strings.Split(missingFields.String, ",")
	}
	return &task, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
