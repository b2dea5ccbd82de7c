package controlplane

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fentz26/warden/internal/models"
)

// Server provides the HTTP gateway consumed by chat front ends and the CLI.
type Server struct {
	echo    *echo.Echo
	service *Service
	logger  *zap.Logger
	addr    string
}

// NewServer creates the gateway server.
func NewServer(service *Service, logger *zap.Logger, addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, service: service, logger: logger, addr: addr}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/tasks", s.handleCreateTask)
	s.echo.GET("/tasks", s.handleListTasks)
	s.echo.GET("/tasks/:id", s.handleGetTask)
	s.echo.POST("/tasks/:id/actions", s.handleTaskAction)
	s.echo.POST("/tasks/:id/rerun", s.handleRerunTask)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting gateway", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// --- request/response shapes ---

type createTaskRequest struct {
	Source           string `json:"source"`
	TriggerUser      string `json:"trigger_user"`
	Repo             string `json:"repo"`
	Intent           string `json:"intent"`
	Agent            string `json:"agent"`
	DeliveryStrategy string `json:"delivery_strategy"`
	BaseBranch       string `json:"base_branch"`
}

type createTaskResponse struct {
	Task         *models.Task      `json:"task"`
	NextStatus   models.TaskStatus `json:"next_status"`
	NeedsClarify bool              `json:"needs_clarify"`
	ExpectedPath string            `json:"expected_path,omitempty"`
}

type taskDetailResponse struct {
	Task      *models.Task         `json:"task"`
	RunResult *models.RunResult    `json:"run_result,omitempty"`
	Stage     models.ProgressStage `json:"stage,omitempty"`
}

type actionRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

type actionResponse struct {
	Task      *models.Task      `json:"task"`
	RunResult *models.RunResult `json:"run_result"`
}

type rerunRequest struct {
	Actor string `json:"actor"`
}

type errorResponse struct {
	ErrorCode  models.ErrorCode   `json:"error_code"`
	Message    string             `json:"message"`
	Violations []models.Violation `json:"violations,omitempty"`
}

// writeError maps a service error onto its HTTP-equivalent status.
func writeError(c echo.Context, err error) error {
	se := AsError(err)
	return c.JSON(se.Status, errorResponse{
		ErrorCode:  se.Code,
		Message:    se.Message,
		Violations: se.Violations,
	})
}

// --- handlers ---

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errValidation("invalid json body"))
	}

	result, err := s.service.CreateTask(c.Request().Context(), CreateTaskParams{
		Source:           req.Source,
		TriggerUser:      req.TriggerUser,
		Repo:             req.Repo,
		Intent:           req.Intent,
		Agent:            req.Agent,
		DeliveryStrategy: models.DeliveryStrategy(req.DeliveryStrategy),
		BaseBranch:       req.BaseBranch,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, createTaskResponse{
		Task:         result.Task,
		NextStatus:   result.Task.Status,
		NeedsClarify: result.NeedsClarify,
		ExpectedPath: result.ExpectedPath,
	})
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.service.GetTask(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	resp := taskDetailResponse{Task: task}
	if result, err := s.service.RunResult(task.ID); err == nil {
		resp.RunResult = result
	}
	if stage, ok := s.service.Stage(task.ID); ok {
		resp.Stage = stage
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTasks(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return writeError(c, errValidation("limit must be a positive integer"))
		}
		limit = n
	}
	tasks, err := s.service.ListTasks(limit)
	if err != nil {
		return writeError(c, err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleTaskAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errValidation("invalid json body"))
	}

	task, result, err := s.service.ApplyAction(c.Request().Context(), c.Param("id"), req.Action, req.Actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, actionResponse{Task: task, RunResult: result})
}

func (s *Server) handleRerunTask(c echo.Context) error {
	var req rerunRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errValidation("invalid json body"))
	}
	if req.Actor == "" {
		return writeError(c, errValidation("actor is required"))
	}

	result, err := s.service.RerunTask(c.Request().Context(), c.Param("id"), req.Actor, "rerun")
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, createTaskResponse{
		Task:         result.Task,
		NextStatus:   result.Task.Status,
		NeedsClarify: result.NeedsClarify,
		ExpectedPath: result.ExpectedPath,
	})
}
