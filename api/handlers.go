package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"todo-api/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
	healthTimeout        = 3 * time.Second
	anonymousScope       = "anon"
)

type handlers struct {
	todos   Todos
	auth    Authenticator
	log     *log.Logger
	metrics *Collector
	opts    Options
}

type handlerFunc func(c echo.Context, m *requestMetrics) error

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, todos Todos, auth Authenticator, logger *log.Logger, metrics *Collector, opts Options) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{todos: todos, auth: auth, log: logger, metrics: metrics, opts: opts}
	e.HTTPErrorHandler = httpErrorHandler(logger)

	e.GET("/api/todos", h.instrument("list", h.listVisible))
	e.GET("/api/todos/public", h.instrument("list_public", h.listPublic))
	e.GET("/api/todos/mine", h.instrument("list_mine", h.listMine))
	e.GET("/api/todos/:id", h.instrument("get", h.getTodo))
	e.POST("/api/todos", h.instrument("create", h.createTodo))
	e.PUT("/api/todos/:id", h.instrument("update", h.updateTodo))
	e.DELETE("/api/todos/:id", h.instrument("delete", h.deleteTodo))

	e.GET("/actuator/health", h.health)
	e.GET("/actuator/health/readiness", h.health)
	e.GET("/actuator/health/liveness", liveness)
}

type createRequest struct {
	Task *string `json:"task"`
}

type updateRequest struct {
	ID        string `json:"id"`
	Completed *bool  `json:"completed"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// instrument opens the request span and maps any error fn returns onto the
// JSON error body.
func (h *handlers) instrument(operation string, fn handlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := newRequestMetrics(c.Request().Context(), h.log, operation, c.Path())
		c.SetRequest(c.Request().WithContext(ctx))
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		m.SetRequestID(requestID)

		var failure error
		defer func() {
			status := c.Response().Status
			m.Log(status, failure)
			h.metrics.RecordOperation(operation, status)
		}()

		failure = fn(c, m)
		if failure == nil {
			return nil
		}
		m.SetErrorStage(errorStage(failure))
		if status, _ := errorFor(failure); status >= http.StatusInternalServerError {
			h.log.WithError(failure).WithFields(log.Fields{
				"request_id": requestID,
				"operation":  operation,
			}).Error("todo request failed")
		}
		return writeError(c, failure)
	}
}

// caller resolves the request identity. Without an Authorization header the
// caller is anonymous unless required is set; a header that is present but
// invalid is always rejected.
func (h *handlers) caller(c echo.Context, m *requestMetrics, required bool) (domain.Caller, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" && !required {
		return domain.Anonymous(), nil
	}
	start := time.Now()
	sub, err := h.auth.UserIDFromAuthHeader(header)
	m.ObserveAuth(time.Since(start))
	if err != nil {
		if !errors.Is(err, domain.ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
		}
		h.log.WithError(err).WithField("request_id", m.requestID).Debug("bearer token rejected")
		return domain.Caller{}, err
	}
	return domain.Authenticated(sub), nil
}

// timed runs a service call and records its duration.
func (h *handlers) timed(m *requestMetrics, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	m.ObserveStore(d)
	h.metrics.ObserveStore(m.operation, d)
	return err
}

func (h *handlers) writeList(c echo.Context, m *requestMetrics, todos []domain.Todo) error {
	if todos == nil {
		todos = []domain.Todo{}
	}
	m.SetTodosReturned(len(todos))
	return c.JSON(http.StatusOK, todos)
}

func (h *handlers) listVisible(c echo.Context, m *requestMetrics) error {
	caller, err := h.caller(c, m, h.opts.RequireAuth)
	if err != nil {
		return err
	}
	var todos []domain.Todo
	if err := h.timed(m, func() (err error) {
		todos, err = h.todos.ListVisible(c.Request().Context(), caller)
		return err
	}); err != nil {
		return err
	}
	return h.writeList(c, m, todos)
}

func (h *handlers) listPublic(c echo.Context, m *requestMetrics) error {
	var todos []domain.Todo
	if err := h.timed(m, func() (err error) {
		todos, err = h.todos.ListPublic(c.Request().Context())
		return err
	}); err != nil {
		return err
	}
	return h.writeList(c, m, todos)
}

func (h *handlers) listMine(c echo.Context, m *requestMetrics) error {
	caller, err := h.caller(c, m, true)
	if err != nil {
		return err
	}
	var todos []domain.Todo
	if err := h.timed(m, func() (err error) {
		todos, err = h.todos.ListMine(c.Request().Context(), caller)
		return err
	}); err != nil {
		return err
	}
	return h.writeList(c, m, todos)
}

func (h *handlers) getTodo(c echo.Context, m *requestMetrics) error {
	caller, err := h.caller(c, m, false)
	if err != nil {
		return err
	}
	var todo domain.Todo
	if err := h.timed(m, func() (err error) {
		todo, err = h.todos.GetTodo(c.Request().Context(), c.Param("id"), caller)
		return err
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, todo)
}

func (h *handlers) createTodo(c echo.Context, m *requestMetrics) error {
	caller, err := h.caller(c, m, h.opts.RequireAuth)
	if err != nil {
		return err
	}
	var req createRequest
	if _, err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Task == nil {
		return fmt.Errorf("%w: task is required", domain.ErrInvalidInput)
	}

	key := c.Request().Header.Get(headerIdempotencyKey)
	if key == "" || h.opts.Idempotency == nil {
		return h.create(c, m, *req.Task, caller)
	}
	if len(key) > maxIdempotencyKeyLen {
		return fmt.Errorf("%w: %s longer than %d characters", domain.ErrInvalidInput, headerIdempotencyKey, maxIdempotencyKeyLen)
	}
	return h.createIdempotent(c, m, *req.Task, caller, key)
}

func (h *handlers) create(c echo.Context, m *requestMetrics, task string, caller domain.Caller) error {
	var todo domain.Todo
	if err := h.timed(m, func() (err error) {
		todo, err = h.todos.CreateTodo(c.Request().Context(), task, caller)
		return err
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, todo)
}

func (h *handlers) createIdempotent(c echo.Context, m *requestMetrics, task string, caller domain.Caller, key string) error {
	ctx := c.Request().Context()
	scope := anonymousScope
	if sub, ok := caller.Subject(); ok {
		scope = sub
	}
	entry := h.log.WithFields(log.Fields{"request_id": m.requestID, "idempotency_key": key})

	existing, reserved, err := h.opts.Idempotency.Reserve(ctx, scope, key)
	if err != nil {
		entry.WithError(err).Warn("idempotency store unavailable; creating without replay protection")
		return h.create(c, m, task, caller)
	}
	if !reserved {
		if existing == "" {
			return errIdempotencyInFlight
		}
		todo, err := h.todos.GetTodo(ctx, existing, caller)
		switch {
		case err == nil:
			c.Response().Header().Set(headerReplayed, "true")
			return c.JSON(http.StatusCreated, todo)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		entry.WithField("todo_id", existing).Info("replayed todo no longer exists; creating a new one")
	}

	var todo domain.Todo
	if err := h.timed(m, func() (err error) {
		todo, err = h.todos.CreateTodo(ctx, task, caller)
		return err
	}); err != nil {
		if rerr := h.opts.Idempotency.Release(context.WithoutCancel(ctx), scope, key); rerr != nil {
			entry.WithError(rerr).Error("idempotency release failed")
		}
		return err
	}
	if err := h.opts.Idempotency.Bind(context.WithoutCancel(ctx), scope, key, todo.ID); err != nil {
		entry.WithError(err).WithField("todo_id", todo.ID).Error("idempotency bind failed")
	}
	return c.JSON(http.StatusCreated, todo)
}

// updateTodo sets completed to the value in the body, or toggles it when the
// body does not carry one.
func (h *handlers) updateTodo(c echo.Context, m *requestMetrics) error {
	caller, err := h.caller(c, m, true)
	if err != nil {
		return err
	}
	id := c.Param("id")
	var req updateRequest
	if _, err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.ID != "" && req.ID != id {
		return fmt.Errorf("%w: body id %q does not match path id %q", domain.ErrInvalidInput, req.ID, id)
	}

	var todo domain.Todo
	if err := h.timed(m, func() (err error) {
		if req.Completed == nil {
			todo, err = h.todos.ToggleCompleted(c.Request().Context(), id, caller)
		} else {
			todo, err = h.todos.SetCompleted(c.Request().Context(), id, caller, *req.Completed)
		}
		return err
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, todo)
}

func (h *handlers) deleteTodo(c echo.Context, m *requestMetrics) error {
	caller, err := h.caller(c, m, true)
	if err != nil {
		return err
	}
	if err := h.timed(m, func() error {
		return h.todos.DeleteTodo(c.Request().Context(), c.Param("id"), caller)
	}); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := h.todos.Ready(ctx); err != nil {
		h.log.WithError(err).Warn("readiness check failed")
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "DOWN"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "UP"})
}

func liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "UP"})
}
