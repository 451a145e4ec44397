package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/omnitask/internal/domain/pricing"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/middleware"
	"github.com/Strob0t/omnitask/internal/service"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the services the HTTP routes call into.
type Handlers struct {
	Tasks     *service.TaskService
	Chat      *service.ChatService
	Selector  *service.Selector
	Store     Pinger
	Connected func() bool // queue connection state
}

func (h *Handlers) estimatePrice(_ context.Context, _, _ string, req task.CreateRequest) (*pricing.Quote, error) {
	return h.Tasks.EstimatePrice(req)
}

func (h *Handlers) createTask(ctx context.Context, userID, _ string, req task.CreateRequest) (*task.Task, error) {
	return h.Tasks.Create(ctx, userID, req)
}

// ListTasks handles GET /api/v1/tasks?limit=&offset=
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := h.Tasks.List(r.Context(), middleware.UserIDFromContext(r.Context()), limit, offset)
	if err != nil {
		writeDomainError(w, r, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Delete(r.Context(), middleware.UserIDFromContext(r.Context()), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, msgTaskNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type answersRequest struct {
	Answers []string `json:"answers"`
}

func (h *Handlers) answerClarification(ctx context.Context, userID, taskID string, req answersRequest) (*task.Task, error) {
	return h.Tasks.AnswerClarification(ctx, userID, taskID, req.Answers)
}

// GetAccount handles GET /api/v1/account
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Tasks.Account(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, err, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type healthResponse struct {
	Status    string          `json:"status"`
	Postgres  string          `json:"postgres"`
	NATS      string          `json:"nats"`
	Providers map[string]bool `json:"providers"`
}

// Health handles GET /health. The service is degraded when a backing store
// is down; unhealthy providers are reported but do not fail the check.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Postgres: "ok", NATS: "ok"}
	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			resp.Status, resp.Postgres = "degraded", "unreachable"
		}
	}
	if h.Connected != nil && !h.Connected() {
		resp.Status, resp.NATS = "degraded", "disconnected"
	}
	if h.Selector != nil {
		resp.Providers = h.Selector.HealthCheckAll(ctx)
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
