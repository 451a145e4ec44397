package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/omnitask/internal/middleware"
)

const msgTaskNotFound = "task not found"

// taskAction is a service call on one task of the calling user.
type taskAction[T any] func(ctx context.Context, userID, taskID string) (T, error)

// handleTask adapts a taskAction to a route carrying the task id in {id}.
// The result is written as JSON with 200.
func handleTask[T any](fn taskAction[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		out, err := fn(ctx, middleware.UserIDFromContext(ctx), urlParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err, msgTaskNotFound)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// bodyAction is a service call that also takes a decoded JSON body. taskID
// is empty on collection routes.
type bodyAction[Req, Resp any] func(ctx context.Context, userID, taskID string, req Req) (Resp, error)

// handleBody decodes the request body into Req, runs fn and writes the
// result with status.
func handleBody[Req, Resp any](status int, fn bodyAction[Req, Resp]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r)
		if !ok {
			return
		}
		ctx := r.Context()
		out, err := fn(ctx, middleware.UserIDFromContext(ctx), urlParam(r, "id"), req)
		if err != nil {
			writeDomainError(w, r, err, msgTaskNotFound)
			return
		}
		writeJSON(w, status, out)
	}
}

// handleTaskList is handleTask for list results; an empty list is written
// as [] rather than null.
func handleTaskList[E any](fn taskAction[[]E]) http.HandlerFunc {
	return handleTask(func(ctx context.Context, userID, taskID string) ([]E, error) {
		items, err := fn(ctx, userID, taskID)
		if err == nil && items == nil {
			items = []E{}
		}
		return items, err
	})
}
