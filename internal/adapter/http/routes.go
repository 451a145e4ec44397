package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/omnitask/internal/middleware"
)

// MountRoutes registers the API routes on the given chi router. Every API
// route acts on behalf of the user named by the identity header; userMW runs
// after the identity check. ws, when non-nil, is mounted at /api/v1/ws.
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc, userMW ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.UserID)
			r.Use(userMW...)

			r.Get("/account", h.GetAccount)

			// Tasks
			r.Post("/tasks/estimate", handleBody(http.StatusOK, h.estimatePrice))
			r.Post("/tasks", handleBody(http.StatusCreated, h.createTask))
			r.Get("/tasks", h.ListTasks)
			r.Get("/tasks/{id}", handleTask(h.Tasks.Get))
			r.Delete("/tasks/{id}", h.DeleteTask)
			r.Post("/tasks/{id}/confirm", handleTask(h.Tasks.ConfirmPayment))
			r.Post("/tasks/{id}/cancel", handleTask(h.Tasks.Cancel))
			r.Post("/tasks/{id}/answers", handleBody(http.StatusAccepted, h.answerClarification))

			// Conversation
			r.Get("/tasks/{id}/messages", handleTaskList(h.Tasks.ListMessages))
			r.Post("/tasks/{id}/messages", handleBody(http.StatusCreated, h.Chat.PostMessage))

			if ws != nil {
				r.Get("/ws", ws)
			}
		})
	})
}
