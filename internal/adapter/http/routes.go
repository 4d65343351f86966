package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the REST and WebSocket routes on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.HealthHandler)
	if h.WS != nil {
		r.Handle("/ws", h.WS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"1"}`))
		})

		r.Post("/agent/execute", h.ExecuteTask)

		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/logs", h.ListTaskLogs)
		r.Delete("/tasks/{id}", h.DeleteTask)

		r.Get("/models", h.ListModels)
	})
}
