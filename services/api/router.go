package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the chi router containing all API endpoints. The
// events stream is mounted outside the timeout middleware since SSE
// connections are intentionally long-lived.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/workflows", a.handleCreateWorkflow)
			r.Post("/workflows/batch", a.handleStartBatch)
			r.Get("/workflows", a.handleListWorkflows)
			r.Get("/workflows/{id}", a.handleWorkflowStatus)
			r.Post("/workflows/{id}/start", a.handleStartWorkflow)
			r.Post("/workflows/{id}/cancel", a.handleCancelWorkflow)
			r.Get("/workflows/{id}/history", a.handleWorkflowHistory)
			r.Get("/servers/{id}/history", a.handleServerHistory)
		})
		r.Get("/workflows/{id}/events", a.handleWorkflowEvents)
		r.Get("/events", a.handleAllEvents)
	})

	return r, nil
}
