package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metald/services/workflow"
)

type serverSpec struct {
	ServerID   uuid.UUID `json:"server_id"`
	DeviceType string    `json:"device_type"`
	TargetIP   string    `json:"target_ip,omitempty"`
}

func (s serverSpec) validate() error {
	if s.ServerID == uuid.Nil {
		return errors.New("server_id is required")
	}
	if strings.TrimSpace(s.DeviceType) == "" {
		return errors.New("device_type is required")
	}
	return nil
}

// contextFor resolves credentials and builds the workflow context for one
// target server.
func (a *API) contextFor(s serverSpec) (*workflow.Context, error) {
	creds, err := a.secrets.For(s.ServerID.String(), s.DeviceType)
	if err != nil {
		return nil, err
	}
	return workflow.NewContext(s.ServerID, s.DeviceType, s.TargetIP, creds), nil
}

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pipeline string `json:"pipeline"`
		serverSpec
		Start bool `json:"start,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Pipeline == "" {
		respondError(w, http.StatusBadRequest, errors.New("pipeline is required"))
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	c, err := a.contextFor(req.serverSpec)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	wf, err := a.manager.Create(req.Pipeline, c)
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownPipeline) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if req.Start {
		if err := a.manager.Start(wf.ID); err != nil {
			respondError(w, http.StatusConflict, err)
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]any{"workflow": wf.View()})
}

func (a *API) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	switch err := a.manager.Start(id); {
	case err == nil:
		view, _ := a.manager.Status(id)
		respondJSON(w, http.StatusOK, map[string]any{"workflow": view})
	case errors.Is(err, workflow.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrInvalidState):
		respondError(w, http.StatusConflict, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.manager.Cancel(id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	view, _ := a.manager.Status(id)
	respondJSON(w, http.StatusOK, map[string]any{"workflow": view})
}

func (a *API) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.manager.Status(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflow": view})
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var filter workflow.ListFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := workflow.Status(strings.ToUpper(raw))
		switch status {
		case workflow.StatusPending, workflow.StatusRunning, workflow.StatusCompleted,
			workflow.StatusFailed, workflow.StatusCancelled:
			filter.Status = status
		default:
			respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", raw))
			return
		}
	}
	if raw := r.URL.Query().Get("server_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid server_id: %w", err))
			return
		}
		filter.ServerID = id
	}

	views := a.manager.List(filter)
	respondJSON(w, http.StatusOK, map[string]any{"workflows": views, "count": len(views)})
}

func (a *API) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pipeline    string       `json:"pipeline"`
		MaxParallel int          `json:"max_parallel"`
		Servers     []serverSpec `json:"servers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Pipeline == "" {
		respondError(w, http.StatusBadRequest, errors.New("pipeline is required"))
		return
	}
	if len(req.Servers) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("at least one server is required"))
		return
	}
	if req.MaxParallel > a.config.MaxBatchParallel {
		respondError(w, http.StatusBadRequest, fmt.Errorf("max_parallel exceeds limit %d", a.config.MaxBatchParallel))
		return
	}

	contexts := make([]*workflow.Context, 0, len(req.Servers))
	for i, s := range req.Servers {
		if err := s.validate(); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("server %d: %w", i, err))
			return
		}
		c, err := a.contextFor(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("server %d: %w", i, err))
			return
		}
		contexts = append(contexts, c)
	}

	ids, err := a.manager.StartBatch(req.Pipeline, contexts, req.MaxParallel)
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownPipeline) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"workflow_ids": ids, "count": len(ids)})
}

func workflowID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid workflow id %q", raw)
	}
	return id, nil
}
