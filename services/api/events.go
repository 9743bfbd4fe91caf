package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"metald/services/workflow"
)

const (
	workflowStatusTopic  = "metald.workflows.status"
	workflowSubTaskTopic = "metald.workflows.subtask"
	workflowStepTopic    = "metald.workflows.steps"

	// sseBuffer bounds the per-connection event queue; a client that
	// cannot keep up loses events rather than slowing the monitor.
	sseBuffer = 64
)

// BridgeEvents republishes monitor events onto the NATS bus until ctx is
// cancelled. No-op when the bus is not configured.
func (a *API) BridgeEvents(ctx context.Context) {
	if a.bus == nil {
		return
	}

	token := a.manager.Monitor().Subscribe(uuid.Nil, func(ev workflow.Event) {
		var subject string
		switch ev.Kind {
		case workflow.EventStatus:
			subject = workflowStatusTopic
		case workflow.EventSubTask, workflow.EventProgress:
			subject = workflowSubTaskTopic
		case workflow.EventStepStarted, workflow.EventStepFinished:
			subject = workflowStepTopic
		default:
			return
		}
		if err := a.bus.Publish(ctx, subject, ev); err != nil {
			a.logger.Printf("WARN: event publish failed on %s: %v", subject, err)
		}
	})

	go func() {
		<-ctx.Done()
		a.manager.Monitor().Unsubscribe(token)
	}()
}

func (a *API) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := a.manager.Status(id); err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	a.streamEvents(w, r, id)
}

func (a *API) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	a.streamEvents(w, r, uuid.Nil)
}

// streamEvents serves a server-sent-events feed of monitor events for one
// workflow, or for all workflows when id is uuid.Nil. The stream ends when
// the client disconnects or, for single-workflow streams, shortly after
// the workflow reaches a terminal status.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan workflow.Event, sseBuffer)
	token := a.manager.Monitor().Subscribe(id, func(ev workflow.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer a.manager.Monitor().Unsubscribe(token)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()

			if id != uuid.Nil && ev.Kind == workflow.EventStatus && ev.Status.Terminal() {
				return
			}
		}
	}
}
