package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metald/pkg/db"
	"metald/services/workflow"
)

type historyRow struct {
	ID         uuid.UUID `db:"id"`
	WorkflowID uuid.UUID `db:"workflow_id"`
	ServerID   uuid.UUID `db:"server_id"`
	Pipeline   string    `db:"pipeline"`
	Step       string    `db:"step"`
	Attempts   int       `db:"attempts"`
	Status     string    `db:"status"`
	ErrorKind  string    `db:"error_kind"`
	Transcript []byte    `db:"transcript"`
	CreatedAt  time.Time `db:"created_at"`
}

type historyEntry struct {
	WorkflowID uuid.UUID                  `json:"workflow_id"`
	ServerID   uuid.UUID                  `json:"server_id"`
	Pipeline   string                     `json:"pipeline"`
	Step       string                     `json:"step,omitempty"`
	Attempts   int                        `json:"attempts,omitempty"`
	Status     string                     `json:"status"`
	ErrorKind  string                     `json:"error_kind,omitempty"`
	Transcript []workflow.OperationRecord `json:"transcript,omitempty"`
	At         time.Time                  `json:"at"`
}

const historyQuery = `SELECT id, workflow_id, server_id, pipeline, step, attempts, status, error_kind, transcript, created_at
FROM workflow_history WHERE %s = $1 ORDER BY created_at ASC`

func (a *API) handleServerHistory(w http.ResponseWriter, r *http.Request) {
	a.serveHistory(w, r, "server_id")
}

func (a *API) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	a.serveHistory(w, r, "workflow_id")
}

func (a *API) serveHistory(w http.ResponseWriter, r *http.Request, column string) {
	if a.pool == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("audit database is not configured"))
		return
	}

	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", raw))
		return
	}

	var rows []historyRow
	if err := db.Select(r.Context(), a.pool, &rows, fmt.Sprintf(historyQuery, column), id); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		entry := historyEntry{
			WorkflowID: row.WorkflowID,
			ServerID:   row.ServerID,
			Pipeline:   row.Pipeline,
			Step:       row.Step,
			Attempts:   row.Attempts,
			Status:     row.Status,
			ErrorKind:  row.ErrorKind,
			At:         row.CreatedAt,
		}
		if len(row.Transcript) > 0 {
			records, err := workflow.DecodeTranscript(row.Transcript)
			if err != nil {
				a.logger.Printf("WARN: transcript decode failed for %s: %v", row.ID, err)
			} else {
				entry.Transcript = records
			}
		}
		entries = append(entries, entry)
	}

	respondJSON(w, http.StatusOK, map[string]any{"history": entries, "count": len(entries)})
}
