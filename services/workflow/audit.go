package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is one audit entry: a step completion or a workflow status
// transition. The transcript carries the sub-task trail for terminal
// records.
type HistoryRecord struct {
	WorkflowID uuid.UUID
	ServerID   uuid.UUID
	Pipeline   string
	Step       string
	Attempts   int
	Status     string
	ErrorKind  string
	Transcript []OperationRecord
	At         time.Time
}

// Recorder persists the audit trail. Every call is best-effort: the
// manager logs failures and keeps the workflow going, it never aborts on a
// write error.
type Recorder interface {
	UpsertServerStatus(ctx context.Context, serverID uuid.UUID, fields map[string]any) error
	AppendHistory(ctx context.Context, rec HistoryRecord) error
}

// marshalTranscript serializes operation records for storage.
func marshalTranscript(records []OperationRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	return json.Marshal(records)
}

func unmarshalTranscript(data []byte, records *[]OperationRecord) error {
	return json.Unmarshal(data, records)
}
