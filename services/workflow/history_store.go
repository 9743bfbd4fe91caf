package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBRecorder persists audit records through gorm. Transcripts are
// zstd-compressed before hitting the bytea column; sub-task trails for a
// long firmware flash can run to hundreds of lines.
type DBRecorder struct {
	orm     *gorm.DB
	encoder *zstd.Encoder
}

// NewDBRecorder builds a recorder bound to the provided gorm handle.
func NewDBRecorder(orm *gorm.DB) (*DBRecorder, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &DBRecorder{orm: orm, encoder: enc}, nil
}

// UpsertServerStatus writes the latest known state of a server.
func (r *DBRecorder) UpsertServerStatus(ctx context.Context, serverID uuid.UUID, fields map[string]any) error {
	model := serverModel{
		ID:        serverID,
		UpdatedAt: time.Now().UTC(),
		Profile:   map[string]any{},
	}
	if v, ok := fields["status"].(string); ok {
		model.Status = v
	}
	if v, ok := fields["device_type"].(string); ok {
		model.DeviceType = v
	}
	for k, v := range fields {
		if k == "status" || k == "device_type" {
			continue
		}
		model.Profile[k] = v
	}

	return r.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"device_type", "status", "profile", "updated_at"}),
		}).
		Create(&model).Error
}

// AppendHistory stores one audit entry.
func (r *DBRecorder) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	transcript, err := marshalTranscript(rec.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if len(transcript) > 0 {
		transcript = r.encoder.EncodeAll(transcript, nil)
	}

	model := historyModel{
		ID:         uuid.New(),
		WorkflowID: rec.WorkflowID,
		ServerID:   rec.ServerID,
		Pipeline:   rec.Pipeline,
		Step:       rec.Step,
		Attempts:   rec.Attempts,
		Status:     rec.Status,
		ErrorKind:  rec.ErrorKind,
		Transcript: transcript,
		CreatedAt:  rec.At,
	}
	return r.orm.WithContext(ctx).Create(&model).Error
}

// DecodeTranscript reverses the compression applied by AppendHistory,
// used by reporting surfaces that replay audit trails.
func DecodeTranscript(data []byte) ([]OperationRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	var records []OperationRecord
	if err := unmarshalTranscript(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}
