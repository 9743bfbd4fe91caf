package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type serverModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	DeviceType string            `gorm:"type:text"`
	Status     string            `gorm:"type:text"`
	Profile    datatypes.JSONMap `gorm:"type:jsonb"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz"`
}

func (serverModel) TableName() string { return "servers" }

type historyModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkflowID uuid.UUID `gorm:"type:uuid;not null;index"`
	ServerID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Pipeline   string    `gorm:"type:text;not null"`
	Step       string    `gorm:"type:text"`
	Attempts   int       `gorm:"type:int"`
	Status     string    `gorm:"type:text;not null"`
	ErrorKind  string    `gorm:"type:text"`
	Transcript []byte    `gorm:"type:bytea"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (historyModel) TableName() string { return "workflow_history" }
