package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Server struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	DeviceType string            `gorm:"type:text"`
	Status     string            `gorm:"type:text"`
	Profile    datatypes.JSONMap `gorm:"type:jsonb"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type WorkflowHistory struct {
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

func (WorkflowHistory) TableName() string { return "workflow_history" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(
		&Server{},
		&WorkflowHistory{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(
		&WorkflowHistory{},
		&Server{},
	)
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}
