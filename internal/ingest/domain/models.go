package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BatchStatus string

const (
	BatchStatusPending      BatchStatus = "PENDING"
	BatchStatusParsing      BatchStatus = "PARSING"
	BatchStatusResolving    BatchStatus = "RESOLVING"
	BatchStatusDecumulating BatchStatus = "DECUMULATING"
	BatchStatusPersisting   BatchStatus = "PERSISTING"
	BatchStatusCommitted    BatchStatus = "COMMITTED"
	BatchStatusFailed       BatchStatus = "FAILED"
	BatchStatusSkipped      BatchStatus = "SKIPPED"
)

// Terminal reports whether no further transition can happen.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCommitted, BatchStatusFailed, BatchStatusSkipped:
		return true
	default:
		return false
	}
}

const (
	DiagnosticMalformed = "malformed_row"
	DiagnosticOutlier   = "outlier_delta"
)

// Diagnostic is one row-level warning kept on the batch log.
type Diagnostic struct {
	Kind       string `json:"kind"`
	Line       int    `json:"line,omitempty"`
	Column     int    `json:"column,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	ObservedAt int64  `json:"observed_at,omitempty"`
}

// Batch is the durable log entry for one processed file. It is written
// outside the batch transaction so failures survive the rollback.
type Batch struct {
	ID                snowflake.ID                    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	RunID             string                          `json:"run_id" gorm:"type:text;not null;index:ix_ingest_batches_run"`
	FileID            string                          `json:"file_id" gorm:"type:text;not null"`
	FileDate          time.Time                       `json:"file_date" gorm:"not null"`
	Checksum          string                          `json:"checksum" gorm:"type:text;not null;index:ix_ingest_batches_checksum"`
	Status            BatchStatus                     `json:"status" gorm:"type:text;not null"`
	Readings          int                             `json:"readings" gorm:"not null;default:0"`
	RowsMalformed     int                             `json:"rows_malformed" gorm:"not null;default:0"`
	Intervals         int                             `json:"intervals" gorm:"not null;default:0"`
	OutliersRecovered int                             `json:"outliers_recovered" gorm:"not null;default:0"`
	OutliersDropped   int                             `json:"outliers_dropped" gorm:"not null;default:0"`
	StaleReadings     int                             `json:"stale_readings" gorm:"not null;default:0"`
	DevicesCreated    int                             `json:"devices_created" gorm:"not null;default:0"`
	Diagnostics       datatypes.JSONSlice[Diagnostic] `json:"diagnostics"`
	Error             string                          `json:"error,omitempty" gorm:"type:text"`
	StartedAt         time.Time                       `json:"started_at" gorm:"not null"`
	FinishedAt        *time.Time                      `json:"finished_at,omitempty"`
}

// TableName sets the database table name.
func (Batch) TableName() string { return "ingest_batches" }

type BatchRepository interface {
	Insert(ctx context.Context, db *gorm.DB, batch *Batch) error
	Finish(ctx context.Context, db *gorm.DB, batch *Batch) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Batch, error)
	FindCommittedByChecksum(ctx context.Context, db *gorm.DB, checksum string) (*Batch, error)
	ListByRun(ctx context.Context, db *gorm.DB, runID string) ([]Batch, error)
}

var (
	ErrPersistence = errors.New("persistence_failed")
	ErrParse       = errors.New("parse_failed")
	ErrRunLocked   = errors.New("run_locked")
)

// PersistenceError wraps any failure inside the batch transaction. The whole
// batch was rolled back when it is returned.
type PersistenceError struct {
	Stage BatchStatus
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch during %s: %v", e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
