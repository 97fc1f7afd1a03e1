package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Interval is one decumulated observation for a device.
type Interval struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	BatchID      snowflake.ID `json:"batch_id" gorm:"not null;index:ix_device_intervals_batch"`
	DeviceID     snowflake.ID `json:"device_id" gorm:"not null;index:ix_device_intervals_device_time,priority:1"`
	ObservedAt   int64        `json:"observed_at" gorm:"not null;index:ix_device_intervals_device_time,priority:2"`
	ActivityCode string       `json:"activity_code" gorm:"type:text;not null"`
	Entries      int64        `json:"entries" gorm:"not null"`
	Exits        int64        `json:"exits" gorm:"not null"`
}

// TableName sets the database table name.
func (Interval) TableName() string { return "device_intervals" }

type Repository interface {
	// InsertBatch stamps every interval with batchID and assigns missing ids.
	InsertBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, intervals []Interval) error
	CountByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (int64, error)
}
