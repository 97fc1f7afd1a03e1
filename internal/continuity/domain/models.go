package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Record is the last raw reading carried forward for a device.
type Record struct {
	DeviceID     snowflake.ID `json:"device_id" gorm:"primaryKey;autoIncrement:false"`
	ObservedAt   int64        `json:"observed_at" gorm:"not null"`
	ActivityCode string       `json:"activity_code" gorm:"type:text;not null"`
	RawEntries   int64        `json:"raw_entries" gorm:"not null"`
	RawExits     int64        `json:"raw_exits" gorm:"not null"`
	SourceBatch  string       `json:"source_batch" gorm:"type:text;not null"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "device_continuity" }

// State maps device id to its carried-forward record.
type State map[snowflake.ID]Record

// Clone returns an independent copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for id, rec := range s {
		out[id] = rec
	}
	return out
}

type Repository interface {
	Load(ctx context.Context, db *gorm.DB) (State, error)
	// Save replaces the whole stored state. Callers run it inside the
	// transaction that persisted the matching intervals.
	Save(ctx context.Context, db *gorm.DB, state State) error
}
