package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
	"gorm.io/gorm"
)

// Device is the stable identity of one physical turnstile.
type Device struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	ControllerArea string       `json:"controller_area" gorm:"type:text;not null;uniqueIndex:ux_devices_natural_key,priority:1"`
	Unit           string       `json:"unit" gorm:"type:text;not null;uniqueIndex:ux_devices_natural_key,priority:2"`
	Subunit        string       `json:"subunit" gorm:"type:text;not null;uniqueIndex:ux_devices_natural_key,priority:3"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Device) TableName() string { return "devices" }

func (d Device) Key() readingdomain.NaturalKey {
	return readingdomain.NaturalKey{
		ControllerArea: d.ControllerArea,
		Unit:           d.Unit,
		Subunit:        d.Subunit,
	}
}

type Repository interface {
	FindByKey(ctx context.Context, db *gorm.DB, key readingdomain.NaturalKey) (*Device, error)
	Insert(ctx context.Context, db *gorm.DB, device *Device) error
	Count(ctx context.Context, db *gorm.DB) (int64, error)
}

// Resolver hands out per-batch resolution sessions.
type Resolver interface {
	Session(tx *gorm.DB) Session
}

// Session resolves natural keys inside one batch transaction. Its cache is
// discarded with the session.
type Session interface {
	Resolve(ctx context.Context, key readingdomain.NaturalKey) (snowflake.ID, error)
	Created() int
}

var (
	ErrInvalidKey     = errors.New("invalid_natural_key")
	ErrDeviceConflict = errors.New("device_conflict")
)
