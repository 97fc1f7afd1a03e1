package repository

import (
	"context"

	devicedomain "github.com/smallbiznis/turnstile/internal/device/domain"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() devicedomain.Repository {
	return &repo{}
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key readingdomain.NaturalKey) (*devicedomain.Device, error) {
	var device devicedomain.Device
	err := db.WithContext(ctx).Raw(
		`SELECT id, controller_area, unit, subunit, created_at
		 FROM devices WHERE controller_area = ? AND unit = ? AND subunit = ?`,
		key.ControllerArea,
		key.Unit,
		key.Subunit,
	).Scan(&device).Error
	if err != nil {
		return nil, err
	}
	if device.ID == 0 {
		return nil, nil
	}
	return &device, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, d *devicedomain.Device) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO devices (id, controller_area, unit, subunit, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ID,
		d.ControllerArea,
		d.Unit,
		d.Subunit,
		d.CreatedAt,
	).Error
}

func (r *repo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM devices`).Scan(&count).Error
	return count, err
}
