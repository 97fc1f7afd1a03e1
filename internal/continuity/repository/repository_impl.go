package repository

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/turnstile/internal/config"
	continuitydomain "github.com/smallbiznis/turnstile/internal/continuity/domain"
	"gorm.io/gorm"
)

const defaultChunkSize = 500

type repo struct {
	chunkSize int
}

func Provide() continuitydomain.Repository {
	return &repo{chunkSize: defaultChunkSize}
}

// New sizes Save's insert chunks from the ingest configuration.
func New(cfg config.Config) continuitydomain.Repository {
	return NewWithChunkSize(cfg.Ingest.InsertChunkSize)
}

func NewWithChunkSize(chunkSize int) continuitydomain.Repository {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &repo{chunkSize: chunkSize}
}

func (r *repo) Load(ctx context.Context, db *gorm.DB) (continuitydomain.State, error) {
	var rows []continuitydomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT device_id, observed_at, activity_code, raw_entries, raw_exits, source_batch
		 FROM device_continuity`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	state := make(continuitydomain.State, len(rows))
	for _, row := range rows {
		state[row.DeviceID] = row
	}
	return state, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, state continuitydomain.State) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM device_continuity`).Error; err != nil {
		return err
	}
	if len(state) == 0 {
		return nil
	}

	ids := make([]snowflake.ID, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]continuitydomain.Record, 0, len(ids))
	for _, id := range ids {
		rec := state[id]
		rec.DeviceID = id
		rows = append(rows, rec)
	}
	return db.WithContext(ctx).CreateInBatches(rows, r.chunkSize).Error
}
