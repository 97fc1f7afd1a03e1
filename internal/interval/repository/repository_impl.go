package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/turnstile/internal/config"
	intervaldomain "github.com/smallbiznis/turnstile/internal/interval/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const defaultChunkSize = 500

type Params struct {
	fx.In

	Config config.Config
	GenID  *snowflake.Node
}

type repo struct {
	genID     *snowflake.Node
	chunkSize int
}

func New(p Params) intervaldomain.Repository {
	return NewRepository(p.GenID, p.Config.Ingest.InsertChunkSize)
}

func NewRepository(genID *snowflake.Node, chunkSize int) intervaldomain.Repository {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &repo{genID: genID, chunkSize: chunkSize}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, intervals []intervaldomain.Interval) error {
	if len(intervals) == 0 {
		return nil
	}

	rows := make([]intervaldomain.Interval, len(intervals))
	for i, iv := range intervals {
		if iv.ID == 0 {
			iv.ID = r.genID.Generate()
		}
		iv.BatchID = batchID
		rows[i] = iv
	}
	return db.WithContext(ctx).CreateInBatches(rows, r.chunkSize).Error
}

func (r *repo) CountByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM device_intervals WHERE batch_id = ?`,
		batchID,
	).Scan(&count).Error
	return count, err
}
