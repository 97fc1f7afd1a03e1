package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ingestdomain "github.com/smallbiznis/turnstile/internal/ingest/domain"
	"gorm.io/gorm"
)

const batchColumns = `id, run_id, file_id, file_date, checksum, status, readings, rows_malformed,
	intervals, outliers_recovered, outliers_dropped, stale_readings, devices_created,
	diagnostics, error, started_at, finished_at`

type repo struct{}

func Provide() ingestdomain.BatchRepository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, b *ingestdomain.Batch) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ingest_batches (id, run_id, file_id, file_date, checksum, status, diagnostics, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		b.RunID,
		b.FileID,
		b.FileDate,
		b.Checksum,
		b.Status,
		b.Diagnostics,
		b.StartedAt,
	).Error
}

func (r *repo) Finish(ctx context.Context, db *gorm.DB, b *ingestdomain.Batch) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ingest_batches
		 SET status = ?, readings = ?, rows_malformed = ?, intervals = ?,
		     outliers_recovered = ?, outliers_dropped = ?, stale_readings = ?,
		     devices_created = ?, diagnostics = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		b.Status,
		b.Readings,
		b.RowsMalformed,
		b.Intervals,
		b.OutliersRecovered,
		b.OutliersDropped,
		b.StaleReadings,
		b.DevicesCreated,
		b.Diagnostics,
		b.Error,
		b.FinishedAt,
		b.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ingestdomain.Batch, error) {
	var batch ingestdomain.Batch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM ingest_batches WHERE id = ?`,
		id,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) FindCommittedByChecksum(ctx context.Context, db *gorm.DB, checksum string) (*ingestdomain.Batch, error) {
	var batch ingestdomain.Batch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM ingest_batches
		 WHERE checksum = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		checksum,
		ingestdomain.BatchStatusCommitted,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) ListByRun(ctx context.Context, db *gorm.DB, runID string) ([]ingestdomain.Batch, error) {
	var batches []ingestdomain.Batch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM ingest_batches WHERE run_id = ? ORDER BY file_date ASC, id ASC`,
		runID,
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}
