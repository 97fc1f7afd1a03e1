package ingest

import (
	"context"
	"errors"
	"time"

	ingestdomain "github.com/smallbiznis/turnstile/internal/ingest/domain"
	obslogger "github.com/smallbiznis/turnstile/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/turnstile/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
	"go.uber.org/zap"
)

func (r *Runner) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, r.log)
}

func (r *Runner) logRunStart(ctx context.Context, report *Report) {
	r.logger(ctx).Info("ingest.run.start",
		zap.String("window", report.Window.String()),
		zap.Bool("force", r.cfg.Force),
	)
}

func (r *Runner) logRunFinish(ctx context.Context, report *Report, err error) {
	fields := []zap.Field{
		zap.Int64("duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds()),
		zap.Int("batches", len(report.Batches)),
		zap.Int("committed", report.Committed()),
		zap.Int("failed", report.Failed()),
		zap.Int("skipped", report.Skipped()),
	}
	log := r.logger(ctx)
	if err != nil {
		log.Error("ingest.run.finish", append(fields, zap.Error(err))...)
		return
	}
	if report.Failed() > 0 {
		log.Warn("ingest.run.finish", fields...)
		return
	}
	log.Info("ingest.run.finish", fields...)
}

func (r *Runner) logStage(ctx context.Context, stage ingestdomain.BatchStatus, d time.Duration) {
	r.logger(ctx).Debug("ingest.batch.stage",
		zap.String("stage", string(stage)),
		zap.Int64("duration_ms", d.Milliseconds()),
	)
}

func (r *Runner) logMalformed(ctx context.Context, err error) {
	var malformed *readingdomain.MalformedRowError
	if !errors.As(err, &malformed) {
		return
	}
	r.logger(ctx).Warn("ingest.row.malformed",
		zap.Int("line", malformed.Line),
		zap.Int("column", malformed.Column),
		zap.String("reason", malformed.Reason),
		zap.String("detail", malformed.Detail),
	)
}

// logMalformedSummary reports every malformed row of a batch, including the
// ones past the diagnostics cap.
func (r *Runner) logMalformedSummary(ctx context.Context, state *batchState) {
	if state.report.RowsMalformed == 0 {
		return
	}
	r.logger(ctx).Warn("ingest.batch.malformed_rows",
		zap.String("era", string(state.era)),
		zap.Int("rows_malformed", state.report.RowsMalformed),
		zap.Int("logged", state.malformedLogged),
		zap.Int("suppressed", state.report.RowsMalformed-state.malformedLogged),
	)
}

func (r *Runner) logBatchFinish(ctx context.Context, br *BatchReport, started time.Time) {
	fields := []zap.Field{
		zap.String("status", string(br.Status)),
		zap.Time("file_date", br.FileDate),
		zap.Int64("duration_ms", r.clock.Now().Sub(started).Milliseconds()),
		zap.Int("readings", br.Readings),
		zap.Int("rows_malformed", br.RowsMalformed),
		zap.Int("intervals", br.Intervals),
		zap.Int("outliers_recovered", br.OutliersRecovered),
		zap.Int("outliers_dropped", br.OutliersDropped),
		zap.Int("stale_readings", br.StaleReadings),
		zap.Int("devices_created", br.DevicesCreated),
	}
	log := r.logger(ctx)
	switch br.Status {
	case ingestdomain.BatchStatusFailed:
		log.Error("ingest.batch.finish", append(fields,
			zap.String("failed_stage", string(br.FailedStage)),
			zap.String("error_type", obsmetrics.ClassifyIngestReason(br.Err)),
			zap.Error(br.Err),
		)...)
	case ingestdomain.BatchStatusSkipped:
		log.Info("ingest.batch.skipped", zap.String("checksum", br.Checksum))
	default:
		if br.RowsMalformed > 0 || br.OutliersDropped > 0 {
			log.Warn("ingest.batch.finish", fields...)
			return
		}
		log.Info("ingest.batch.finish", fields...)
	}
}
