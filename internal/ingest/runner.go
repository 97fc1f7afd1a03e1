package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/turnstile/internal/clock"
	"github.com/smallbiznis/turnstile/internal/config"
	continuitydomain "github.com/smallbiznis/turnstile/internal/continuity/domain"
	"github.com/smallbiznis/turnstile/internal/decumulation"
	devicedomain "github.com/smallbiznis/turnstile/internal/device/domain"
	ingestdomain "github.com/smallbiznis/turnstile/internal/ingest/domain"
	intervaldomain "github.com/smallbiznis/turnstile/internal/interval/domain"
	"github.com/smallbiznis/turnstile/internal/lock"
	obscontext "github.com/smallbiznis/turnstile/internal/observability/context"
	obsmetrics "github.com/smallbiznis/turnstile/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
	"github.com/smallbiznis/turnstile/internal/reading/parser"
	sourcedomain "github.com/smallbiznis/turnstile/internal/source/domain"
	"github.com/smallbiznis/turnstile/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_ingest_config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Source       sourcedomain.Source
	Parser       *parser.Parser
	Devices      devicedomain.Resolver
	Continuity   continuitydomain.Repository
	Intervals    intervaldomain.Repository
	Batches      ingestdomain.BatchRepository
	Decumulation *config.DecumulationConfigHolder

	Locker         lock.Locker               `optional:"true"`
	IngestMetrics  *obsmetrics.IngestMetrics `optional:"true"`
	Metrics        *obsmetrics.Metrics       `optional:"true"`
	TracerProvider trace.TracerProvider      `optional:"true"`
	Config         Config                    `optional:"true"`
}

// Runner walks the files of a window in date order, one transaction per file.
type Runner struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	source       sourcedomain.Source
	parser       *parser.Parser
	devices      devicedomain.Resolver
	continuity   continuitydomain.Repository
	intervals    intervaldomain.Repository
	batches      ingestdomain.BatchRepository
	decumulation *config.DecumulationConfigHolder
	locker       lock.Locker
	ingestStats  *obsmetrics.IngestMetrics
	metrics      *obsmetrics.Metrics
	tracer       trace.Tracer
}

func New(p Params) (*Runner, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Source == nil || p.Parser == nil ||
		p.Devices == nil || p.Continuity == nil || p.Intervals == nil || p.Batches == nil || p.Decumulation == nil {
		return nil, ErrInvalidConfig
	}

	locker := p.Locker
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	tp := p.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	return &Runner{
		db:           p.DB,
		log:          p.Log.Named("ingest.runner"),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		source:       p.Source,
		parser:       p.Parser,
		devices:      p.Devices,
		continuity:   p.Continuity,
		intervals:    p.Intervals,
		batches:      p.Batches,
		decumulation: p.Decumulation,
		locker:       locker,
		ingestStats:  p.IngestMetrics,
		metrics:      p.Metrics,
		tracer:       tp.Tracer("github.com/smallbiznis/turnstile/internal/ingest"),
	}, nil
}

// Run processes every file in window sequentially. Batch failures are reported
// in the Report; only listing, locking and cancellation end the run early.
func (r *Runner) Run(ctx context.Context, window sourcedomain.Window) (Report, error) {
	report := Report{
		RunID:     r.genID.Generate().String(),
		Window:    window,
		StartedAt: r.clock.Now(),
	}
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx = obscontext.WithRunID(ctx, report.RunID)
	ctx, span := r.tracer.Start(ctx, "ingest.run",
		trace.WithAttributes(attribute.String("window", window.String())),
	)
	defer span.End()

	r.logRunStart(ctx, &report)

	err := r.run(ctx, window, &report)
	report.FinishedAt = r.clock.Now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.logRunFinish(ctx, &report, err)
	return report, err
}

func (r *Runner) run(ctx context.Context, window sourcedomain.Window, report *Report) error {
	token, ok, err := r.locker.TryLock(ctx, r.cfg.LockKey, r.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return ingestdomain.ErrRunLocked
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), r.cfg.LockKey, token); err != nil {
			r.logger(ctx).Warn("release run lock", zap.Error(err))
		}
	}()

	files, err := r.source.List(ctx, window)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.extendLock(ctx, token, file); err != nil {
			return err
		}
		report.Batches = append(report.Batches, r.RunBatch(ctx, file))
	}
	return nil
}

// extendLock renews the run lock before each batch. LockTTL covers at least
// one batch, so the lock only lapses if a renewal is missed.
func (r *Runner) extendLock(ctx context.Context, token string, file sourcedomain.File) error {
	ok, err := r.locker.Extend(ctx, r.cfg.LockKey, token, r.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("extend run lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: lost before %s", ingestdomain.ErrRunLocked, file.ID)
	}
	return nil
}

// batchState carries one file through the state machine.
type batchState struct {
	report      BatchReport
	era         readingdomain.Era
	keys        []readingdomain.NaturalKey
	byKey       map[readingdomain.NaturalKey][]readingdomain.Reading
	diagnostics []ingestdomain.Diagnostic
	// malformed rows logged one by one; the rest only reach the summary line
	malformedLogged int
}

func (s *batchState) fail(stage ingestdomain.BatchStatus, err error) {
	s.report.Status = ingestdomain.BatchStatusFailed
	s.report.FailedStage = stage
	s.report.Err = err
}

func (s *batchState) addDiagnostic(limit int, d ingestdomain.Diagnostic) bool {
	if len(s.diagnostics) >= limit {
		return false
	}
	s.diagnostics = append(s.diagnostics, d)
	return true
}

// RunBatch drives one file from PENDING to COMMITTED, FAILED or SKIPPED.
func (r *Runner) RunBatch(ctx context.Context, file sourcedomain.File) BatchReport {
	started := r.clock.Now()
	state := &batchState{
		report: BatchReport{
			BatchID:  r.genID.Generate(),
			FileID:   file.ID,
			FileDate: file.Date,
			Checksum: file.Checksum,
			Status:   ingestdomain.BatchStatusPending,
		},
		byKey: make(map[readingdomain.NaturalKey][]readingdomain.Reading),
	}

	ctx = obscontext.WithBatch(ctx, state.report.BatchID.String(), file.ID)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "ingest.batch",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("batch_id", state.report.BatchID.String()),
		),
	)
	defer span.End()

	if r.alreadyCommitted(ctx, file) {
		state.report.Status = ingestdomain.BatchStatusSkipped
		r.ingestStats.IncBatch(obsmetrics.BatchStatusSkipped)
		r.logBatchFinish(ctx, &state.report, started)
		return state.report
	}

	batch := &ingestdomain.Batch{
		ID:        state.report.BatchID,
		RunID:     obscontext.RunIDFromContext(ctx),
		FileID:    file.ID,
		FileDate:  file.Date,
		Checksum:  file.Checksum,
		Status:    ingestdomain.BatchStatusPending,
		StartedAt: started,
	}
	if err := r.batches.Insert(ctx, r.db, batch); err != nil {
		state.fail(ingestdomain.BatchStatusPending, &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusPending, Err: err})
		r.finishBatch(ctx, span, state, nil, started)
		return state.report
	}

	if err := r.parse(ctx, file, state); err != nil {
		state.fail(ingestdomain.BatchStatusParsing, err)
	} else if err := r.persist(ctx, file, state); err != nil {
		var perr *ingestdomain.PersistenceError
		stage := ingestdomain.BatchStatusPersisting
		if errors.As(err, &perr) {
			stage = perr.Stage
		}
		state.fail(stage, err)
	} else {
		state.report.Status = ingestdomain.BatchStatusCommitted
	}

	r.finishBatch(ctx, span, state, batch, started)
	return state.report
}

func (r *Runner) alreadyCommitted(ctx context.Context, file sourcedomain.File) bool {
	if !r.cfg.SkipCommitted || r.cfg.Force || file.Checksum == "" {
		return false
	}
	existing, err := r.batches.FindCommittedByChecksum(ctx, r.db, file.Checksum)
	if err != nil {
		r.logger(ctx).Warn("lookup committed batch", zap.Error(err))
		return false
	}
	return existing != nil
}

func (r *Runner) parse(ctx context.Context, file sourcedomain.File, state *batchState) error {
	start := r.clock.Now()
	state.report.Status = ingestdomain.BatchStatusParsing
	state.era = parser.EraFor(file.Date)

	rc, err := file.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ingestdomain.ErrParse, file.ID, err)
	}
	defer rc.Close()

	for reading, err := range r.parser.Readings(rc, state.era) {
		if err != nil {
			if !errors.Is(err, readingdomain.ErrMalformedRow) {
				return fmt.Errorf("%w: %s: %w", ingestdomain.ErrParse, file.ID, err)
			}
			state.report.RowsMalformed++
			r.recordMalformed(ctx, state, err)
			continue
		}
		if _, ok := state.byKey[reading.Key]; !ok {
			state.keys = append(state.keys, reading.Key)
		}
		state.byKey[reading.Key] = append(state.byKey[reading.Key], reading)
		state.report.Readings++
	}
	r.logMalformedSummary(ctx, state)
	if err := ctx.Err(); err != nil {
		return err
	}

	r.metrics.RecordReadings(ctx, string(state.era), state.report.Readings)
	r.observeStage(ctx, ingestdomain.BatchStatusParsing, start)
	return nil
}

func (r *Runner) recordMalformed(ctx context.Context, state *batchState, err error) {
	var malformed *readingdomain.MalformedRowError
	if !errors.As(err, &malformed) {
		return
	}
	r.ingestStats.AddMalformed(malformed.Reason, 1)
	r.metrics.RecordMalformedRows(ctx, string(state.era), malformed.Reason, 1)

	kept := state.addDiagnostic(r.cfg.MaxDiagnostics, ingestdomain.Diagnostic{
		Kind:   ingestdomain.DiagnosticMalformed,
		Line:   malformed.Line,
		Column: malformed.Column,
		Reason: malformed.Reason,
		Detail: malformed.Detail,
	})
	if kept {
		state.malformedLogged++
		r.logMalformed(ctx, err)
	}
}

// persist resolves devices, decumulates and writes intervals and continuity in
// one transaction. Nothing is visible unless all of it succeeds.
func (r *Runner) persist(ctx context.Context, file sourcedomain.File, state *batchState) error {
	engine := decumulation.New(decumulation.ConfigFrom(r.decumulation.Get()))

	var result decumulation.Result
	var created int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		start := r.clock.Now()
		state.report.Status = ingestdomain.BatchStatusResolving

		prior, err := r.continuity.Load(ctx, tx)
		if err != nil {
			return &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusResolving, Err: fmt.Errorf("load continuity: %w", err)}
		}

		session := r.devices.Session(tx)
		byDevice := make(map[snowflake.ID][]readingdomain.Reading, len(state.keys))
		for _, key := range state.keys {
			id, err := session.Resolve(ctx, key)
			if err != nil {
				return &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusResolving, Err: fmt.Errorf("resolve %s: %w", key, err)}
			}
			byDevice[id] = append(byDevice[id], state.byKey[key]...)
		}
		created = session.Created()
		r.observeStage(ctx, ingestdomain.BatchStatusResolving, start)

		start = r.clock.Now()
		state.report.Status = ingestdomain.BatchStatusDecumulating
		result, err = engine.Run(ctx, decumulation.Input{
			SourceBatch: file.ID,
			Readings:    byDevice,
			Continuity:  prior,
		})
		if err != nil {
			return &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusDecumulating, Err: err}
		}
		r.observeStage(ctx, ingestdomain.BatchStatusDecumulating, start)

		start = r.clock.Now()
		state.report.Status = ingestdomain.BatchStatusPersisting
		if err := r.intervals.InsertBatch(ctx, tx, state.report.BatchID, result.Intervals); err != nil {
			return &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusPersisting, Err: fmt.Errorf("insert intervals: %w", err)}
		}
		if err := r.continuity.Save(ctx, tx, result.Continuity); err != nil {
			return &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusPersisting, Err: fmt.Errorf("save continuity: %w", err)}
		}
		r.observeStage(ctx, ingestdomain.BatchStatusPersisting, start)
		return nil
	})
	if err != nil {
		var perr *ingestdomain.PersistenceError
		if !errors.As(err, &perr) {
			err = &ingestdomain.PersistenceError{Stage: ingestdomain.BatchStatusPersisting, Err: err}
		}
		return err
	}

	state.report.Intervals = len(result.Intervals)
	state.report.OutliersRecovered = result.Stats.Recovered
	state.report.OutliersDropped = result.Stats.Dropped
	state.report.StaleReadings = result.Stats.Stale
	state.report.DevicesCreated = created
	for _, outlier := range result.Outliers {
		state.addDiagnostic(r.cfg.MaxDiagnostics, ingestdomain.Diagnostic{
			Kind:       ingestdomain.DiagnosticOutlier,
			Reason:     decumulation.ErrOutlierDelta.Error(),
			Detail:     outlier.Error(),
			DeviceID:   outlier.DeviceID.String(),
			ObservedAt: outlier.ObservedAt,
		})
	}
	return nil
}

func (r *Runner) observeStage(ctx context.Context, stage ingestdomain.BatchStatus, start time.Time) {
	d := r.clock.Now().Sub(start)
	r.ingestStats.ObserveStage(string(stage), d)
	r.logStage(ctx, stage, d)
}

func (r *Runner) finishBatch(ctx context.Context, span trace.Span, state *batchState, batch *ingestdomain.Batch, started time.Time) {
	br := &state.report
	br.Diagnostics = state.diagnostics

	switch br.Status {
	case ingestdomain.BatchStatusCommitted:
		r.ingestStats.IncBatch(obsmetrics.BatchStatusCommitted)
		r.ingestStats.AddIntervals(br.Intervals)
		r.ingestStats.AddOutliers(obsmetrics.OutlierOutcomeRecovered, br.OutliersRecovered)
		r.ingestStats.AddOutliers(obsmetrics.OutlierOutcomeDropped, br.OutliersDropped)
		r.ingestStats.AddDevicesCreated(br.DevicesCreated)
		r.ingestStats.AddStale(br.StaleReadings)
		r.ingestStats.MarkCommitted(r.clock.Now(), br.FileDate)
		r.metrics.RecordIntervals(ctx, br.Intervals)
		r.metrics.RecordOutliersDropped(ctx, br.OutliersDropped)
	case ingestdomain.BatchStatusFailed:
		r.ingestStats.IncBatch(obsmetrics.BatchStatusFailed)
		r.ingestStats.IncBatchError(string(br.FailedStage), br.Err)
		span.RecordError(br.Err)
		span.SetStatus(codes.Error, br.Err.Error())
	}
	span.SetAttributes(attribute.String("status", string(br.Status)))

	if batch != nil {
		finished := r.clock.Now()
		batch.Status = br.Status
		batch.Readings = br.Readings
		batch.RowsMalformed = br.RowsMalformed
		batch.Intervals = br.Intervals
		batch.OutliersRecovered = br.OutliersRecovered
		batch.OutliersDropped = br.OutliersDropped
		batch.StaleReadings = br.StaleReadings
		batch.DevicesCreated = br.DevicesCreated
		batch.Diagnostics = state.diagnostics
		if br.Err != nil {
			batch.Error = br.Err.Error()
		}
		batch.FinishedAt = &finished

		// the batch context may already be past its deadline
		if err := r.batches.Finish(context.WithoutCancel(ctx), r.db, batch); err != nil {
			r.logger(ctx).Error("record batch outcome", zap.Error(err))
		}
	}

	r.logBatchFinish(ctx, br, started)
}
