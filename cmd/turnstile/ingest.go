package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/turnstile/internal/clock"
	"github.com/smallbiznis/turnstile/internal/config"
	"github.com/smallbiznis/turnstile/internal/continuity"
	"github.com/smallbiznis/turnstile/internal/device"
	"github.com/smallbiznis/turnstile/internal/ingest"
	"github.com/smallbiznis/turnstile/internal/interval"
	"github.com/smallbiznis/turnstile/internal/lock"
	"github.com/smallbiznis/turnstile/internal/migration"
	"github.com/smallbiznis/turnstile/internal/observability"
	obsmetrics "github.com/smallbiznis/turnstile/internal/observability/metrics"
	"github.com/smallbiznis/turnstile/internal/reading"
	"github.com/smallbiznis/turnstile/internal/server"
	"github.com/smallbiznis/turnstile/internal/source"
	sourcedomain "github.com/smallbiznis/turnstile/internal/source/domain"
	"github.com/smallbiznis/turnstile/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ingestOptions struct {
	from    string
	to      string
	dir     string
	force   bool
	migrate bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest every raw file dated inside the window",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := opts.window()
			if err != nil {
				return withCode(ingest.ExitFatal, err)
			}
			return runIngest(cmd.Context(), opts, window)
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "First file date to ingest, YYYY-MM-DD (default: unbounded)")
	cmd.Flags().StringVar(&opts.to, "to", "", "Last file date to ingest, YYYY-MM-DD (default: unbounded)")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "Directory holding turnstile_YYMMDD.txt files (default: INGEST_DATA_DIR)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Re-ingest files whose checksum already committed")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "Apply schema migrations before the run")

	return cmd
}

func (o ingestOptions) window() (sourcedomain.Window, error) {
	var w sourcedomain.Window
	var err error
	if w.From, err = parseDate("from", o.from); err != nil {
		return w, err
	}
	if w.To, err = parseDate("to", o.to); err != nil {
		return w, err
	}
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return w, fmt.Errorf("invalid window %s: --to is before --from", w)
	}
	return w, nil
}

func parseDate(flag, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD", flag, value)
	}
	return t, nil
}

func runIngest(ctx context.Context, opts ingestOptions, window sourcedomain.Window) error {
	var (
		runner *ingest.Runner
		pusher *obsmetrics.Pusher
		log    *zap.Logger
	)

	options := []fx.Option{
		config.Module,
		observability.Module,
		observability.WithZapEventLogger,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		source.Module,
		reading.Module,
		device.Module,
		continuity.Module,
		interval.Module,
		ingest.Module,
		server.Module,

		fx.Decorate(func(cfg config.Config) config.Config {
			if dir := strings.TrimSpace(opts.dir); dir != "" {
				cfg.Ingest.DataDir = dir
			}
			return cfg
		}),
		fx.Decorate(func(cfg ingest.Config) ingest.Config {
			cfg.Force = opts.force
			return cfg
		}),
		fx.Populate(&runner, &pusher, &log),
	}
	if opts.migrate {
		options = append(options, migration.Module)
	}

	app := fx.New(options...)
	if err := app.Err(); err != nil {
		return withCode(ingest.ExitFatal, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return withCode(ingest.ExitFatal, err)
	}

	report, runErr := runner.Run(ctx, window)

	// The run context may already be cancelled; metrics still go out.
	_ = pusher.Push(context.WithoutCancel(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Warn("shutdown failed", zap.Error(err))
	}

	code := ingest.ExitCode(report, runErr)
	if code == ingest.ExitOK {
		return nil
	}
	return withCode(code, runErr)
}
