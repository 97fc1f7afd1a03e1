package main

import (
	"github.com/smallbiznis/turnstile/internal/config"
	"github.com/smallbiznis/turnstile/internal/migration"
	"github.com/smallbiznis/turnstile/internal/observability"
	"github.com/smallbiznis/turnstile/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				observability.WithZapEventLogger,
				db.Module,
				migration.Module,
			)
			if err := app.Err(); err != nil {
				return withCode(1, err)
			}
			ctx := cmd.Context()
			if err := app.Start(ctx); err != nil {
				return withCode(1, err)
			}
			return app.Stop(ctx)
		},
	}
}
