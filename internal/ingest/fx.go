package ingest

import (
	"github.com/smallbiznis/turnstile/internal/ingest/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(ProvideConfig),
	fx.Provide(repository.Provide),
	fx.Provide(New),
)
