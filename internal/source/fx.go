package source

import (
	"github.com/smallbiznis/turnstile/internal/source/local"
	"go.uber.org/fx"
)

var Module = fx.Module("source.local",
	fx.Provide(local.New),
)
