package interval

import (
	"github.com/smallbiznis/turnstile/internal/interval/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("interval.repository",
	fx.Provide(repository.New),
)
