package continuity

import (
	"github.com/smallbiznis/turnstile/internal/continuity/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("continuity.repository",
	fx.Provide(repository.New),
)
