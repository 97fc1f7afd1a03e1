package reading

import (
	"github.com/smallbiznis/turnstile/internal/reading/parser"
	"go.uber.org/fx"
)

var Module = fx.Module("reading.parser",
	fx.Provide(ProvideParser),
)

func ProvideParser() *parser.Parser {
	return parser.New(parser.Config{})
}
