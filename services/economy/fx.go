package economy

import "go.uber.org/fx"

var Module = fx.Module("economy.service",
	fx.Provide(NewService),
)

func Models() []any {
	return []any{&Activity{}}
}
