package reward

import "go.uber.org/fx"

var Module = fx.Module("reward.service",
	fx.Provide(NewService),
)

func Models() []any {
	return []any{&Definition{}, &Condition{}, &UserState{}, &Fact{}}
}
