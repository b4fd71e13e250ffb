package task

import (
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(
		func(s *streak.Service) StreakSweeper { return s },
		func(s *reward.Service) RewardExpirer { return s },
		NewService,
	),
)

// Scheduling runs the daily loop; enable it on one role of the deployment.
var Scheduling = fx.Module("task.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

// Handlers binds every economy task to the asynq mux.
var Handlers = fx.Module("task.handlers",
	fx.Invoke(registerHandlers),
)

type handlerParams struct {
	fx.In
	Mux     *asynq.ServeMux
	Service *Service
	Rewards *reward.Service
	Shop    *shop.Service
}

func registerHandlers(p handlerParams) {
	p.Mux.HandleFunc(taskname.StreakSweep, p.Service.HandleStreakSweep)
	p.Mux.HandleFunc(taskname.RewardExpire, p.Service.HandleRewardExpire)
	p.Mux.HandleFunc(taskname.ShopRedeliver, p.Shop.HandleRedeliverTask)
	p.Mux.HandleFunc(taskname.RewardExtendRetry, p.Rewards.HandleExtendRetryTask)
}

func Models() []any {
	return []any{&SweepRun{}}
}
