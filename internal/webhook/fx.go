package webhook

import (
	"context"

	"github.com/smallbiznis/subchain/internal/webhook/dispatcher"
	"github.com/smallbiznis/subchain/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/subchain/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(dispatcher.New),
	fx.Provide(dispatcher.Provide),
	fx.Provide(webhookservice.NewService),
	fx.Invoke(registerDispatcher),
)

func registerDispatcher(lc fx.Lifecycle, d *dispatcher.Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
}
