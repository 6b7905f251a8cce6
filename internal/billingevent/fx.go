package billingevent

import (
	"context"

	"github.com/smallbiznis/subchain/internal/billingevent/outbox"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.event",
	fx.Provide(outbox.New),
	fx.Provide(outbox.Provide),
)

// RelayModule runs the outbox relay. It needs the webhook module.
var RelayModule = fx.Module("billing.event.relay",
	fx.Provide(outbox.NewRelay),
	fx.Invoke(registerRelay),
)

func registerRelay(lc fx.Lifecycle, relay *outbox.Relay) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				relay.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
