package worker

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook.worker",
	fx.Provide(ProvideConfig),
	fx.Provide(NewRegistry),
	fx.Provide(New),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, cfg Config, w *Worker, log *zap.Logger) {
	if !cfg.Enabled {
		log.Info("webhook worker disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
