package migration

import (
	"context"

	"github.com/smallbiznis/railhook/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, conn *gorm.DB, cfg config.Config, log *zap.Logger) {
		if !cfg.DBMigrate {
			log.Info("database migrations disabled")
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := RunMigrations(ctx, conn, conn.Dialector.Name()); err != nil {
					return err
				}
				log.Info("database migrations applied", zap.String("dialect", conn.Dialector.Name()))
				return nil
			},
		})
	}),
)
