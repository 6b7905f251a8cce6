package migration

import (
	"context"

	"github.com/smallbiznis/subchain/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module applies migrations on start when DATABASE_AUTO_MIGRATE is set.
var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, conn *gorm.DB, cfg config.Config, log *zap.Logger) {
		if !cfg.DBAutoMigrate {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if err := Up(conn); err != nil {
					return err
				}
				log.Info("schema migrated", zap.String("dialect", conn.Dialector.Name()))
				return nil
			},
		})
	}),
)
