package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/migration"
	"github.com/smallbiznis/subchain/internal/observability"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|version]",
	Short: "Apply, roll back or inspect schema migrations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}
		return withStore(cmd.Context(), func(conn *gorm.DB, log *zap.Logger) error {
			switch action {
			case "up":
				if err := migration.Up(conn); err != nil {
					return err
				}
				log.Info("schema migrated", zap.String("dialect", conn.Dialector.Name()))
			case "down":
				if err := migration.Down(conn, migrateSteps); err != nil {
					return err
				}
				log.Info("schema rolled back", zap.Int("steps", migrateSteps))
			case "version":
				version, dirty, err := migration.Version(conn)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
			return nil
		})
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
}

// withStore starts only the store dependencies, runs fn and shuts down.
func withStore(ctx context.Context, fn func(*gorm.DB, *zap.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		conn *gorm.DB
		log  *zap.Logger
	)
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		fx.Populate(&conn, &log),
		fx.NopLogger,
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	return fn(conn, log)
}
