package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/internal/analytics"
	"github.com/smallbiznis/subchain/internal/billing"
	"github.com/smallbiznis/subchain/internal/billingevent"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/migration"
	"github.com/smallbiznis/subchain/internal/observability"
	"github.com/smallbiznis/subchain/internal/payment"
	"github.com/smallbiznis/subchain/internal/providers"
	"github.com/smallbiznis/subchain/internal/ratelimit"
	"github.com/smallbiznis/subchain/internal/scheduler"
	"github.com/smallbiznis/subchain/internal/webhook"
	"github.com/smallbiznis/subchain/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var rootCmd = &cobra.Command{
	Use:   "subchain",
	Short: "SubChain subscription billing core",
	Long: `SubChain tracks plans, subscribers and on-chain payments, derives
revenue analytics, and delivers signed webhooks for billing events.

  subchain serve     # HTTP API, webhook dispatcher and background jobs
  subchain worker    # webhook dispatcher and background jobs only
  subchain migrate   # apply or inspect schema migrations`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

// infrastructure is shared by every command that touches the ledger store.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

// domains wires the billing core, the outbox relay and the dispatcher.
func domains() fx.Option {
	return fx.Options(
		migration.Module,
		providers.Module,
		billing.Module,
		payment.Module,
		analytics.Module,
		billingevent.Module,
		billingevent.RelayModule,
		ratelimit.Module,
		webhook.Module,
		scheduler.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
