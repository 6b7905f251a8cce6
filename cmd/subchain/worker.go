package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run webhook delivery and background jobs without the HTTP API",
	Long: `worker runs the outbox relay, the webhook dispatcher and the scheduled
jobs. Several workers may share one store; set REDIS_ADDR so they coordinate
per-event delivery locks and per-host rate limits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			infrastructure(),
			domains(),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}
