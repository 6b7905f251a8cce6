package main

import (
	"github.com/smallbiznis/subchain/internal/auth"
	"github.com/smallbiznis/subchain/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with delivery and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			infrastructure(),
			domains(),
			auth.Module,
			server.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}
