package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "webpush-notify",
		Short:        "Scheduled Web Push notification service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the config file")
	root.AddCommand(newServeCmd(), newVAPIDCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
