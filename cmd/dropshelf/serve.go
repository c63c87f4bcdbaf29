package main

import (
	"os/signal"
	"syscall"

	"dropshelf-server/internal/config"
	"dropshelf-server/internal/logging"
	"dropshelf-server/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, SetDefault: true})
			if err != nil {
				return err
			}
			gin.SetMode(cfg.GinMode)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			logger.Info("listening", "port", cfg.Port, "tls", cfg.TLSEnabled(), "tokens", cfg.TokenStore, "data", cfg.DataDir)
			return server.Run(ctx, cfg, app.Handler)
		},
	}
}
