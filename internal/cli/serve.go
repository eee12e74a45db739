package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeomgeuri/jeomgeuri/internal/app"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion server",
	Long: `Run the HTTP and WebSocket server. The configuration file is watched
and log level, playback and speech settings are applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		var level slog.LevelVar
		level.Set(cfg.Server.LogLevel.Level())
		slog.SetDefault(newLogger(&level))

		slog.Info("jeomgeuri starting",
			"version", Version,
			"config", configPath,
			"listen_addr", cfg.Server.ListenAddr,
			"store", cfg.Store.Driver,
			"display", cfg.Display.Enabled,
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, cfg,
			app.WithConfigPath(configPath),
			app.WithLogLevel(&level),
			app.WithVersion(Version),
		)
		if err != nil {
			slog.Error("failed to initialise application", "err", err)
			return err
		}

		runErr := application.Run(ctx)
		if runErr != nil {
			slog.Error("application error", "err", runErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
			if runErr == nil {
				runErr = err
			}
		}
		slog.Info("goodbye")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
