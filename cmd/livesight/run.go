package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livesight/internal/app"
	"github.com/MrWong99/livesight/internal/config"
	"github.com/MrWong99/livesight/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a voice session",
		Long: `Start a voice session with the configured live model.

While running, type a letter and press enter:
  m  toggle the microphone
  s  toggle screen sharing
  q  quit`,
		Args: cobra.NoArgs,
		RunE: runSession,
	}
	cmd.Flags().Bool("screen", false, "share the screen as soon as the session opens")
	cmd.Flags().Bool("muted", false, "start with the microphone muted")
	cmd.Flags().Bool("no-watch", false, "do not reload the config file on change")
	return cmd
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return err
	}
	if screen, _ := cmd.Flags().GetBool("screen"); screen {
		cfg.Capture.ShareScreen = true
	}
	if muted, _ := cmd.Flags().GetBool("muted"); muted {
		cfg.Capture.StartMuted = true
	}

	levelVar := newLogger(cfg.Server.LogLevel)
	slog.Info("livesight starting",
		"version", buildVersion(),
		"config", path,
		"provider", cfg.Provider.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: buildVersion()})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, app.DefaultRegistry(),
		app.WithMetrics(tel.Metrics()),
		app.WithMetricsHandler(tel.Handler()),
		app.WithLevelVar(levelVar),
		app.WithTerminal(cmd.OutOrStdout()),
	)
	if err != nil {
		return err
	}

	if watch, _ := cmd.Flags().GetBool("no-watch"); !watch {
		w, err := config.NewWatcher(path, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	go application.ReadCommands(ctx, cmd.InOrStdin(), stop)

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("session error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
