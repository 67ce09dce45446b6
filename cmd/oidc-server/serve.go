package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oidc-core"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server until SIGINT or SIGTERM.
SIGHUP reloads the client registry; a broken registry file keeps the
current clients.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, logger, closeLog, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	if cfg.Instrumentation.ServiceVersion == "" {
		cfg.Instrumentation.ServiceVersion = version
	}

	srv, err := oauth.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return err
	}
	defer func() {
		if err := srv.Close(context.Background()); err != nil {
			logger.Error("Shutdown incomplete", "error", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := srv.Reload(ctx); err != nil {
					logger.Warn("Registry reload failed, keeping current clients", "error", err)
				}
			}
		}
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newSweepCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired codes, tokens and grant markers once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer closeLog.Close()

			srv, err := oauth.NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close(context.Background())

			n, err := srv.Store.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", n)
			return nil
		},
	}
}

// setup loads the configuration and builds the process logger from it.
func setup(configPath string) (*oauth.Config, *slog.Logger, io.Closer, error) {
	cfg, err := oauth.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := oauth.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}
