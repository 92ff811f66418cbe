// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/magnetcc/internal/api"
	"github.com/autobrr/magnetcc/internal/buildinfo"
	"github.com/autobrr/magnetcc/internal/config"
	"github.com/autobrr/magnetcc/internal/metrics"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var opts globalOptions

	var rootCmd = &cobra.Command{
		Use:   "magnetcc",
		Short: "Seed debrid downloads back to their trackers",
		Long: `magnetcc - Scans debrid export folders, works out which private tracker each
torrent came from and adds it to qBittorrent with that tracker's seeding policy.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "config directory or file path (default is OS-specific: ~/.config/magnetcc/)")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory for the database and lock file (default is next to config file)")

	rootCmd.AddCommand(RunServeCommand(&opts))
	rootCmd.AddCommand(RunScanCommand(&opts))
	rootCmd.AddCommand(RunSendCommand(&opts))
	rootCmd.AddCommand(RunResetSentCommand(&opts))
	rootCmd.AddCommand(RunRulesCommand(&opts))
	rootCmd.AddCommand(RunAliasesCommand(&opts))
	rootCmd.AddCommand(RunRecordsCommand(&opts))
	rootCmd.AddCommand(RunTrackersCommand(&opts))
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand(opts *globalOptions) *cobra.Command {
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and HTTP API",
	}

	command.Flags().StringVar(&opts.logPath, "log-path", "", "log file path (default is stdout)")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(*opts)
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of magnetcc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/magnetcc/config.toml
- Windows: %APPDATA%\magnetcc\config.toml

You can specify either a directory path or a direct file path:
- Directory: magnetcc generate-config --config-dir /path/to/config/
- File: magnetcc generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func runServer(opts globalOptions) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	app, err := openApplication(ctx, opts, true)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.cfg
	log.Info().Str("version", buildinfo.Version).Str("data_dir", cfg.GetDataDir()).Msg("Starting magnetcc")

	cfg.RegisterReloadListener(app.applyConfig)

	errorChannel := make(chan error, 2)

	var httpServer *api.Server
	if cfg.Config.APIEnabled {
		httpServer = api.NewServer(&api.Dependencies{
			Host:       cfg.Config.Host,
			Port:       cfg.Config.Port,
			BaseURL:    cfg.Config.BaseURL,
			Version:    buildinfo.Version,
			Records:    app.records,
			Rules:      app.ruleStore,
			Aliases:    app.aliasStore,
			Health:     app.health,
			Engine:     app.engine,
			Resolver:   app.resolver,
			Sessions:   reconcile.NewPoolSessions(app.pool),
			Dispatcher: app.service,
			Cycles:     app.scheduler,
		})

		serverReady := make(chan struct{}, 1)
		go func() {
			if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()

		select {
		case <-serverReady:
		case err := <-errorChannel:
			return errors.Wrap(err, "failed to start HTTP server")
		}
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer = metrics.NewServer(app.metrics, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	if err := app.scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start scheduler")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		runErr = err
	}

	// Cancels any cycle in flight.
	app.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during graceful http shutdown")
			runErr = err
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	log.Info().Msg("magnetcc stopped")
	return runErr
}
