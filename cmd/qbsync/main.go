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
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/autobrr/qbsync/internal/api"
	"github.com/autobrr/qbsync/internal/buildinfo"
	"github.com/autobrr/qbsync/internal/config"
	"github.com/autobrr/qbsync/internal/domain"
	"github.com/autobrr/qbsync/internal/metrics"
	"github.com/autobrr/qbsync/internal/qbittorrent"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "qbsync",
		Short: "Mirror qBittorrent sync streams into queryable indexes",
		Long: `qbsync - Keeps an in-memory mirror of one or more qBittorrent
instances up to date from their sync/maindata stream and serves
filtered, counted views of it over HTTP.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunReplayCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir  string
		logPath    string
		captureDir string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start polling instances and serve the API",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/qbsync/ or %APPDATA%\\qbsync\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().StringVar(&captureDir, "capture-dir", "", "record raw sync payloads to this directory")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app := NewApplication(configDir, logPath, captureDir)
		return app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qbsync",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(buildinfo.String())
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var (
		configDir      string
		instanceName   string
		instanceHost   string
		instanceUser   string
		promptPassword bool
	)

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qbsync/config.toml
- Windows: %APPDATA%\qbsync\config.toml

With --instance-host the file gets a first [[instances]] entry. Use
--prompt-password to type that instance's password without echo.`,
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
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			var instance *domain.Instance
			if instanceHost != "" {
				instance = &domain.Instance{ID: 1, Name: instanceName, Host: instanceHost, Username: instanceUser}
				if promptPassword {
					password, err := readPassword(fmt.Sprintf("Password for %s: ", instanceHost))
					if err != nil {
						return err
					}
					instance.Password = password
				}
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			if instance != nil {
				if err := appendInstance(configPath, instance); err != nil {
					return err
				}
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&instanceName, "instance-name", "default", "name of the first instance")
	command.Flags().StringVar(&instanceHost, "instance-host", "", "WebUI URL of the first instance, eg http://localhost:8080")
	command.Flags().StringVar(&instanceUser, "instance-username", "admin", "WebUI username of the first instance")
	command.Flags().BoolVar(&promptPassword, "prompt-password", false, "prompt for the WebUI password of the first instance")

	return command
}

// appendInstance adds one [[instances]] table to the end of a config file.
func appendInstance(path string, instance *domain.Instance) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "could not open config file")
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "\n[[instances]]\nid = %d\nname = %q\nhost = %q\nusername = %q\npassword = %q\n",
		instance.ID, instance.Name, instance.Host, instance.Username, instance.Password)
	return errors.Wrap(err, "could not write instance")
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}

type Application struct {
	configDir  string
	logPath    string
	captureDir string
}

func NewApplication(configDir, logPath, captureDir string) *Application {
	return &Application{
		configDir:  configDir,
		logPath:    logPath,
		captureDir: captureDir,
	}
}

func (app *Application) runServer() error {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return errors.Wrap(err, "failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}
	if app.captureDir != "" {
		cfg.Config.CaptureDir = app.captureDir
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Int("instances", len(cfg.Config.Instances)).Msg("Starting qbsync")

	if len(cfg.Config.Instances) == 0 {
		log.Warn().Str("config", cfg.GetConfigDir()).Msg("No instances configured")
	}

	registry := metrics.NewRegistry()

	clientPool, err := qbittorrent.NewClientPool(cfg.Config.Instances, qbittorrent.PoolOptions{
		PollInterval: cfg.Config.PollEvery(),
		Metrics:      metrics.New(registry),
		CaptureDir:   cfg.ResolvePath(cfg.Config.CaptureDir),
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize client pool")
	}
	defer clientPool.Close()

	// Instances are only read at startup
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		log.Info().Str("logLevel", conf.LogLevel).Msg("Applied configuration reload, instance changes need a restart")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return clientPool.Run(gctx)
	})

	httpServer := api.NewServer(&api.Dependencies{
		Config:   cfg,
		Version:  buildinfo.Version,
		Registry: clientPool,
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "failed to start HTTP server")
		}
		return nil
	})

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		// Start metrics server on separate port
		metricsServer = metrics.NewServer(registry, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during graceful http shutdown")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("got error during metrics server shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("got unexpected error from server")
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}
