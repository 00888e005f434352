// edachat serves conversational exploratory data analysis over HTTP. A CSV is
// profiled into a digest once per session; every question is answered by a
// hosted model from that digest and the recent conversation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ZanzyTHEbar/eda-chat/edachat/api"
	"github.com/ZanzyTHEbar/eda-chat/edachat/config"
	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
	"github.com/ZanzyTHEbar/eda-chat/edachat/db"
	"github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		datasetPath string
		watch       bool
		logLevel    string
	)

	flagSet := pflag.NewFlagSet("edachat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: search ., etc/edachat and the user config dir)")
	flagSet.StringVar(&datasetPath, "dataset", "", "CSV file to open a session for at startup")
	flagSet.BoolVar(&watch, "watch", false, "reset the startup session whenever --dataset changes on disk")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.String("server.addr", "", "listen address")
	flagSet.String("gateway.provider", "", "model gateway: anthropic, openai or mock")
	flagSet.String("gateway.model", "", "model name")
	flagSet.Bool("store.enabled", false, "archive transcripts to the libsql store")
	flagSet.String("store.path", "", "transcript database path")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("No .env file found, using environment variables")
	}

	// Only flags the user set are bound so viper defaults and the config file still apply.
	bound := pflag.NewFlagSet("edachat-config", pflag.ContinueOnError)
	flagSet.Visit(func(f *pflag.Flag) {
		if f.Name != "config" && f.Name != "dataset" && f.Name != "watch" && f.Name != "log-level" {
			bound.AddFlag(f)
		}
	})

	cfg, err := config.LoadConfigWithFlags(configPath, bound)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info().
		Str("provider", cfg.Gateway.Provider).
		Str("model", cfg.Gateway.Model).
		Int("max_turns", cfg.Agent.MaxTurns).
		Msg("Starting edachat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, closeStore, err := newFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	agent, err := factory.CreateAgent()
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	if datasetPath != "" {
		if err := openStartupSession(ctx, agent, datasetPath, watch, logger); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(api.NewHandler(agent, logger)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.Gateway.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("Server stopped")
	return nil
}

// newFactory opens the transcript store when enabled and returns a harness
// factory plus a func that closes the store.
func newFactory(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*harness.Factory, func(), error) {
	if !cfg.Store.Enabled {
		return harness.NewFactory(cfg, nil, logger), func() {}, nil
	}

	conn, err := db.Connect(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open transcript store: %w", err)
	}
	logger.Info().Str("path", cfg.Store.Path).Msg("Transcript store ready")

	closeStore := func() {
		if err := conn.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close transcript store")
		}
	}
	return harness.NewFactory(cfg, conn, logger), closeStore, nil
}

func openStartupSession(ctx context.Context, agent *harness.Agent, path string, watch bool, logger zerolog.Logger) error {
	table, err := dataset.LoadCSVFile(path)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	info, err := agent.CreateSession(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger.Info().
		Str("session", info.ID).
		Str("dataset", path).
		Int("rows", info.Digest.RowCount).
		Int("columns", info.Digest.ColumnCount).
		Msg("Startup session ready")

	if !watch {
		return nil
	}

	watcher, err := dataset.NewWatcher(path, func(table *dataset.Table) {
		if _, err := agent.ResetSession(ctx, info.ID, table); err != nil {
			logger.Warn().Err(err).Str("session", info.ID).Msg("Failed to reset session after dataset change")
		}
	}, logger)
	if err != nil {
		return err
	}

	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Dataset watcher stopped")
		}
	}()
	return nil
}
