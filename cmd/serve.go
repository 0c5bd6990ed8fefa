package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mpvd/internal/config"
	"mpvd/internal/journal"
	"mpvd/internal/media"
	"mpvd/internal/mpv"
	"mpvd/internal/session"
	"mpvd/internal/web"
)

var (
	serveLogFile  string
	serveLogLevel string
	serveAddr     string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the playback controller daemon",
	Long: `Run the playback controller daemon.

The daemon will:
- Own the lifecycle of a single mpv process and its IPC socket
- Keep an authoritative playback state that survives player crashes
- Serve playback control, file management and uploads over HTTP
- Record playback history to a local SQLite database
- Handle graceful shutdown on SIGINT/SIGTERM

The daemon runs in the foreground and logs to stderr by default.
Use the --log-file flag to log to a file (useful for systemd).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Log file path (default: stderr)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level (debug, info, warn, error; default: from config)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	level := cfg.LogLevel
	if serveLogLevel != "" {
		level = serveLogLevel
	}
	logger := setupLogger(serveLogFile, level)

	logger.Info().
		Str("version", version).
		Str("media_dir", cfg.MediaDir).
		Str("addr", cfg.ListenAddr).
		Msg("Starting mpvd")

	store, err := media.NewStore(cfg.MediaDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open media store: %w", err)
	}
	transfers := media.NewTransfers(store, cfg.MaxUploadBytes, logger)

	var history *journal.Journal
	if cfg.HistoryDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
		history, err = journal.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer history.Close()
	}

	supervisor := mpv.NewSupervisor(mpv.Options{
		Binary:        cfg.PlayerBinary,
		OutputRoute:   cfg.OutputRoute,
		HardwareAccel: cfg.HardwareAccel,
		Volume:        cfg.DefaultVolume,
		AudioDevice:   mpv.DetectAudioDevice(cmd.Context()),
	}, logger)

	var recorder session.Recorder
	if history != nil {
		recorder = history
	}

	ctrl := session.NewController(
		session.SupervisorPlayer{Supervisor: supervisor},
		store,
		recorder,
		session.Options{
			PollInterval:  time.Duration(cfg.PollInterval) * time.Second,
			DefaultVolume: cfg.DefaultVolume,
			OutputRoute:   cfg.OutputRoute,
		},
		logger,
	)

	var historyReader web.History
	if history != nil {
		historyReader = history
	}
	server := web.New(ctrl, store, transfers, historyReader, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Handle first signal gracefully, second signal forces exit
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")
		cancel()

		<-sigChan
		logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	controllerDone := make(chan error, 1)
	go func() {
		controllerDone <- ctrl.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-httpDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
			cancel()
			<-controllerDone
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	if err := <-controllerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Controller error")
		return err
	}

	if history != nil {
		if _, err := history.Cleanup(context.Background(), 90*24*time.Hour); err != nil {
			logger.Warn().Err(err).Msg("Failed to cleanup history")
		}
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	level := zerolog.InfoLevel
	switch logLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
