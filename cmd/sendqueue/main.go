package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sendqueue/internal/backend"
	"sendqueue/internal/config"
	"sendqueue/internal/connectivity"
	"sendqueue/internal/constants"
	"sendqueue/internal/logfields"
	"sendqueue/internal/metrics"
	"sendqueue/internal/models"
	"sendqueue/internal/queue"
	"sendqueue/internal/retry"
	"sendqueue/internal/storage"
	"sendqueue/internal/tracing"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("sendqueue %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting sendqueue")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close queue store")
		}
	}()

	client := backend.NewClient(cfg.Backend.APIBaseURL, &http.Client{
		Timeout: time.Duration(cfg.Backend.TimeoutSec) * time.Second,
	}, logger)
	sender := backend.NewSender(client, cfg.Backend.Token)

	sw := connectivity.NewSwitch(cfg.Connectivity.InitiallyOnline)

	q := queue.New(store, sender, sw, logger,
		queue.WithDrainDelay(time.Duration(cfg.Queue.DrainDelayMs)*time.Millisecond),
		queue.WithMetrics(metrics.GetRegistry()),
	)
	if err := q.Load(ctx); err != nil {
		return fmt.Errorf("failed to load send queue: %w", err)
	}

	if cfg.Connectivity.MonitorEnabled {
		monitor := connectivity.NewMonitor(sw, cfg.Connectivity.ProbeAddress,
			time.Duration(cfg.Connectivity.CheckIntervalSec)*time.Second,
			time.Duration(cfg.Connectivity.DialTimeoutMs)*time.Millisecond,
			logger)
		monitor.Start(ctx)
		defer monitor.Stop()
		logger.WithField(logfields.URL, cfg.Connectivity.ProbeAddress).Info("Connectivity monitor started")
	}

	watcher := config.NewConfigWatcher(*configPath, 0, logger)
	watcher.OnConfigChange(func(newCfg *models.Config) {
		if newCfg.Backend.Token != "" {
			sender.SetToken(newCfg.Backend.Token)
		}
		applyLogLevel(logger, newCfg.LogLevel)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	queueCtx, stopQueue := context.WithCancel(ctx)
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		q.Run(queueCtx)
	}()

	server := NewServer(cfg, q, client, sender, sw, logger, *verbose)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	stopQueue()
	select {
	case <-queueDone:
	case <-shutdownCtx.Done():
		logger.Warn("Send queue did not stop before the shutdown deadline")
	}

	logger.WithField(logfields.QueueDepth, q.Len()).Info("Shutdown completed")
	return runErr
}

// openStore opens the configured queue store, retrying with backoff while
// the file is locked by another process.
func openStore(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (storage.Store, error) {
	var store storage.Store
	backoff := retry.NewBackoff(retry.FromConfig(cfg.Retry))
	backoff.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithFields(logrus.Fields{
			logfields.StorageDriver: cfg.Storage.Driver,
			logfields.Attempt:       attempt,
			"retry_in_ms":           delay.Milliseconds(),
		}).WithError(err).Warn("Failed to open queue store")
	}

	err := backoff.Retry(ctx, func() error {
		var openErr error
		store, openErr = storage.Open(cfg.Storage)
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store after retries: %w", err)
	}

	logger.WithFields(logrus.Fields{
		logfields.StorageDriver: cfg.Storage.Driver,
		logfields.QueueKey:      cfg.Storage.Key,
	}).Info("Queue store opened")
	return store, nil
}

func applyLogLevel(logger *logrus.Logger, level string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}
