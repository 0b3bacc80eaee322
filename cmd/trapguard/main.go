package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"

	"github.com/trapguard/trapguard"
)

func main() {
	ip.Init()

	configDir := os.Getenv("TRAPGUARD_CONFIG_DIR")
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}
	cfg, err := trapguard.LoadConfigDir(configDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", configDir).Msg("failed to load configuration")
	}

	metrics := trapguard.NewInMemoryMetricsCollector()

	sinks := trapguard.NewSinkRegistry()
	sinks.Register(&trapguard.LogAlertSink{})
	if path := os.Getenv("TRAPGUARD_ALERT_FILE"); path != "" {
		sinks.Register(trapguard.NewFileAlertSink(path))
	}
	if url := os.Getenv("TRAPGUARD_WEBHOOK_URL"); url != "" {
		sinks.Register(trapguard.NewWebhookAlertSink(url))
	}

	var archive *trapguard.Archive
	if dbPath := os.Getenv("TRAPGUARD_DB"); dbPath != "" {
		archive, err = trapguard.NewArchive(dbPath, metrics)
		if err != nil {
			log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open archive")
		}
	}

	engine := trapguard.New(trapguard.Options{
		Config:    cfg,
		Metrics:   metrics,
		Sinks:     sinks,
		Archive:   archive,
		ConfigDir: configDir,
	})

	var watcher *trapguard.ConfigWatcher
	if configDir != "" {
		watcher, err = trapguard.WatchConfigDir(configDir, engine)
		if err != nil {
			log.Warn().Err(err).Str("dir", configDir).Msg("config watcher unavailable, hot reload disabled")
		}
	}

	pruneStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := engine.Store().PruneIdle(24 * time.Hour); removed > 0 {
					log.Info().Int("removed", removed).Msg("pruned idle sessions")
				}
			case <-pruneStop:
				return
			}
		}
	}()

	app := trapguard.NewApp(engine)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		log.Info().Str("port", port).Msg("trapguard listening")
		if err := app.Listen(":" + port); err != nil {
			log.Fatal().Err(err).Msg("server exited")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	close(pruneStop)
	if watcher != nil {
		watcher.Stop()
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Error().Err(err).Msg("archive close error")
		}
	}
}
