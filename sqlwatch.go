package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/sqlwatch/admin"
	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/notify"
	"github.com/maxpert/sqlwatch/observation"
	"github.com/maxpert/sqlwatch/publisher"
	_ "github.com/maxpert/sqlwatch/publisher/sink"
	"github.com/maxpert/sqlwatch/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("sqlwatch - live queries over SQLite")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Commit signal hub
	hub := notify.NewHub()
	defer hub.Close()

	log.Info().Str("path", cfg.Config.Database.Path).Msg("Opening database")
	database, err := db.Open(cfg.Config.Database.Path, db.Options{
		JournalMode:    cfg.Config.Database.JournalMode,
		BusyTimeout:    time.Duration(cfg.Config.Database.BusyTimeoutMS) * time.Millisecond,
		ReaderPoolSize: cfg.Config.Database.ReaderPoolSize,
		Notifier:       hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer database.Close()

	sinks, err := publisher.NewRegistry(cfg.Config.Sinks, cfg.Config.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sinks")
		return
	}
	defer sinks.Close()

	// Start watches
	registry := observation.NewRegistry()
	watches, err := startWatches(database, registry, sinks, cfg.Config.Watches, cfg.Config.Observation)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start watches")
		return
	}
	defer watches.Stop()

	collector := telemetry.NewMetricsCollector(
		registry,
		time.Duration(cfg.Config.Observation.CollectIntervalMS)*time.Millisecond,
	)
	collector.Start()
	defer collector.Stop()

	go logCommits(hub, database.Name())

	if cfg.Config.Admin.Enabled {
		server := admin.NewServer(
			admin.NewAdminHandlers(database, registry, hub),
			cfg.Config.Admin.Secret,
			telemetry.GetMetricsHandler(),
		)
		address := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		if err := server.Start(address); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Str("database", database.Name()).
		Int("watches", registry.Len()).
		Strs("sinks", sinks.SinkNames()).
		Msg("sqlwatch started successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
}

// logCommits traces every commit signal at debug level
func logCommits(hub *notify.Hub, database string) {
	signals, cancel := hub.Subscribe(db.CommitFilter{Databases: []string{database}})
	defer cancel()

	for sig := range signals {
		log.Debug().
			Str("database", sig.Database).
			Uint64("seq", sig.Seq).
			Msg("Commit")
	}
}
