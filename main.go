package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "quoteflow/config"
	"quoteflow/fetcher"
	"quoteflow/internal/chain"
	"quoteflow/internal/gateway"
	"quoteflow/internal/pacing"
	"quoteflow/internal/pending"
	"quoteflow/logger"
	"quoteflow/processor"
	"quoteflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(appconfig.ResolvePath(*configPath, "config/config.yml", nil))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":  cfg.Quoteflow.Name,
		"version":  cfg.Quoteflow.Version,
		"sec_type": cfg.Fetch.SecType,
		"assets":   cfg.Fetch.Assets,
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	conn, err := gateway.Dial(ctx, cfg.Gateway)
	if err != nil {
		log.WithError(err).Error("failed to connect to quote gateway")
		os.Exit(1)
	}

	registry := pending.NewRegistry()
	gate := pacing.NewGate(cfg.Pacing, registry)
	resolver := chain.NewResolver(cfg, conn)

	mode, err := fetcher.NewMode(cfg, resolver)
	if err != nil {
		log.WithError(err).Error("failed to select fetch mode")
		os.Exit(1)
	}

	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewArchiver(cfg)
		if err != nil {
			// Development runs keep the local day files and move on.
			if appconfig.IsProductionLike(appconfig.AppEnvironment()) {
				log.WithError(err).Error("failed to create S3 archiver")
				os.Exit(1)
			}
			log.WithError(err).Warn("S3 archiver unavailable, keeping local files only")
			archiver = nil
		} else if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start S3 archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archival disabled")
	}

	var publisher *writer.Publisher
	if cfg.Storage.Kafka.Enabled {
		publisher, err = writer.NewPublisher(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		if err := publisher.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka publisher")
			os.Exit(1)
		}
	}

	sink := writer.NewFileSink(cfg, archiver, publisher)
	router := processor.NewRouter(cfg, conn.Events(), registry, resolver, mode, sink)
	if err := router.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start response router")
		os.Exit(1)
	}

	orchestrator := fetcher.NewOrchestrator(cfg, conn, registry, gate, resolver, mode, sink, router.Failed())

	runErr := make(chan error, 1)
	go func() {
		runErr <- orchestrator.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("fetch run failed")
			exitCode = 1
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	conn.Close()
	router.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	if archiver != nil {
		archiver.Stop()
	}

	log.Info("quoteflow stopped")
	os.Exit(exitCode)
}
