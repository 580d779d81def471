package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "Path to config file")
	onceFlag := flag.Bool("once", false, "Run a single sync even if schedule.cron is set")
	flag.Parse()

	cfg, err := LoadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	log, err := NewLogger(cfg.Logging)
	defer log.Close()
	if err != nil {
		log.Warn().Err(err).Msg("File logging disabled")
	}

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration error")
		return 1
	}

	destURL, err := url.Parse(cfg.Destination.URL)
	if err != nil {
		log.Error().Err(err).Msg("Invalid destination URL")
		return 1
	}
	factory := getDestinationFactory(newDestinationFactories(cfg.Destination, log.Logger), destURL)
	if factory == nil {
		log.Error().Str("scheme", destURL.Scheme).Msg("No destination available for scheme")
		return 1
	}

	password, err := destinationPassword(destURL, cfg.Destination.Password)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read destination password")
		return 1
	}
	// Securely clear password when it's no longer needed
	defer secureWipe(password)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	task := newSyncTask(cfg, destURL, factory, password, log.Logger)

	if cfg.Schedule.Cron != "" && !*onceFlag {
		if err := runScheduled(ctx, cfg.Schedule.Cron, task, log.Logger); err != nil {
			log.Error().Err(err).Msg("Scheduler error")
			return 1
		}
		return 0
	}

	if err := task(ctx); err != nil {
		stage, _ := stageOf(err)
		log.Error().Err(err).Str("stage", string(stage)).Msg("Sync aborted")
		return 1
	}
	return 0
}

// newSyncTask builds a task that runs one sync with a fresh portal session.
func newSyncTask(cfg *Config, destURL *url.URL, factory DestinationFactory, password []byte, logger zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		portal, err := NewPortal(cfg.Portal, cfg.Debug.DumpDir, logger)
		if err != nil {
			return err
		}
		auth := NewAuthenticator(portal, NewRuCaptcha(cfg.Captcha), cfg.Portal.Markers, cfg.Captcha, cfg.Login, logger)
		open := func(ctx context.Context) (Destination, error) {
			return factory.Create(ctx, destURL, password)
		}

		logger.Info().
			Str("portal", cfg.Portal.BaseURL).
			Str("destination", factory.Name()+"://"+destURL.Host+destURL.Path).
			Msg("Starting sync")

		report, err := NewSyncer(auth, portal, open, cfg.Staging, cfg.Upload, logger).Run(ctx)
		for _, item := range report.Failed() {
			logger.Warn().Err(item.Err).Str("file", item.Name).Msg("File not mirrored")
		}
		return err
	}
}
