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

	"meetd-backend/internal/api"
	"meetd-backend/internal/auth"
	"meetd-backend/internal/calendar"
	"meetd-backend/internal/config"
	"meetd-backend/internal/cryptox"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/repository"
	"meetd-backend/internal/service"
	"meetd-backend/internal/webhook"
	"meetd-backend/internal/ws"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already carry the settings.
	envErr := godotenv.Load()

	var cfg config.Config
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(os.Stdout, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if envErr != nil {
		log.Debug(ctx, "no .env file loaded", "error", envErr)
	}

	initCtx, cancelInit := context.WithTimeout(ctx, 10*time.Second)
	defer cancelInit()

	store, err := openStore(initCtx, &cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(initCtx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info(ctx, "database ready", "driver", cfg.DatabaseDriver)

	sealer, err := cryptox.NewAESSealer(cfg.ServerSecret, cfg.SealSalt)
	if err != nil {
		return fmt.Errorf("sealer: %w", err)
	}
	links, err := auth.NewLinkTokenService(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("link tokens: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	dispatcher := webhook.NewDispatcher(webhook.NewChanQueue(cfg.WebhookQueueSize), webhook.Options{
		Workers:     cfg.WebhookWorkers,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Backoff:     cfg.WebhookBackoff,
		Timeout:     cfg.WebhookTimeout,
	}, log.With("module", "webhook"))
	hub := ws.NewHub(log.With("module", "ws"))
	cal := calendar.NewStatic(cfg.ServerURL)

	deps := service.ProposalDeps{
		Store:    store,
		Calendar: cal,
		Notifier: webhook.Multi{dispatcher, hub},
		Links:    links,
	}
	if cfg.ShareEnabled() {
		client, err := service.NewS3Client(initCtx, service.S3Settings{
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.AWSEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		deps.Publisher = service.NewS3Publisher(client, cfg.AWSBucketName)
		log.Info(ctx, "proposal sharing enabled", "bucket", cfg.AWSBucketName)
	}

	users := service.NewUserService(store, sealer, auth.NewCredentialService(cfg.CredentialCost), log.With("module", "users"))
	guard := service.NewReplayGuard(store, cfg.ProposalMaxLifetime, log.With("module", "replay"))
	deps.Users = users
	deps.Guard = guard
	proposals := service.NewProposalService(deps, service.ProposalOptions{
		MaxLifetime: cfg.ProposalMaxLifetime,
		ServerURL:   cfg.ServerURL,
	}, log.With("module", "proposals"))
	availability := service.NewAvailabilityService(store, cal, service.AvailabilityOptions{
		Location:     loc,
		Granularity:  cfg.AvailabilityGranularity,
		MinLead:      cfg.AvailabilityMinLead,
		MaxHorizon:   cfg.AvailabilityMaxHorizon,
		WorkdayStart: cfg.AvailabilityWorkdayStart,
		WorkdayEnd:   cfg.AvailabilityWorkdayEnd,
		Limit:        cfg.AvailabilityLimit,
	})

	if cfg.RegistrationSecret == "" {
		log.Warn(ctx, "REGISTRATION_SECRET is empty; registration is closed")
	}
	handler := api.NewHandler(users, proposals, availability, dispatcher, hub, api.Options{
		RegistrationSecret: cfg.RegistrationSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, log.With("module", "api"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "server listening", "addr", srv.Addr, "url", cfg.ServerURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return proposals.RunSweeper(gctx, cfg.ExpirySweepInterval) })
	g.Go(func() error { return guard.RunPruner(gctx, cfg.NoncePruneInterval) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info(context.Background(), "server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*repository.SQLStore, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		store, err := repository.NewSQLiteStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, nil
	default:
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, nil
	}
}
