package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/idempotency"
	"server/internal/adapter/repo"
	"server/internal/billing/googleplay"
	"server/internal/billing/stripecard"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/reconcile"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	entitlements := repo.NewEntitlementRepository(runner)
	plans := repo.NewPlanRepository(runner)

	var seen domain.SeenSet
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: redis connection failed")
	}
	if redisClient != nil {
		defer redisClient.Close()
		seen = idempotency.NewRedisSeenSet(redisClient, cfg.EventRetention)
	} else {
		logger.Warn().Msg("sweeper: redis not configured, using in-memory idempotency filter")
		seen = idempotency.NewMemorySeenSet(cfg.EventRetention)
	}

	engine := reconcile.NewEngine(entitlements, seen, logger)

	stripeAdapter := stripecard.New(stripecard.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	}, plans, logger)
	playClient, err := googleplay.NewClient(googleplay.Options{
		PackageName:     cfg.GooglePlayPackageName,
		CredentialsFile: cfg.GooglePlayCredentialsFile,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: failed to configure play client")
	}
	engine.RegisterVerifier(domain.ProviderStripe, stripeAdapter)
	engine.RegisterVerifier(domain.ProviderGooglePlay, googleplay.NewAdapter(playClient, plans, logger))

	sweeper := reconcile.NewSweeper(engine, entitlements, cfg.SweepInterval, cfg.SweepBatchSize, logger)
	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("sweeper: stopped with error")
	}
	logger.Info().Msg("sweeper: stopped")
}
