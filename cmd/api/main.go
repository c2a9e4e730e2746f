package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/idempotency"
	"server/internal/adapter/repo"
	"server/internal/billing/googleplay"
	"server/internal/billing/stripecard"
	"server/internal/domain"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
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

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	entitlements := repo.NewEntitlementRepository(runner)
	plans := repo.NewPlanRepository(runner)

	var seen domain.SeenSet
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		seen = idempotency.NewRedisSeenSet(redisClient, cfg.EventRetention)
	} else {
		logger.Warn().Msg("redis not configured, using in-memory idempotency filter")
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
		logger.Fatal().Err(err).Msg("failed to configure play client")
	}
	playAdapter := googleplay.NewAdapter(playClient, plans, logger)

	app := &handlers.App{
		Engine: engine,
		Plans:  plans,
		Providers: map[domain.Provider]domain.ProviderAdapter{
			domain.ProviderStripe:     stripeAdapter,
			domain.ProviderGooglePlay: playAdapter,
		},
		Stripe: stripeAdapter,
		Cfg:    cfg,
		Log:    logger,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != os.ErrClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
