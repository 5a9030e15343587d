package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/loupe-market/api/internal/handlers"
	"github.com/loupe-market/api/internal/payments"
	"github.com/loupe-market/api/internal/platform/auth"
	"github.com/loupe-market/api/internal/platform/config"
	"github.com/loupe-market/api/internal/platform/events"
	pfirestore "github.com/loupe-market/api/internal/platform/firestore"
	"github.com/loupe-market/api/internal/platform/idempotency"
	"github.com/loupe-market/api/internal/platform/observability"
	"github.com/loupe-market/api/internal/platform/secrets"
	firestoreRepo "github.com/loupe-market/api/internal/repositories/firestore"
	"github.com/loupe-market/api/internal/services"
)

const (
	dedupCleanupInterval = time.Hour
	dedupCleanupBatch    = 500
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	itemRepo, err := firestoreRepo.NewItemRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise item repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	userRepo, err := firestoreRepo.NewUserRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise user repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}

	if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		logger.Fatal("stripe api key is required")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.Stripe.APIKey,
		AccountID:     cfg.Stripe.AccountID,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        observability.ServiceLogger(logger.Named("payments")),
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	dedupStore, err := idempotency.NewFirestoreStore(firestoreClient,
		idempotency.WithFirestoreRetention(cfg.Checkout.WebhookDedupTTL),
	)
	if err != nil {
		logger.Fatal("failed to initialise webhook dedup store", zap.Error(err))
	}

	var publisher events.Publisher = events.NopPublisher{}
	var pubsubClient *pubsub.Client
	if topicID := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicID != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		publisher, err = events.NewPubSubPublisher(pubsubClient.Topic(topicID))
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
	}
	if pubsubClient != nil {
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	}

	reservationService, err := services.NewReservationService(services.ReservationServiceDeps{
		Items:  itemRepo,
		Clock:  time.Now,
		Logger: observability.ServiceLogger(logger.Named("reservations")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reservation service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Items:           itemRepo,
		Orders:          orderRepo,
		Carts:           cartRepo,
		Users:           userRepo,
		Counters:        counterRepo,
		Reservations:    reservationService,
		Payments:        paymentManager,
		Events:          publisher,
		ReservationTTL:  cfg.Checkout.ReservationTTL,
		DefaultCurrency: cfg.Checkout.Currency,
		Clock:           time.Now,
		Logger:          observability.ServiceLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orderRepo,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts: cartRepo,
		Items: itemRepo,
		Clock: time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	reconcilerService, err := services.NewReconcilerService(services.ReconcilerServiceDeps{
		Orders:       orderRepo,
		Items:        itemRepo,
		Reservations: reservationService,
		Dedup:        dedupStore,
		Events:       publisher,
		Payments:     paymentManager,
		Clock:        time.Now,
		Logger:       observability.ServiceLogger(logger.Named("reconciler")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciler service", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup

	if cfg.Checkout.SweepInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			runReservationSweeper(backgroundCtx, logger.Named("reservations"), reservationService, cfg.Checkout)
		}()
	}
	backgroundWG.Add(1)
	go func() {
		defer backgroundWG.Done()
		runDedupCleanup(backgroundCtx, logger.Named("webhook_dedup"), dedupStore)
	}()

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithReadinessProbe("firestore", func(ctx context.Context) error {
			_, err := firestoreProvider.Client(ctx)
			return err
		}),
	)

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService)
	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, checkoutService)
	webhookHandlers := handlers.NewWebhookHandlers(paymentManager, reconcilerService)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMeRoutes(orderHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("loupe market api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runReservationSweeper periodically releases item holds whose checkout never
// completed, returning those listings to the open market.
func runReservationSweeper(ctx context.Context, logger *zap.Logger, reservations services.ReservationService, cfg config.CheckoutConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			released, err := reservations.ReleaseExpired(runCtx, cfg.SweepBatchSize)
			cancel()
			if err != nil {
				logger.Error("reservation sweep error", zap.Error(err), zap.Int("released", released))
				continue
			}
			if released > 0 {
				logger.Info("reservation sweep released expired holds", zap.Int("released", released))
			}
		case <-ctx.Done():
			return
		}
	}
}

// runDedupCleanup trims processed webhook event records past their retention.
func runDedupCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store) {
	ticker := time.NewTicker(dedupCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), dedupCleanupBatch)
			cancel()
			if err != nil {
				logger.Error("webhook dedup cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("webhook dedup cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := secretProject(env); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if fallback := strings.TrimSpace(env["API_SECRETS_FALLBACK_FILE"]); fallback != "" {
		opts = append(opts, secrets.WithFallbackFile(fallback))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func secretProject(env map[string]string) string {
	for _, key := range []string{"API_SECRETS_PROJECT_ID", "API_FIREBASE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		if value := strings.TrimSpace(env[key]); value != "" {
			return value
		}
	}
	return ""
}
