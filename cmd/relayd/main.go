// Command relayd runs the BTP-NIPs relay: a Nostr relay that gates EVENT
// acceptance on a verified Interledger payment claim, settled against an
// external settlement service over a persistent JSON-RPC connection.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/config"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/crypto"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/degraded"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/dispatch"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/fanout"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/freetier"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/metrics"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/observability/logging"
	telemetry "github.com/ALLiDoizCode/nostream-ilp-sub003/observability/otel"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/payment"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/pricing"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/ratelimit"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/settlement"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/store"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/subscription"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to relay configuration (TOML)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RELAY_ENV"))
	logger := logging.SetupWithRotation("relayd", env, logging.RotationConfig{
		Path:       strings.TrimSpace(os.Getenv("RELAY_LOG_FILE")),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Compress:   true,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "relayd",
		Environment: env,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openEventStore(cfg.PostgresDSN)
	if err != nil {
		logger.Error("open event store", "error", err)
		os.Exit(1)
	}
	eventStore := store.New(db)

	identity, err := loadOrCreateIdentity(cfg.KeystorePath, strings.TrimSpace(os.Getenv("RELAY_KEYSTORE_PASSPHRASE")))
	if err != nil {
		logger.Error("load relay identity", "error", err)
		os.Exit(1)
	}
	logger.Info("relay identity loaded", logging.MaskField("pubkey", identity.PubKey().XOnlyHex()))

	signingKey := []byte(strings.TrimSpace(os.Getenv("RELAY_SESSION_SIGNING_KEY")))
	if len(signingKey) == 0 {
		logger.Error("RELAY_SESSION_SIGNING_KEY must be set")
		os.Exit(1)
	}

	pricingPolicy := pricing.New()
	pricingPolicy.SetDefault(pricing.OperationStore, cfg.PricingStoreEvent)
	pricingPolicy.SetDefault(pricing.OperationDeliver, cfg.PricingDeliverEvent)
	pricingPolicy.SetDefault(pricing.OperationQuery, cfg.PricingQuery)
	for kind, amount := range cfg.KindOverrides {
		pricingPolicy.SetKindOverride(pricing.OperationStore, kind, amount)
	}

	limiter := ratelimit.New()
	tracker := metrics.New(metrics.WithLogFunc(func(kind metrics.Kind, peer string, cause error) {
		if cause != nil {
			logger.Warn("handler error", "kind", kind.String(), "peer", peer, "error", cause)
		}
	}))
	freeTier := freetier.New(freetier.WithAllowance(cfg.FreeTierEvents))

	claimCache, err := payment.OpenCache(claimCachePath())
	if err != nil {
		logger.Error("open claim cache", "error", err)
		os.Exit(1)
	}
	defer claimCache.Close()

	degradedController := degraded.New()

	var settlementClient *settlement.Client
	settlementClient = settlement.New(
		cfg.SettlementURL,
		settlement.WithPaymentsDisabled(!cfg.PaymentsEnabled),
		settlement.WithBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter),
		settlement.WithStateListener(func(ev settlement.StateEvent) {
			logger.Info("settlement connection state", "state", ev.Name)
			switch ev.Name {
			case "disconnected":
				degradedController.OnDisconnected()
			case "connected":
				degradedController.OnConnected()
				go drainDegradedQueue(context.Background(), degradedController, settlementClient, claimCache, logger)
			}
		}),
	)

	settlementCtx, cancelSettlement := context.WithCancel(context.Background())
	defer cancelSettlement()
	go settlementClient.Run(settlementCtx)

	subs := subscription.New(subscription.WithMaxTTL(cfg.SubscriptionTTL))
	wsSender := fanout.NewWSSender()
	scheduler := fanout.New(subs, wsSender)

	dispatcher := dispatch.NewDispatcher()
	if err := dispatcher.Register(dispatch.NewEventHandler(eventStore, scheduler)); err != nil {
		logger.Error("register EVENT handler", "error", err)
		os.Exit(1)
	}
	if err := dispatcher.Register(dispatch.NewReqHandler(subs, eventStore, dispatch.WithSubscriptionTTL(cfg.SubscriptionTTL))); err != nil {
		logger.Error("register REQ handler", "error", err)
		os.Exit(1)
	}
	if err := dispatcher.Register(dispatch.NewCloseHandler(subs)); err != nil {
		logger.Error("register CLOSE handler", "error", err)
		os.Exit(1)
	}

	sessions := dispatch.NewSessionStore(time.Now)
	authenticator := dispatch.NewAuthenticator(identity.PrivateKey, relayURLFromListenAddress(cfg.ListenAddress), signingKey)
	if err := dispatcher.Register(dispatch.NewAuthHandler(authenticator, sessions)); err != nil {
		logger.Error("register AUTH handler", "error", err)
		os.Exit(1)
	}

	pipeline := dispatch.NewPipeline(
		dispatcher,
		limiter,
		freeTier,
		settlementClient,
		degradedController,
		claimCache,
		tracker,
		dispatch.WithSessions(sessions),
		dispatch.WithPricing(pricingPolicy),
	)

	srv := &relayServer{
		pipeline: pipeline,
		auth:     authenticator,
		subs:     subs,
		sender:   wsSender,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepSubscriptions(ctx, subs, logger)

	go func() {
		logger.Info("relay listening", "addr", cfg.ListenAddress)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("listen and serve", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func drainDegradedQueue(ctx context.Context, c *degraded.Controller, client *settlement.Client, cache *payment.Cache, logger *slog.Logger) {
	result := c.Drain(ctx, func(ctx context.Context, entry degraded.VerificationQueueEntry) (bool, error) {
		res, err := client.VerifyClaim(ctx, entry.Claim)
		if err != nil {
			return false, err
		}
		_ = cache.Put(entry.Claim.ChannelID, entry.Claim.Nonce, payment.VerificationResult{
			Valid:      res.Valid,
			Error:      res.Error,
			VerifiedAt: time.Now().Unix(),
		})
		return res.Valid, nil
	})
	logger.Info("degraded queue drained", "valid", result.Valid, "invalid", result.Invalid, "errored", result.Errored, "interrupted", result.Interrupted)
}

func sweepSubscriptions(ctx context.Context, subs *subscription.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := subs.Sweep(now); n > 0 {
				logger.Debug("swept expired subscriptions", "count", n)
			}
		}
	}
}

func claimCachePath() string {
	if path := strings.TrimSpace(os.Getenv("RELAY_CLAIM_CACHE_PATH")); path != "" {
		return path
	}
	return "./relay-claims.db"
}

func relayURLFromListenAddress(addr string) string {
	return "ws://" + strings.TrimPrefix(addr, ":")
}

func loadOrCreateIdentity(keystorePath, passphrase string) (*crypto.PrivateKey, error) {
	if _, err := os.Stat(keystorePath); err == nil {
		return crypto.LoadFromKeystore(keystorePath, passphrase)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}
