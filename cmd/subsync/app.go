package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/billing"
	prommetrics "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/revenuecat"
	"github.com/mihaimyh/subsync/pkg/identity"
	"github.com/mihaimyh/subsync/pkg/subscription"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subscription/logger/zerolog"
	firestorestore "github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	redisledger "github.com/mihaimyh/subsync/storage/redis"
)

// app wires the stores, the provider and the metrics registry for one process.
type app struct {
	cfg      *Config
	log      zerolog.Logger
	store    subscription.Store
	ledger   subscription.SkipLedger
	verifier identity.Verifier
	provider *revenuecat.Provider
	registry *prometheus.Registry

	// pingers are checked by /healthz.
	pingers map[string]func(context.Context) error
	closers []func()
}

func newApp(ctx context.Context, cfg *Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		pingers: make(map[string]func(context.Context) error),
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.verifier = verifier

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bcfg := billing.Config{
		Store:              a.store,
		Ledger:             a.ledger,
		Logger:             a.componentLogger("revenuecat"),
		DefaultEntitlement: cfg.DefaultEntitlement,
		WebhookSecret:      cfg.WebhookSecret,
		EnableHMAC:         cfg.EnableHMAC,
		SyncSecret:         cfg.SyncSecret,
		APIKey:             cfg.APIKey,
		APIBaseURL:         cfg.APIBaseURL,
		RequestTimeout:     cfg.RequestTimeout,
		BatchSize:          cfg.BatchSize,
		SyncConcurrency:    cfg.SyncConcurrency,
		AllowedOrigins:     cfg.AllowedOrigins,
		Metrics:            prommetrics.NewMetrics(a.registry, "subsync"),
		WebhookCallback: func(_ context.Context, ev billing.WebhookEvent) error {
			a.log.Debug().
				Str("event_type", ev.EventType).
				Str("user_id", ev.UserID).
				Msg("Webhook event handled")
			return nil
		},
	}
	if verifier != nil {
		bcfg.TokenVerifier = verifier
	}

	provider, err := revenuecat.NewProvider(bcfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create revenuecat provider: %w", err)
	}
	a.provider = provider
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = a.cfg.DatabaseURL
		pgCfg.Migrate = a.cfg.Migrate
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		a.store = store
		a.pingers["postgres"] = store.Ping
		a.closers = append(a.closers, store.Close)

	case "firestore":
		client, err := firestore.NewClient(ctx, a.cfg.FirestoreProjectID)
		if err != nil {
			return fmt.Errorf("create firestore client: %w", err)
		}
		store, err := firestorestore.New(client, firestorestore.Config{
			SubscriptionsCollection: a.cfg.FirestoreCollection,
			UsersCollection:         a.cfg.FirestoreUsersCollection,
		})
		if err != nil {
			client.Close()
			return fmt.Errorf("open firestore store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() { _ = client.Close() })

	case "memory":
		a.log.Warn().Msg("Using in-memory subscription store; records are lost on restart")
		a.store = memory.New()
	}
	a.log.Info().Str("backend", a.cfg.StoreBackend).Msg("Subscription store ready")
	return nil
}

func (a *app) openLedger(ctx context.Context) error {
	if a.cfg.RedisAddr == "" {
		a.ledger = memory.NewLedger()
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	ledgerCfg := redisledger.DefaultConfig()
	ledgerCfg.KeyPrefix = a.cfg.RedisKeyPrefix
	ledger, err := redisledger.New(client, ledgerCfg)
	if err != nil {
		client.Close()
		return fmt.Errorf("open redis ledger: %w", err)
	}
	if err := ledger.Ping(ctx); err != nil {
		ledger.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	a.ledger = ledger
	a.pingers["redis"] = ledger.Ping
	a.closers = append(a.closers, func() { _ = ledger.Close() })
	return nil
}

// newVerifier prefers OIDC discovery when configured, then a shared-secret JWT verifier.
// Returns nil when neither is configured; sync then accepts only the operator secret.
func newVerifier(ctx context.Context, cfg *Config) (identity.Verifier, error) {
	if cfg.OIDCIssuer != "" {
		v, err := identity.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	if cfg.JWTSecret != "" {
		v, err := identity.NewJWTVerifier(identity.JWTConfig{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, nil
}

// componentLogger adapts the process logger for library packages.
func (a *app) componentLogger(name string) subscription.Logger {
	return zerologadapter.NewLogger(a.log.With().Str("component", name).Logger())
}

// Close releases every opened backend in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "console") {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", "subsync").Logger()
}
