package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deployguard/deployguard/internal/api"
	"github.com/deployguard/deployguard/internal/canary"
	"github.com/deployguard/deployguard/internal/config"
	"github.com/deployguard/deployguard/internal/delivery"
	"github.com/deployguard/deployguard/internal/flags"
	"github.com/deployguard/deployguard/internal/idemcache"
	"github.com/deployguard/deployguard/internal/metricsource"
	"github.com/deployguard/deployguard/internal/notify"
	"github.com/deployguard/deployguard/internal/partners"
	"github.com/deployguard/deployguard/internal/telemetry"
	"github.com/deployguard/deployguard/internal/tenants"
	"github.com/deployguard/deployguard/internal/tokens"
)

func main() {
	// logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	zerolog.TimeFieldFormat = time.RFC3339

	// config
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	for _, warning := range config.ValidateConfig(cfg) {
		log.Warn().Msg(warning)
	}
	log.Info().Interface("config", cfg.MaskSecrets()).Msg("loaded configuration")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data dir")
	}

	// observability
	telemetry.MustRegisterMetrics()
	if shutdown, err := telemetry.InitOTEL(context.Background(), "deployguard", cfg.OtelEndpoint); err != nil {
		log.Warn().Err(err).Msg("OTEL init failed")
	} else {
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	// traffic router
	var provider flags.Provider
	if cfg.FeatureFlags.Provider == "http" && cfg.FeatureFlags.BaseURL != "" {
		provider = flags.NewHTTPProvider(cfg.FeatureFlags.BaseURL, cfg.FeatureFlagAPIKey)
	} else {
		log.Warn().Msg("no feature-flag service configured, using in-memory provider")
		provider = flags.NewMemoryProvider()
	}
	router, err := flags.NewCachedRouter(provider, 1024, 30*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build traffic router")
	}

	// metric source
	source := metricsource.NewClient(cfg.PrometheusURL,
		time.Duration(cfg.Monitoring.QueryTimeoutSeconds)*time.Second)

	// notifications
	fanout := buildFanout(cfg)

	// idempotency cache
	var cache idemcache.Cache
	ttl := ttlPolicy(cfg.Cache)
	if cfg.IdempotencyTable != "" {
		cache = idemcache.NewDynamoCache(context.Background(), cfg.IdempotencyTable, ttl)
	} else {
		cache = idemcache.NewMemoryCache(ttl)
	}

	// tokens
	tokenStore, err := tokens.NewSQLiteStore(filepath.Join(cfg.DataDir, "tokens.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open token store")
	}
	defer tokenStore.Close()
	tokenMgr := tokens.NewManager(tokenStore, tokens.NewHTTPExchanger(partnerCredentials(cfg)))

	// tenants
	registry, err := tenants.NewRegistry(cfg.TenantsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tenant policies")
	}

	// partner clients
	clients := buildPartnerClients(cfg, tokenMgr, cache, registry)

	// delivery engine
	jobStore, err := delivery.NewStore(filepath.Join(cfg.DataDir, "deliveries.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open delivery store")
	}
	defer jobStore.Close()
	engine := delivery.NewEngine(jobStore, clients, registry, cache, delivery.Options{
		Workers:      cfg.Delivery.Workers,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		PollInterval: time.Duration(cfg.Delivery.PollIntervalSeconds) * time.Second,
		BatchSize:    cfg.Delivery.BatchSize,
	})
	engine.OnPermanentFailure(func(ctx context.Context, job delivery.Job, err error) {
		fanout.Send(ctx, notify.Event{
			Kind:     notify.KindDeliveryFailed,
			Severity: notify.SeverityWarning,
			Message:  "Delivery to " + job.Partner + " failed for tenant " + job.TenantID,
			Reason:   err.Error(),
		})
	})

	engineCtx, engineCancel := context.WithCancel(context.Background())
	go engine.Run(engineCtx)

	// canary controller
	controller := canary.NewController(router, source, fanout, cfg)
	controller.StartMonitoring(time.Duration(cfg.Monitoring.IntervalSeconds) * time.Second)

	// retention sweep
	retention := time.Duration(cfg.Global.RetentionHours) * time.Hour
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		controller.SweepExpired(retention)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention sweep")
	}
	sweeper.Start()

	// http surface
	r := chi.NewRouter()
	r.Use(telemetry.RequestIDMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := source.QueryInstant(r.Context(), "vector(1)"); err != nil {
			http.Error(w, "metric source unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", telemetry.MetricsHandler())

	if cfg.OpsToken == "" {
		log.Warn().Msg("OPS_TOKEN not set; operator API is unauthenticated")
	}
	api.NewServer(controller, engine, cfg.OpsToken).Mount(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	// graceful shutdown
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	controller.StopMonitoring()
	sweeper.Stop()
	engineCancel()
	engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}

func ttlPolicy(cc config.CacheConfig) idemcache.TTLPolicy {
	p := idemcache.TTLPolicy{
		Default:    time.Duration(cc.TTLHours) * time.Hour,
		Namespaces: make(map[string]time.Duration, len(cc.NamespaceTTLHours)),
	}
	for ns, hours := range cc.NamespaceTTLHours {
		p.Namespaces[ns] = time.Duration(hours) * time.Hour
	}
	return p
}

func partnerCredentials(cfg config.Config) map[string]tokens.Credential {
	creds := make(map[string]tokens.Credential, len(cfg.Delivery.Partners))
	for name, pc := range cfg.Delivery.Partners {
		creds[name] = tokens.Credential{
			TokenURL:     pc.TokenURL,
			ClientID:     cfg.PartnerClientIDs[name],
			ClientSecret: cfg.PartnerClientSecrets[name],
		}
	}
	return creds
}

func buildPartnerClients(cfg config.Config, mgr *tokens.Manager, cache idemcache.Cache, registry *tenants.Registry) map[string]*partners.Resilient {
	piiPolicy := func(tenantID string) []string {
		if t, ok := registry.Resolve(tenantID); ok {
			return t.PIIFields
		}
		return nil
	}

	clients := make(map[string]*partners.Resilient)
	for name, pc := range cfg.Delivery.Partners {
		var inner partners.Partner
		switch name {
		case "benevity":
			inner = partners.NewBenevity(pc.BaseURL, mgr)
		case "workday":
			inner = partners.NewWorkday(pc.BaseURL, mgr)
		default:
			log.Warn().Str("partner", name).Msg("unknown partner kind, using mock client")
			inner = partners.NewMockPartner(name)
		}
		clients[name] = partners.NewResilient(inner, cache, mgr, partners.ResilientOptions{
			RPS:       pc.RPS,
			Burst:     pc.Burst,
			PIIPolicy: piiPolicy,
		})
	}
	return clients
}

func buildFanout(cfg config.Config) *notify.Fanout {
	var channels []notify.Channel
	if cfg.Notifications.Slack.Enabled && cfg.SlackWebhookURL != "" {
		for _, ch := range cfg.Notifications.Slack.Channels {
			channels = append(channels, notify.NewSlackChannel(ch.Name, cfg.SlackWebhookURL, ch.Events))
		}
	}
	if cfg.Notifications.PagerDuty.Enabled && cfg.Notifications.PagerDuty.IntegrationKey != "" {
		channels = append(channels, notify.NewPagerDutyChannel(
			cfg.Notifications.PagerDuty.IntegrationKey, cfg.Notifications.PagerDuty.Events))
	}
	if cfg.Notifications.Email.Enabled && cfg.Notifications.Email.SMTPAddr != "" {
		channels = append(channels, notify.NewEmailChannel(
			cfg.Notifications.Email.SMTPAddr, cfg.Notifications.Email.From,
			cfg.Notifications.Email.Recipients, cfg.Notifications.Email.Events))
	}
	return notify.NewFanout(channels...)
}
