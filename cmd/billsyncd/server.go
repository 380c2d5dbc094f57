package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billing"
	billingprom "github.com/mihaimyh/billsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/billsync/pkg/billing/stripe"
	"github.com/mihaimyh/billsync/pkg/billing/webhook"
	"github.com/mihaimyh/billsync/pkg/billsync"
	billsyncprom "github.com/mihaimyh/billsync/pkg/billsync/metrics/prometheus"
	"github.com/mihaimyh/billsync/pkg/billsync/notify"
	redisstore "github.com/mihaimyh/billsync/storage/redis"
)

const (
	stripeWebhookPath  = "/webhooks/stripe"
	genericWebhookPath = "/webhooks/billing"
)

// app is the wired daemon.
type app struct {
	router   http.Handler
	engine   *billsync.Engine
	service  *billing.Service
	client   billing.Client
	notifier *billsync.AsyncNotifier
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newApp(cfg Config, b *backends, logger billsync.Logger, reg *prometheus.Registry) (*app, error) {
	syncMetrics := billsyncprom.NewMetrics(reg, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(reg, cfg.MetricsNamespace)

	storeBreaker := billsync.NewDefaultCircuitBreaker(billsync.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		IsFailure:        billsync.IsStoreFailure,
		OnStateChange: func(state billsync.CircuitBreakerState) {
			syncMetrics.RecordCircuitBreakerStateChange("store", string(state))
			logger.Warn("store circuit breaker changed state", billsync.F("state", string(state)))
		},
	})
	store := billsync.NewCircuitBreakerStore(b.store, storeBreaker, syncMetrics)

	var sinks []billsync.Sink
	sinks = append(sinks, notify.NewLogSink(logger))
	if cfg.NotifyRedisChannel != "" {
		sinks = append(sinks, notify.NewRedisSink(b.redis, cfg.NotifyRedisChannel))
	}
	if cfg.WorkflowURL != "" {
		ws, err := notify.NewWorkflowSink(notify.WorkflowConfig{URL: cfg.WorkflowURL, Token: cfg.WorkflowToken})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ws)
	}
	notifier := billsync.NewAsyncNotifier(billsync.NotifierConfig{Logger: logger, Metrics: syncMetrics}, sinks...)

	engineConfig := billsync.EngineConfig{
		Notifier: notifier,
		Logger:   logger,
		Metrics:  syncMetrics,
	}
	if cfg.DistributedLock {
		locker, err := redisstore.NewLocker(b.redis, redisstore.LockerConfig{KeyPrefix: cfg.RedisKeyPrefix + "lock:"})
		if err != nil {
			return nil, err
		}
		engineConfig.Locker = locker
	}
	engine, err := billsync.NewEngine(store, engineConfig)
	if err != nil {
		return nil, err
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Reconciler:       engine,
			WebhookSecret:    cfg.StripeWebhookSecret,
			WebhookTolerance: cfg.WebhookTolerance,
			APIKey:           cfg.StripeAPIKey,
			Logger:           logger,
			Metrics:          billingMetrics,
		},
		BackendURL: cfg.StripeBackendURL,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}

	providerBreaker := billsync.NewDefaultCircuitBreaker(billsync.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		IsFailure:        billing.IsUnavailable,
		OnStateChange: func(state billsync.CircuitBreakerState) {
			syncMetrics.RecordCircuitBreakerStateChange(provider.Name(), string(state))
			logger.Warn("provider circuit breaker changed state",
				billsync.F("provider", provider.Name()),
				billsync.F("state", string(state)),
			)
		},
	})
	client := billing.NewCircuitBreakerClient(provider.Client(), providerBreaker)

	service, err := billing.NewService(billing.ServiceConfig{
		Engine:       engine,
		ProviderName: provider.Name(),
		CallTimeout:  cfg.CallTimeout,
		Logger:       logger,
		Metrics:      billingMetrics,
	})
	if err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Service:        service,
		Client:         client,
		GetUserID:      api.FromHeader(cfg.UserIDHeader),
		WebhookHandler: provider.WebhookHandler(),
		WebhookPath:    stripeWebhookPath,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if p, ok := b.store.(pinger); ok {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "store unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	}).Methods(http.MethodGet)

	if len(cfg.WebhookSecrets) > 0 {
		verifier, err := webhook.NewHMACVerifier(webhook.HMACConfig{
			Secrets:   cfg.WebhookSecrets,
			Tolerance: cfg.WebhookTolerance,
		})
		if err != nil {
			return nil, err
		}
		generic, err := webhook.NewHandler(webhook.HandlerConfig{
			Provider:   "generic",
			Verifier:   verifier,
			Normalizer: webhook.JSONNormalizer{},
			Reconciler: engine,
			Logger:     logger,
			Metrics:    billingMetrics,
		})
		if err != nil {
			return nil, err
		}
		r.Handle(genericWebhookPath, generic).Methods(http.MethodPost)
	}
	r.PathPrefix("/").Handler(handler.Routes())

	return &app{
		router:   r,
		engine:   engine,
		service:  service,
		client:   client,
		notifier: notifier,
	}, nil
}

// serve runs the HTTP server until ctx is done, then drains in-flight
// requests and pending notifications.
func (a *app) serve(ctx context.Context, cfg Config, logger billsync.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billsyncd listening", billsync.F("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not shut down cleanly", billsync.F("error", err.Error()))
	}
	if err := a.notifier.Close(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped on shutdown", billsync.F("error", err.Error()))
	}
	return nil
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": msg})
}
