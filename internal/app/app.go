// Package app assembles the subsync service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	billingprom "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	subsyncprom "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/subsync/notify/kafka"
)

const metricsNamespace = "subsync"

// App is a fully wired service.
type App struct {
	Handler    http.Handler
	Manager    *subsync.Manager
	Reconciler *billing.Reconciler
	Provider   *stripe.Provider
	Stores     *Stores

	closers []func() error
}

// Options carries dependencies that are not read from the environment.
type Options struct {
	Logger zerolog.Logger
	// Registerer receives the service metrics. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Client replaces the Stripe API client. Used by tests.
	Client billing.Client
}

// New builds the service. Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	log := zerologadapter.NewLogger(opts.Logger)

	stores, err := OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &App{Stores: stores, closers: []func() error{stores.Close}}

	if err := a.wire(cfg, opts, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, opts Options, log *zerologadapter.Logger) error {
	metrics := subsyncprom.NewMetrics(opts.Registerer, metricsNamespace)
	billingMetrics := billingprom.NewMetrics(opts.Registerer, metricsNamespace)

	var onChange subsync.ChangeCallback
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		onChange = pub.OnChange
	}

	manager, err := subsync.NewManager(subsync.Config{
		Store:      a.Stores.Store,
		Admin:      a.Stores.Admin,
		Audit:      a.Stores.Audit,
		TimeSource: a.Stores.TimeSource,
		Logger:     log,
		Metrics:    metrics,
		OnChange:   onChange,
	})
	if err != nil {
		return err
	}

	var catalog billing.PlanCatalog
	if cfg.Stripe.PlanCatalog != "" {
		c, err := billing.LoadCatalogFile(cfg.Stripe.PlanCatalog)
		if err != nil {
			return err
		}
		catalog = c
	}

	breaker := subsync.NewDefaultCircuitBreaker(subsync.CircuitBreakerConfig{
		FailureThreshold: cfg.Stripe.BreakerThreshold,
		ResetTimeout:     cfg.Stripe.BreakerReset,
		OnStateChange: func(state subsync.CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		},
	})

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Manager:        manager,
			Catalog:        catalog,
			Timeout:        cfg.Stripe.Timeout,
			CircuitBreaker: breaker,
			Metrics:        billingMetrics,
		},
		StripeAPIKey:        cfg.Stripe.SecretKey,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		Client:              opts.Client,
		RateLimitRequests:   cfg.Stripe.RateLimitRequests,
		RateLimitWindow:     cfg.Stripe.RateLimitWindow,
	})
	if err != nil {
		return fmt.Errorf("stripe provider: %w", err)
	}

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Manager:      manager,
		Client:       provider.Client(),
		Catalog:      catalog,
		ProviderName: provider.Name(),
		Metrics:      billingMetrics,
	})
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Manager:        manager,
		Reconciler:     reconciler,
		Canceler:       provider,
		WebhookHandler: provider.WebhookHandler(),
		GetIdentity:    api.FromHeader(cfg.Identity.UserHeader, cfg.Identity.RoleHeader),
		ReadinessCheck: a.Stores.Ping,
	})
	if err != nil {
		return err
	}

	a.Handler, a.Manager, a.Reconciler, a.Provider = handler, manager, reconciler, provider
	return nil
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
