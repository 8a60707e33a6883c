package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/pagecache/internal/cache"
	"github.com/eugener/pagecache/internal/circuitbreaker"
	"github.com/eugener/pagecache/internal/config"
	"github.com/eugener/pagecache/internal/keys"
	"github.com/eugener/pagecache/internal/operation"
	"github.com/eugener/pagecache/internal/origin"
	"github.com/eugener/pagecache/internal/ramcache"
	"github.com/eugener/pagecache/internal/ratelimit"
	"github.com/eugener/pagecache/internal/server"
	"github.com/eugener/pagecache/internal/telemetry"
	"github.com/eugener/pagecache/internal/transform"
	"github.com/eugener/pagecache/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting pagecache", "version", version, "addr", cfg.Server.Addr, "origin", cfg.Origin.BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:   cfg.Telemetry.Tracing.Endpoint,
			SampleRate: cfg.Telemetry.Tracing.SampleRate,
			Version:    version,
		})
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Cache backends
	stores, err := newBackends(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer stores.Close()
	chooser := cache.NewNamespaceChooser(stores.store)
	defer chooser.Close()

	// Origin
	var (
		workers  []worker.Worker
		resolver *dnscache.Resolver
	)
	if cfg.Origin.DNSRefresh > 0 {
		resolver = &dnscache.Resolver{}
		workers = append(workers, worker.NewDNSRefresher(resolver, cfg.Origin.DNSRefresh))
	}
	var transport http.RoundTripper = origin.NewTransport(resolver, cfg.Origin.ForceHTTP2)
	if b := cfg.Origin.Breaker; b.Enabled {
		transport = circuitbreaker.NewTransport(transport, circuitbreaker.Config{
			ErrorThreshold: b.ErrorThreshold,
			MinSamples:     b.MinSamples,
			Window:         b.Window,
			OpenTimeout:    b.OpenTimeout,
		}, breakerObserver(metrics))
	}
	if limiter := ratelimit.NewLimiter(cfg.Origin.MaxRPS, cfg.Origin.Burst); limiter != nil {
		var onLimited func()
		if metrics != nil {
			onLimited = metrics.RateLimited.Inc
		}
		transport = ratelimit.NewTransport(transport, limiter, onLimited)
	}
	if a := cfg.Origin.Auth; a != nil {
		transport = origin.NewOAuthTransport(ctx, transport, origin.ClientCredentials{
			TokenURL:     a.TokenURL,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			Scopes:       a.Scopes,
		})
	}
	publisher, err := origin.New(origin.Config{
		BaseURL:      cfg.Origin.BaseURL,
		Timeout:      cfg.Origin.Timeout,
		MaxBodyBytes: cfg.Origin.MaxBodyBytes,
		Transport:    transport,
	}, metrics)
	if err != nil {
		return err
	}

	// ETag value sources
	opts := keys.DefaultOptions{IdentityCookie: cfg.ETag.IdentityCookie}
	if c := cfg.Origin.Counter; c.Path != "" {
		poller := worker.NewCounterPoller(publisher, worker.CounterConfig{
			Path:     c.Path,
			JSONPath: c.JSONPath,
			Interval: c.Interval,
		}, metrics)
		opts.Counter = poller
		workers = append(workers, poller)
	}
	etags := keys.NewRegistry()
	keys.RegisterDefaults(etags, opts)

	// Caching operations
	ram := ramcache.New(chooser, metrics)
	rules, err := buildRules(cfg.Rules, operation.Deps{
		RAM:            ram,
		ETags:          etags,
		IdentityCookie: cfg.ETag.IdentityCookie,
	})
	if err != nil {
		return err
	}
	stages := []transform.Stage{transform.CharsetStage{}}
	for _, ns := range rules.Namespaces() {
		stages = append(stages, ramcache.NewCaptureStage(ram, ns))
	}

	if stores.sqlite != nil {
		workers = append(workers, worker.NewPruneWorker(stores.sqlite, cfg.Cache.SQLite.PruneInterval, metrics))
	}

	// Background workers
	runner := worker.NewRunner(workers...)
	workerErr := make(chan error, 1)
	go func() {
		if err := runner.Run(ctx); err != nil {
			workerErr <- err
		}
	}()

	// Create HTTP server
	handler := server.New(server.Deps{
		Publisher:      publisher,
		Rules:          rules,
		Chain:          transform.NewChain(stages...),
		ReadyCheck:     stores.ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("pagecache ready",
		"addr", cfg.Server.Addr,
		"rules", rules.Len(),
		"namespaces", len(rules.Namespaces()),
		"workers", runner.Len(),
	)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	// Shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	cancel()

	slog.Info("pagecache stopped")
	return nil
}

// breakerObserver logs breaker transitions and exports the state per host.
func breakerObserver(metrics *telemetry.Metrics) func(host string, from, to circuitbreaker.State) {
	return func(host string, from, to circuitbreaker.State) {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "origin breaker state changed",
			slog.String("host", host),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if metrics != nil {
			metrics.BreakerState.WithLabelValues(host).Set(float64(to))
		}
	}
}

// buildRules turns rule entries into a Ruleset, in file order.
func buildRules(entries []config.RuleEntry, deps operation.Deps) (*operation.Ruleset, error) {
	rules := make([]operation.Rule, 0, len(entries))
	for i, e := range entries {
		kind, err := operation.ParseKind(e.Operation)
		if err != nil {
			return nil, err
		}
		op, err := operation.New(kind, operation.Settings{
			MaxAge:        e.MaxAge,
			SMaxAge:       e.SMaxAge,
			ETags:         e.ETags,
			LastModified:  e.LastModified,
			RAMCache:      e.RAMCache,
			Vary:          e.Vary,
			AnonymousOnly: e.AnonymousOnly,
			Namespace:     e.Namespace,
		}, deps)
		if err != nil {
			return nil, err
		}
		name := e.Name
		if name == "" {
			name = "rule" + strconv.Itoa(i)
		}
		rules = append(rules, operation.Rule{Name: name, Pattern: e.Path, Operation: op})
	}
	return operation.NewRuleset(rules...)
}
