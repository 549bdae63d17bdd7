package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/auth"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/config"
	"github.com/tombii/better-ccflare-sub004/internal/provider"
	"github.com/tombii/better-ccflare-sub004/internal/proxy"
	"github.com/tombii/better-ccflare-sub004/internal/ratelimit"
	"github.com/tombii/better-ccflare-sub004/internal/server"
	"github.com/tombii/better-ccflare-sub004/internal/storage/sqlite"
	"github.com/tombii/better-ccflare-sub004/internal/telemetry"
	"github.com/tombii/better-ccflare-sub004/internal/token"
	"github.com/tombii/better-ccflare-sub004/internal/worker"
	"github.com/tombii/better-ccflare-sub004/internal/writer"
)

const (
	accountSnapshotTTL = 5 * time.Second
	keyCacheSize       = 1024
	keyCacheTTL        = 30 * time.Second
	dnsRefreshEvery    = 5 * time.Minute
	usagePollEvery     = 30 * time.Second
	writerDrainBudget  = 10 * time.Second
)

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	slog.Info("starting ccflare", "version", version, "addr", cfg.Server.Addr)

	// Open database and seed accounts/keys on first run.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Observability.
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	// Upstream HTTP client with DNS caching. No client timeout: streamed
	// responses can legitimately run for minutes.
	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: provider.NewTransport(resolver)}

	// GCP credentials are only loaded when a Vertex account exists, so the
	// proxy runs outside Google Cloud without ADC configured.
	var gcpClient *http.Client
	if hasVertexAccount(ctx, store) {
		gcp, err := provider.NewGCPTransport(ctx, provider.NewTransport(resolver))
		if err != nil {
			slog.Warn("vertex account configured but GCP credentials unavailable", "error", err)
		} else {
			gcpClient = &http.Client{Transport: gcp}
		}
	}

	// Async write path and caches.
	dbWriter := writer.New(store, cfg.Writer.QueueSize, cfg.Writer.BatchSize, cfg.Writer.FlushInterval)
	accounts, err := cache.NewAccounts(accountSnapshotTTL)
	if err != nil {
		return err
	}
	keys, err := cache.NewKeys(keyCacheSize, keyCacheTTL)
	if err != nil {
		return err
	}

	guard := ratelimit.NewSpendGuard()
	tokens := token.NewManager(dbWriter, accounts, store, nil, cfg.OAuth.ClientID, cfg.OAuth.TokenURL)
	apiAuth := auth.NewAPIKeyAuth(store, keys, guard)

	engine := proxy.New(proxy.Deps{
		Store:     store,
		Accounts:  accounts,
		Tokens:    tokens,
		Writer:    dbWriter,
		Client:    client,
		Guard:     guard,
		Metrics:   metrics,
		GCPClient: gcpClient,
	}, proxy.Options{
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		CaptureBytes:      cfg.Writer.PayloadCaptureBytes,
		RetryAttempts:     cfg.Retry.Attempts,
		RetryDelay:        cfg.Retry.Delay,
		RetryBackoff:      cfg.Retry.Backoff,
		SessionDuration:   cfg.Session.Duration,
		DefaultAgentModel: cfg.DefaultAgentModel,
	})

	// Background workers.
	poller, err := worker.NewUsagePoller(store, tokens, nil, usagePollEvery)
	if err != nil {
		return err
	}
	runner := worker.NewRunner(
		dbWriter,
		worker.NewAutoRefresher(store, tokens, 0),
		poller,
		worker.NewMaintenance(store, guard, cfg.Retention.RequestDays, cfg.Retention.PayloadDays),
	)

	handler := server.New(server.Deps{
		Store:         store,
		Auth:          apiAuth,
		Proxy:         engine,
		Writer:        dbWriter,
		Tokens:        tokens,
		Accounts:      accounts,
		Usage:         poller,
		Guard:         guard,
		Keys:          apiAuth,
		Metrics:       metrics,
		Gatherer:      gatherer,
		ReadyCheck:    store.Ping,
		OAuthClientID: cfg.OAuth.ClientID,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()
	go refreshDNS(workerCtx, resolver)

	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	slog.Info("ccflare ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-httpErr:
		stopWorkers()
		<-workerErr
		return err
	case err := <-workerErr:
		return err
	}

	// Drain in dependency order: stop accepting requests, then cancel the
	// workers so the writer flushes its queue, then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	stopWorkers()
	select {
	case err := <-workerErr:
		if err != nil {
			slog.Warn("worker shutdown error", "error", err)
		}
	case <-time.After(writerDrainBudget):
		slog.Warn("worker drain timed out")
	}

	slog.Info("ccflare stopped")
	return nil
}

// hasVertexAccount reports whether any persisted account targets Vertex AI.
func hasVertexAccount(ctx context.Context, store *sqlite.Store) bool {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return false
	}
	for _, a := range accounts {
		if a.Provider == relay.ProviderVertexAI {
			return true
		}
	}
	return false
}

// refreshDNS re-resolves cached upstream hosts so long-lived processes do
// not pin dead IPs.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
