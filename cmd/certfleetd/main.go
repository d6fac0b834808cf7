package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certfleet/internal/cache"
	"github.com/blockadesystems/certfleet/internal/config"
	"github.com/blockadesystems/certfleet/internal/dispatch"
	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/monitor"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/server"
	"github.com/blockadesystems/certfleet/internal/storage"
	"github.com/blockadesystems/certfleet/internal/tools"
)

const (
	serverName      = "pki-mcp-server"
	shutdownTimeout = 15 * time.Second
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certfleet starting...",
		zap.String("listen_address", cfg.ListenAddress),
		zap.String("storage_type", cfg.StorageType),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Bool("monitor_enabled", cfg.Monitor.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.NewStorage(cfg)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	for key, apiKey := range cfg.APIKeys {
		if err := store.SaveAPIKey(ctx, key, apiKey.Roles); err != nil {
			logger.Fatal("failed to seed API key", zap.Error(err))
		}
	}

	c := cache.New(cfg.Cache)
	defer c.Close()

	registry := provider.NewRegistry(store)
	endpoints := providerEndpoints(cfg.Providers)
	for _, p := range provider.FromConfig(cfg.Providers) {
		registry.Register(p)
		if err := store.EnsureProviderConfig(ctx, string(p.Name()), endpoints[p.Name()]); err != nil {
			logger.Fatal("failed to record provider config", zap.String("provider", string(p.Name())), zap.Error(err))
		}
	}
	if err := registry.ConnectAll(ctx); err != nil {
		// Unconnected providers fail their own calls; the rest keep serving.
		logger.Warn("some CA providers failed to connect", zap.Error(err))
	}
	defer registry.CloseAll()
	logger.Info("CA providers registered", zap.Any("providers", registry.Names()))

	var scanner tools.Scanner
	if cfg.Monitor.Enabled {
		m, err := newMonitor(ctx, cfg.Monitor, registry, store, c)
		if err != nil {
			logger.Fatal("failed to initialize expiry monitor", zap.Error(err))
		}
		if err := m.Start(); err != nil {
			logger.Fatal("failed to start expiry monitor", zap.Error(err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			m.Stop(stopCtx)
		}()
		scanner = m
	}

	svc := tools.New(store, c, registry, scanner, tools.Options{DefaultPerformedBy: cfg.DefaultPerformedBy})
	engine := dispatch.NewEngine(serverName, tools.CacheUsage{Cache: c})
	if err := svc.Register(engine); err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	logger.Info("tools registered", zap.Int("count", len(engine.List())))

	e := echo.New()
	server.ApplyCommonMiddleware(e, store, cfg, logger.With(zap.String("component", "http")))
	server.SetupRouter(e, engine, store, c, registry)

	go func() {
		logger.Info("listening on address", zap.String("address", cfg.ListenAddress))
		if err := e.Start(cfg.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("error starting HTTP server", zap.Error(err), zap.String("address", cfg.ListenAddress))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server cleanly", zap.Error(err))
	}
}

func newMonitor(ctx context.Context, cfg config.MonitorConfig, registry *provider.Registry, store storage.Storage, c cache.Cache) (*monitor.Monitor, error) {
	reports := monitor.MultiReportStore{monitor.NewFileReportStore(cfg.ReportDir)}
	if cfg.S3Bucket != "" {
		s3Store, err := monitor.NewS3ReportStore(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
		if err != nil {
			return nil, err
		}
		reports = append(reports, s3Store)
	}

	var alerts monitor.AlertSink
	if cfg.WebhookURL != "" {
		sink, err := monitor.NewWebhookAlertSink(cfg.WebhookURL, cfg.WebhookSecret, 0)
		if err != nil {
			return nil, err
		}
		alerts = sink
	}

	return monitor.New(registry, store, reports, alerts, monitor.Options{
		Interval:     cfg.Interval,
		RunTimeout:   cfg.RunTimeout,
		WarningDays:  cfg.WarningDays,
		CriticalDays: cfg.CriticalDays,
		SweepLeaves:  cfg.SweepLeaves,
		Cache:        c,
	}), nil
}

func providerEndpoints(cfg config.ProvidersConfig) map[model.CAProvider]string {
	return map[model.CAProvider]string{
		model.ProviderInternalPKI: cfg.Vault.Address,
		model.ProviderGlobalSign:  cfg.GlobalSign.BaseURL,
		model.ProviderDigiCert:    cfg.DigiCert.BaseURL,
		model.ProviderEntrust:     cfg.Entrust.BaseURL,
	}
}
