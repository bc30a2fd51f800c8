package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"watchtower/services/agent/internal/api"
	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/browser"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/fixengine"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/llm"
	"watchtower/services/agent/internal/metrics"
	"watchtower/services/agent/internal/monitor"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/settings"
	"watchtower/services/agent/internal/store"
)

// app holds every wired component of the agent.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       store.Store
	redis       *redis.Client
	hub         *notify.Hub
	publisher   notify.Publisher
	settings    *settings.Settings
	recorder    *audit.Recorder
	incidents   *incident.Service
	knowledge   *knowledge.Base
	advisor     *llm.Advisor
	engine      *fixengine.Engine
	health      *monitor.HealthMonitor
	browser     *monitor.BrowserMonitor
	security    *monitor.SecurityScanner
	screenshots artifacts.Store
	registry    *prometheus.Registry
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := store.Open(ctx, cfg.StoreDriver, cfg.DataSource())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a := &app{cfg: cfg, logger: logger, store: db}

	var kv settings.KV = settings.NewStoreKV(db)
	var publishers []notify.Publisher
	if cfg.RedisEnabled {
		client, err := notify.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, continuing without event stream", "addr", cfg.RedisAddr, "err", err)
		} else {
			a.redis = client
			kv = settings.NewRedisKV(client)
			publishers = append(publishers, notify.NewRedisStreamPublisher(client, cfg.EventStreamName))
		}
	}
	a.settings = settings.New(kv)

	a.hub = notify.NewHub(api.StatsFunc(db, a.settings), logger)
	publishers = append(publishers, a.hub)
	webhook := notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookAuthHeader, cfg.WebhookMinSeverity, cfg.WebhookCooldownMinutes)
	if webhook.Enabled() {
		publishers = append(publishers, webhook)
	}
	a.publisher = notify.NewFanout(publishers...)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(a.registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.screenshots, err = newScreenshotStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	monitors, err := config.LoadMonitors(cfg.MonitorsFile, cfg.BackendAPIURL, cfg.AdminConsoleURL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.recorder = audit.NewRecorder(db, logger)
	a.incidents = incident.NewService(db, a.recorder, a.publisher, logger)
	a.knowledge = knowledge.NewBase(db, a.recorder, logger)

	deps := monitor.Deps{
		Checks:    db,
		Incidents: a.incidents,
		Recorder:  a.recorder,
		Publisher: a.publisher,
		Logger:    logger,
	}
	a.health = monitor.NewHealthMonitor(monitors.Health, deps)
	a.browser = monitor.NewBrowserMonitor(monitors.Pages, browser.NewLauncher(cfg.ChromePath), a.screenshots, deps)
	a.security = monitor.NewSecurityScanner(monitors.Security, db, deps)

	var providers []llm.Provider
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewClaudeProvider(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.OpenAIAPIKey))
	}
	a.advisor = llm.NewAdvisor(a.settings, a.knowledge, db, db, logger, providers...)

	a.engine = fixengine.New(fixengine.Options{
		Incidents: db,
		Flags:     a.settings,
		Advisor:   a.advisor,
		Executor:  fixengine.NewLocalExecutor(cfg.FixWorkDir, cfg.GitRemote, cfg.GitBranch, a.settings),
		Verifier:  fixengine.NewCategoryVerifier(db, a.browser, cfg.BackendAPIURL),
		Knowledge: a.knowledge,
		Recorder:  a.recorder,
		Publisher: a.publisher,
		Logger:    logger,
	})

	return a, nil
}

// newScreenshotStore prefers S3 when a bucket is configured and falls back to local disk.
func newScreenshotStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (artifacts.Store, error) {
	if cfg.S3Bucket == "" {
		disk, err := artifacts.NewDiskStore(cfg.ScreenshotDir)
		if err != nil {
			return nil, fmt.Errorf("screenshot directory: %w", err)
		}
		return disk, nil
	}

	s3Store, err := artifacts.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	if err != nil {
		return nil, fmt.Errorf("screenshot bucket: %w", err)
	}
	applyLifecyclePolicy(ctx, s3Store, cfg.ScreenshotRetentionDays, logger)
	return s3Store, nil
}

// applyLifecyclePolicy hands screenshot expiry to the object store when it supports it.
func applyLifecyclePolicy(ctx context.Context, objects artifacts.Store, retentionDays int, logger *slog.Logger) {
	configurer, ok := objects.(artifacts.LifecycleConfigurer)
	if !ok || retentionDays <= 0 {
		return
	}
	if err := configurer.EnsureLifecyclePolicy(ctx, retentionDays, []string{artifacts.ScreenshotPrefix}); err != nil {
		logger.Warn("screenshot lifecycle policy not applied", "err", err)
	}
}

func (a *app) handler(background api.Submitter) *api.Handler {
	return api.NewHandler(api.Options{
		Store:       a.store,
		Incidents:   a.incidents,
		Fixer:       a.engine,
		Health:      a.health,
		Browser:     a.browser,
		Security:    a.security,
		Background:  background,
		Settings:    a.settings,
		Knowledge:   a.knowledge,
		LLM:         a.advisor,
		Hub:         a.hub,
		Publisher:   a.publisher,
		Screenshots: a.screenshots,
		Recorder:    a.recorder,
		Gatherer:    a.registry,
		Config:      a.cfg,
		Logger:      a.logger,
	})
}

func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.screenshots != nil {
		if err := a.screenshots.Close(); err != nil {
			a.logger.Warn("screenshot store close failed", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", "err", err)
		}
	}
	a.store.Close()
}
