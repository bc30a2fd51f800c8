package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/fixengine"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/monitor"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/settings"
	"watchtower/services/agent/internal/store"
)

const (
	Version      = "1.0.0"
	maxBodyBytes = 100 << 10
	apiKeyHeader = "X-API-Key"
)

type FixRunner interface {
	ProcessIncident(ctx context.Context, incidentID string) (fixengine.Outcome, error)
}

// Submitter runs tracked background work that outlives the request.
type Submitter interface {
	Submit(ctx context.Context, name string, task func(ctx context.Context) error) error
}

type ProviderTester interface {
	TestProvider(ctx context.Context, provider string) (string, error)
}

type Options struct {
	Store       store.Store
	Incidents   *incident.Service
	Fixer       FixRunner
	Health      monitor.Monitor
	Browser     monitor.Monitor
	Security    monitor.Monitor
	Background  Submitter
	Settings    *settings.Settings
	Knowledge   *knowledge.Base
	LLM         ProviderTester
	Hub         http.Handler
	Publisher   notify.Publisher
	Screenshots artifacts.Store
	Recorder    *audit.Recorder
	Gatherer    prometheus.Gatherer
	Config      config.Config
	Logger      *slog.Logger
}

type Handler struct {
	store              store.Store
	incidents          *incident.Service
	fixer              FixRunner
	health             monitor.Monitor
	browser            monitor.Monitor
	security           monitor.Monitor
	background         Submitter
	settings           *settings.Settings
	knowledge          *knowledge.Base
	llm                ProviderTester
	hub                http.Handler
	publisher          notify.Publisher
	screenshots        artifacts.Store
	recorder           *audit.Recorder
	gatherer           prometheus.Gatherer
	corsAllowedOrigins []string
	apiKey             string
	screenshotLinks    screenshotSigner
	generalLimiter     *apiRateLimiter
	errorReportLimiter *apiRateLimiter
	triggerLimiter     *apiRateLimiter
	logger             *slog.Logger
	startedAt          time.Time
	now                func() time.Time
}

func NewHandler(options Options) *Handler {
	publisher := options.Publisher
	if publisher == nil {
		publisher = notify.NewNoopPublisher()
	}
	screenshots := options.Screenshots
	if screenshots == nil {
		screenshots = artifacts.NewNoopStore()
	}
	gatherer := options.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cfg := options.Config

	h := &Handler{
		store:              options.Store,
		incidents:          options.Incidents,
		fixer:              options.Fixer,
		health:             options.Health,
		browser:            options.Browser,
		security:           options.Security,
		background:         options.Background,
		settings:           options.Settings,
		knowledge:          options.Knowledge,
		llm:                options.LLM,
		hub:                options.Hub,
		publisher:          publisher,
		screenshots:        screenshots,
		recorder:           options.Recorder,
		gatherer:           gatherer,
		corsAllowedOrigins: cfg.CORSAllowedOrigins,
		apiKey:             strings.TrimSpace(cfg.APIKey),
		generalLimiter:     newAPIRateLimiter("general", cfg.RateLimitGeneral),
		errorReportLimiter: newAPIRateLimiter("error_reports", cfg.RateLimitErrorReports),
		triggerLimiter:     newAPIRateLimiter("triggers", cfg.RateLimitTriggers),
		logger:             logging.OrDefault(options.Logger),
		startedAt:          time.Now().UTC(),
		now:                func() time.Time { return time.Now().UTC() },
	}
	h.screenshotLinks = newScreenshotSigner(cfg.ScreenshotTokenSecret,
		time.Duration(cfg.ScreenshotTokenTTLSecs)*time.Second, func() time.Time { return h.now() })
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", apiKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(limitBody)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/", h.index)
		r.Get("/health", h.healthz)
		r.Get("/health/db", h.healthDB)
		r.Get("/status", h.publicStatus)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
		r.Get("/screenshots/{checkID}", h.getScreenshot)
	})

	r.Route("/api/autonomous", func(r chi.Router) {
		if h.hub != nil {
			r.With(h.requireAPIKeyAllowQuery).Method(http.MethodGet, "/ws", h.hub)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.Use(h.generalLimiter.Middleware)

			r.With(h.errorReportLimiter.Middleware).Post("/error", h.reportError)
			r.Get("/incidents", h.listIncidents)
			r.Get("/incidents/{incidentID}", h.getIncident)
			r.Post("/incidents/{incidentID}/fix", h.fixIncident)
			r.Post("/trigger-test-error", h.triggerTestError)
			r.Get("/status", h.agentStatus)
			r.Get("/actions", h.listActions)
			r.Get("/security-events", h.listSecurityEvents)
			r.Get("/knowledge/stats", h.knowledgeStats)
			r.Post("/knowledge/documents", h.ingestDocument)

			r.Route("/trigger", func(r chi.Router) {
				r.Use(h.triggerLimiter.Middleware)
				r.Post("/", h.triggerAll)
				r.Post("/health", h.triggerHealth)
				r.Post("/browser", h.triggerBrowser)
				r.Post("/security", h.triggerSecurity)
			})

			r.Route("/llm", func(r chi.Router) {
				r.Get("/config", h.llmConfig)
				r.Post("/provider", h.setProvider)
				r.Post("/model", h.setModel)
				r.Post("/auto-fix/toggle", h.toggleAutoFix)
				r.Post("/test", h.testProvider)
			})
		})
	})

	return r
}

func (h *Handler) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Autonomous Monitoring Agent",
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"health":     "/health",
			"status":     "/status",
			"metrics":    "/metrics",
			"autonomous": "/api/autonomous",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "incident not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
}

// decodeBody treats an empty body as an empty object.
func decodeBody(r *http.Request, out any) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return h.apiKeyMode(next, false)
}

func (h *Handler) requireAPIKeyAllowQuery(next http.Handler) http.Handler {
	return h.apiKeyMode(next, true)
}

func (h *Handler) apiKeyMode(next http.Handler, allowQueryKey bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "agent api disabled"})
			return
		}

		provided := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if provided == "" && allowQueryKey {
			provided = strings.TrimSpace(r.URL.Query().Get("key"))
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.apiKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func (h *Handler) audit(ctx context.Context, action store.AgentAction) {
	if h.recorder != nil {
		h.recorder.Record(ctx, action)
	}
}

func (h *Handler) runInBackground(ctx context.Context, name string, task func(ctx context.Context) error) error {
	if h.background != nil {
		return h.background.Submit(ctx, name, task)
	}
	go func() {
		if err := task(context.WithoutCancel(ctx)); err != nil {
			h.logger.Error("background task failed", "task", name, "err", err)
		}
	}()
	return nil
}
