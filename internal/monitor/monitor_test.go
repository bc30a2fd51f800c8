package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/store"
)

func newDeps(mem *store.Memory) Deps {
	recorder := audit.NewRecorder(mem, nil)
	return Deps{
		Checks:    mem,
		Incidents: incident.NewService(mem, recorder, nil, nil),
		Recorder:  recorder,
	}
}

func TestHealthMonitorOpensCriticalIncidentOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("expected agent user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mem := store.NewMemory()
	monitor := NewHealthMonitor([]config.HealthTarget{
		{Name: "Backend API", URL: server.URL + "/health", Application: "backend", ExpectedStatus: 200, Timeout: time.Second},
	}, newDeps(mem))

	report, err := monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Unhealthy)
	require.Len(t, report.IncidentIDs, 1)

	checks, err := mem.ListChecks(context.Background(), store.CheckFilter{})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, store.CheckError, checks[0].Status)
	assert.Equal(t, 500, checks[0].StatusCode)

	incidents, err := mem.ListIncidents(context.Background(), store.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, store.SeverityCritical, incidents[0].Severity)
	assert.Equal(t, store.CategoryInfrastructure, incidents[0].Category)
	assert.Equal(t, "Health check failed: Backend API", incidents[0].Title)
	assert.Equal(t, store.StatusDetected, incidents[0].Status)
	assert.EqualValues(t, 500, incidents[0].Context["status_code"])
}

func TestHealthMonitorRecordsHealthyTargetsAndContinuesAfterTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mem := store.NewMemory()
	monitor := NewHealthMonitor([]config.HealthTarget{
		{Name: "Unreachable", URL: "http://127.0.0.1:1/health", Timeout: 200 * time.Millisecond},
		{Name: "Healthy", URL: server.URL, ExpectedStatus: 200},
	}, newDeps(mem))

	report, err := monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, 1, report.Unhealthy)
	assert.Len(t, report.IncidentIDs, 1)
}

type failingOpener struct{}

func (failingOpener) Open(context.Context, incident.Draft) (store.Incident, error) {
	panic("store exploded")
}

func TestIsolatePanicsBecomeFailedActions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	mem := store.NewMemory()
	deps := newDeps(mem)
	deps.Incidents = failingOpener{}
	monitor := NewHealthMonitor([]config.HealthTarget{
		{Name: "First", URL: server.URL},
		{Name: "Second", URL: server.URL},
	}, deps)

	report, err := monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failures)

	actions, err := mem.ListActions(context.Background(), store.ActionFilter{})
	require.NoError(t, err)
	failed := 0
	for _, action := range actions {
		if action.ActionType == "check_failed" {
			require.NotNil(t, action.Success)
			assert.False(t, *action.Success)
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

type fakePage struct {
	errs, warnings []string
	navErr         error
	closed         *int
}

func (p *fakePage) Navigate(context.Context, string, time.Duration) error { return p.navErr }
func (p *fakePage) Console() ([]string, []string)                         { return p.errs, p.warnings }
func (p *fakePage) Screenshot(context.Context) ([]byte, error)            { return []byte("png"), nil }
func (p *fakePage) Close() error {
	*p.closed++
	return nil
}

type fakeBrowser struct {
	mu     sync.Mutex
	pages  []*fakePage
	closed int
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	page := b.pages[0]
	b.pages = b.pages[1:]
	return page, nil
}

func (b *fakeBrowser) Close() error {
	b.closed++
	return nil
}

type fakeLauncher struct {
	browser *fakeBrowser
	err     error
}

func (l *fakeLauncher) Launch(context.Context) (Browser, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

func TestBrowserMonitorCapturesErrorsAndScreenshots(t *testing.T) {
	closedPages := 0
	browser := &fakeBrowser{pages: []*fakePage{
		{errs: []string{"TypeError: x is undefined"}, warnings: []string{"deprecated"}, closed: &closedPages},
		{closed: &closedPages},
	}}
	screenshots, err := artifacts.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	mem := store.NewMemory()
	monitor := NewBrowserMonitor([]config.PageTarget{
		{Name: "Dashboard", URL: "http://console/dashboard", Application: "console", Critical: true},
		{Name: "Home", URL: "http://console/"},
	}, &fakeLauncher{browser: browser}, screenshots, newDeps(mem))
	monitor.sleep = func(context.Context, time.Duration) error { return nil }

	report, err := monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, closedPages)
	assert.Equal(t, 1, browser.closed)
	require.Len(t, report.IncidentIDs, 1)

	created, err := mem.GetIncident(context.Background(), report.IncidentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.SeverityHigh, created.Severity)
	assert.Equal(t, store.CategoryFrontend, created.Category)
	assert.Equal(t, "TypeError: x is undefined", created.ErrorMessage)
	assert.Equal(t, "http://console/dashboard", created.ContextString("page_url"))

	screenshotPath := created.ContextString("screenshot_path")
	require.NotEmpty(t, screenshotPath)
	payload, _, err := screenshots.LoadObject(context.Background(), screenshotPath)
	require.NoError(t, err)
	assert.Equal(t, "png", string(payload))
}

func TestBrowserMonitorNavigationFailureIsAnError(t *testing.T) {
	closedPages := 0
	browser := &fakeBrowser{pages: []*fakePage{{navErr: errors.New("net::ERR_CONNECTION_REFUSED"), closed: &closedPages}}}

	mem := store.NewMemory()
	monitor := NewBrowserMonitor([]config.PageTarget{{Name: "Home", URL: "http://console/"}},
		&fakeLauncher{browser: browser}, nil, newDeps(mem))

	report, err := monitor.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, store.CheckError, report.Checks[0].Status)
	assert.Equal(t, 1, closedPages)

	created, err := mem.GetIncident(context.Background(), report.IncidentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.SeverityMedium, created.Severity)
	assert.Contains(t, created.ErrorMessage, "Navigation failed")
}

func TestBrowserMonitorLaunchFailureOpensMonitoringIncident(t *testing.T) {
	mem := store.NewMemory()
	monitor := NewBrowserMonitor(nil, &fakeLauncher{err: errors.New("chrome not found")}, nil, newDeps(mem))

	report, err := monitor.Run(context.Background())
	require.Error(t, err)
	require.Len(t, report.IncidentIDs, 1)

	created, err := mem.GetIncident(context.Background(), report.IncidentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "monitoring_failure", created.ErrorType)
	assert.Equal(t, store.CategoryInfrastructure, created.Category)
}

func seedChecks(t *testing.T, mem *store.Memory, count int, at time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, mem.RecordCheck(context.Background(), store.CheckResult{
			CheckID:   store.NewCheckID("health", "seed", at),
			CheckType: store.CheckHealth,
			Target:    "seed",
			Status:    store.CheckHealthy,
			CheckedAt: at,
		}))
	}
}

func newScanner(mem *store.Memory, now time.Time) *SecurityScanner {
	scanner := NewSecurityScanner(config.DefaultSecurityRules(), mem, newDeps(mem))
	scanner.now = func() time.Time { return now }
	return scanner
}

func eventTypes(results []DetectorResult) []string {
	out := make([]string, 0)
	for _, result := range results {
		if result.Event != nil {
			out = append(out, result.Event.EventType)
		}
	}
	return out
}

func TestRateLimitDetectorThreshold(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mem := store.NewMemory()
	seedChecks(t, mem, 101, now.Add(-30*time.Second))
	results := newScanner(mem, now).Scan(context.Background())
	assert.Contains(t, eventTypes(results), EventRateLimitAnomaly)

	mem = store.NewMemory()
	seedChecks(t, mem, 100, now.Add(-30*time.Second))
	results = newScanner(mem, now).Scan(context.Background())
	assert.NotContains(t, eventTypes(results), EventRateLimitAnomaly)
	events, err := mem.ListSecurityEvents(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRapidCallDetectorUsesFiveMinuteWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mem := store.NewMemory()
	seedChecks(t, mem, 101, now.Add(-3*time.Minute))
	results := newScanner(mem, now).Scan(context.Background())
	types := eventTypes(results)
	assert.Contains(t, types, EventRapidAPICalls)
	assert.NotContains(t, types, EventRateLimitAnomaly)
	for _, result := range results {
		if result.Event != nil && result.Event.EventType == EventRapidAPICalls {
			assert.Equal(t, store.SeverityCritical, result.Event.Severity)
			assert.Equal(t, "rapid_api", result.Detector)
		}
	}

	mem = store.NewMemory()
	seedChecks(t, mem, 100, now.Add(-3*time.Minute))
	assert.Empty(t, eventTypes(newScanner(mem, now).Scan(context.Background())))
	events, err := mem.ListSecurityEvents(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSecurityRunRecordsScanCheck(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	seedChecks(t, mem, 101, now.Add(-3*time.Minute))

	report, err := newScanner(mem, now).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)

	checks, err := mem.ListChecks(context.Background(), store.CheckFilter{Type: store.CheckSecurity})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, store.CheckWarning, checks[0].Status)
	assert.Equal(t, 1, checks[0].ErrorsFound)
	assert.Equal(t, "security_scan", checks[0].Target)
}

func TestUnusualAccessOnlyDuringOffHours(t *testing.T) {
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	seedChecks(t, mem, 11, night.Add(-time.Minute))
	assert.Contains(t, eventTypes(newScanner(mem, night).Scan(context.Background())), EventUnusualAccessPattern)

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	mem = store.NewMemory()
	seedChecks(t, mem, 11, noon.Add(-time.Minute))
	assert.NotContains(t, eventTypes(newScanner(mem, noon).Scan(context.Background())), EventUnusualAccessPattern)
}

func TestFailedLoginDetectorOpensHighIncident(t *testing.T) {
	now := time.Now().UTC()
	mem := store.NewMemory()
	for i := 0; i < 5; i++ {
		_, err := mem.CreateIncident(context.Background(), store.Incident{
			IncidentID:   store.NewIncidentID(now),
			Title:        "unauthorized",
			ErrorMessage: "401 unauthorized",
			Severity:     store.SeverityHigh,
			Category:     store.CategorySecurity,
			DetectedAt:   now.Add(-10 * time.Minute),
		})
		require.NoError(t, err)
	}

	report, err := newScanner(mem, now).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.IncidentIDs, 1)

	created, err := mem.GetIncident(context.Background(), report.IncidentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.SeverityHigh, created.Severity)
	assert.Equal(t, "security_alert", created.ErrorType)

	events, err := mem.ListSecurityEvents(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventFailedLoginAttempts, events[0].EventType)
	assert.Equal(t, created.IncidentID, events[0].RelatedIncidentID)
}

type brokenCounts struct {
	*store.Memory
}

func (brokenCounts) CountChecks(context.Context, time.Time) (int, error) {
	return 0, errors.New("count unavailable")
}

func TestSecurityDetectorFailuresAreIsolated(t *testing.T) {
	now := time.Now().UTC()
	mem := store.NewMemory()
	for i := 0; i < 6; i++ {
		_, err := mem.CreateIncident(context.Background(), store.Incident{
			IncidentID: store.NewIncidentID(now), Title: "forbidden", ErrorMessage: "forbidden",
			Severity: store.SeverityHigh, Category: store.CategorySecurity, DetectedAt: now.Add(-time.Minute),
		})
		require.NoError(t, err)
	}

	scanner := NewSecurityScanner(config.DefaultSecurityRules(), brokenCounts{mem}, newDeps(mem))
	scanner.now = func() time.Time { return now }
	report, err := scanner.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Failures, 2)
	assert.Len(t, report.IncidentIDs, 1)
}
