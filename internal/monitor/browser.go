package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/store"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultSettleWindow      = 5 * time.Second
)

// Launcher starts a browser for one cycle.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

type Browser interface {
	// NewPage opens a page in its own isolated browsing context with listeners installed.
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Console returns the errors (console errors and uncaught exceptions) and warnings seen so far.
	Console() (errs []string, warnings []string)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// PageProbe is the outcome of loading one page.
type PageProbe struct {
	URL             string        `json:"url"`
	Errors          []string      `json:"errors"`
	Warnings        []string      `json:"warnings"`
	NavigationError string        `json:"navigation_error,omitempty"`
	LoadTime        time.Duration `json:"load_time"`
	Screenshot      []byte        `json:"-"`
}

func (p PageProbe) failed() bool {
	return p.NavigationError != "" || len(p.Errors) > 0
}

// allErrors lists the navigation error first, followed by console errors.
func (p PageProbe) allErrors() []string {
	out := make([]string, 0, len(p.Errors)+1)
	if p.NavigationError != "" {
		out = append(out, "Navigation failed: "+p.NavigationError)
	}
	return append(out, p.Errors...)
}

type BrowserMonitor struct {
	pages             []config.PageTarget
	launcher          Launcher
	screenshots       artifacts.Store
	deps              Deps
	navigationTimeout time.Duration
	settle            time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
	now               func() time.Time
}

func NewBrowserMonitor(pages []config.PageTarget, launcher Launcher, screenshots artifacts.Store, deps Deps) *BrowserMonitor {
	if screenshots == nil {
		screenshots = artifacts.NewNoopStore()
	}
	return &BrowserMonitor{
		pages:             pages,
		launcher:          launcher,
		screenshots:       screenshots,
		deps:              deps.normalized(),
		navigationTimeout: defaultNavigationTimeout,
		settle:            defaultSettleWindow,
		sleep:             sleepContext,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *BrowserMonitor) Name() string { return "browser" }

func (m *BrowserMonitor) Run(ctx context.Context) (CycleReport, error) {
	report := newReport(m.Name(), m.now())

	browser, err := m.launcher.Launch(ctx)
	if err != nil {
		report.Failures++
		if incidentID := m.openMonitoringFailure(ctx, err); incidentID != "" {
			report.IncidentIDs = append(report.IncidentIDs, incidentID)
		}
		finishCycle(ctx, m.deps, audit.AgentMonitor, "browser_check_completed", &report, m.now())
		return report, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			m.deps.Logger.Warn("close browser failed", "err", err)
		}
	}()

	for _, page := range m.pages {
		err := isolate(ctx, m.deps, audit.AgentMonitor, page.Name, func(ctx context.Context) error {
			check, incidentID, err := m.checkPage(ctx, browser, page)
			report.addCheck(check)
			if incidentID != "" {
				report.IncidentIDs = append(report.IncidentIDs, incidentID)
			}
			return err
		})
		if err != nil {
			report.Failures++
		}
	}

	finishCycle(ctx, m.deps, audit.AgentMonitor, "browser_check_completed", &report, m.now())
	return report, nil
}

// ProbePage loads a single page without recording anything. Fix verification uses it.
func (m *BrowserMonitor) ProbePage(ctx context.Context, url string) (PageProbe, error) {
	browser, err := m.launcher.Launch(ctx)
	if err != nil {
		return PageProbe{}, fmt.Errorf("launch browser: %w", err)
	}
	defer browser.Close()
	return m.load(ctx, browser, url, false)
}

func (m *BrowserMonitor) load(ctx context.Context, browser Browser, url string, screenshotOnError bool) (probe PageProbe, err error) {
	page, err := browser.NewPage(ctx)
	if err != nil {
		return PageProbe{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			m.deps.Logger.Warn("close page failed", "url", url, "err", closeErr)
		}
	}()

	probe = PageProbe{URL: url}
	started := m.now()
	if navErr := page.Navigate(ctx, url, m.navigationTimeout); navErr != nil {
		probe.NavigationError = navErr.Error()
	} else if err := m.sleep(ctx, m.settle); err != nil {
		return PageProbe{}, err
	}
	probe.LoadTime = m.now().Sub(started)
	probe.Errors, probe.Warnings = page.Console()
	if probe.Errors == nil {
		probe.Errors = []string{}
	}
	if probe.Warnings == nil {
		probe.Warnings = []string{}
	}

	if screenshotOnError && probe.failed() {
		shot, shotErr := page.Screenshot(ctx)
		if shotErr != nil {
			m.deps.Logger.Warn("capture screenshot failed", "url", url, "err", shotErr)
		} else {
			probe.Screenshot = shot
		}
	}
	return probe, nil
}

func (m *BrowserMonitor) checkPage(ctx context.Context, browser Browser, page config.PageTarget) (store.CheckResult, string, error) {
	started := m.now()
	probe, err := m.load(ctx, browser, page.URL, true)
	if err != nil {
		return store.CheckResult{}, "", err
	}

	errs := probe.allErrors()
	check := store.CheckResult{
		CheckID:        store.NewCheckID("browser", page.Name, started),
		CheckType:      store.CheckBrowser,
		Target:         page.URL,
		Application:    page.Application,
		Status:         store.CheckHealthy,
		ResponseTimeMs: probe.LoadTime.Milliseconds(),
		ErrorsFound:    len(errs),
		CheckedAt:      started,
	}
	switch {
	case len(errs) > 0:
		check.Status = store.CheckError
	case len(probe.Warnings) > 0:
		check.Status = store.CheckWarning
	}
	if len(errs) > 0 || len(probe.Warnings) > 0 {
		check.ErrorDetails = map[string]any{"errors": errs, "warnings": probe.Warnings}
	}

	screenshotPath := ""
	if len(errs) > 0 && len(probe.Screenshot) > 0 {
		key := artifacts.ScreenshotKey(check.CheckID)
		if err := m.screenshots.StoreObject(ctx, key, probe.Screenshot, artifacts.ScreenshotContentType); err != nil {
			if !errors.Is(err, artifacts.ErrNotConfigured) {
				m.deps.Logger.Warn("store screenshot failed", "check_id", check.CheckID, "err", err)
			}
		} else {
			screenshotPath = key
			check.ErrorDetails["screenshot_path"] = key
		}
	}
	recordCheck(ctx, m.deps, check)

	if len(errs) == 0 {
		return check, "", nil
	}

	severity := store.SeverityMedium
	if page.Critical {
		severity = store.SeverityHigh
	}
	created, err := m.deps.Incidents.Open(ctx, incident.Draft{
		Title:        "Browser error on " + page.Name,
		ErrorMessage: errs[0],
		ErrorType:    "browser_console_error",
		Severity:     severity,
		Category:     store.CategoryFrontend,
		Application:  page.Application,
		Context: map[string]any{
			"page_name":       page.Name,
			"page_url":        page.URL,
			"errors":          errs,
			"warnings":        probe.Warnings,
			"screenshot_path": screenshotPath,
			"check_id":        check.CheckID,
		},
		Source: "browser_monitor",
	})
	if err != nil {
		return check, "", fmt.Errorf("open browser incident: %w", err)
	}
	return check, created.IncidentID, nil
}

func (m *BrowserMonitor) openMonitoringFailure(ctx context.Context, cause error) string {
	created, err := m.deps.Incidents.Open(ctx, incident.Draft{
		Title:        "Browser monitoring failed",
		ErrorMessage: "Browser monitoring failed: " + cause.Error(),
		ErrorType:    "monitoring_failure",
		Severity:     store.SeverityHigh,
		Category:     store.CategoryInfrastructure,
		Application:  "autonomous-monitoring-agent",
		Context:      map[string]any{"error": cause.Error()},
		Source:       "browser_monitor",
	})
	if err != nil {
		m.deps.Logger.Error("open monitoring failure incident failed", "err", err)
		return ""
	}
	return created.IncidentID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
