package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HealthTarget struct {
	Name           string        `yaml:"name" json:"name"`
	URL            string        `yaml:"url" json:"url"`
	Application    string        `yaml:"application" json:"application"`
	ExpectedStatus int           `yaml:"expectedStatus" json:"expected_status"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

type PageTarget struct {
	Name        string `yaml:"name" json:"name"`
	URL         string `yaml:"url" json:"url"`
	Application string `yaml:"application" json:"application"`
	Critical    bool   `yaml:"critical" json:"critical"`
}

// SecurityRules holds the anomaly thresholds. Off-hours is the half-open hour range [OffHoursStart, OffHoursEnd).
type SecurityRules struct {
	RateLimitPerMinute     int    `yaml:"rateLimitPerMinute" json:"rate_limit_per_minute"`
	FailedLoginThreshold   int    `yaml:"failedLoginThreshold" json:"failed_login_threshold"`
	OffHoursStart          int    `yaml:"offHoursStart" json:"off_hours_start"`
	OffHoursEnd            int    `yaml:"offHoursEnd" json:"off_hours_end"`
	UnusualAccessThreshold int    `yaml:"unusualAccessThreshold" json:"unusual_access_threshold"`
	RapidCallThreshold     int    `yaml:"rapidCallThreshold" json:"rapid_call_threshold"`
	Timezone               string `yaml:"timezone" json:"timezone"`
	Application            string `yaml:"application" json:"application"`
}

type Monitors struct {
	Health   []HealthTarget `yaml:"health"`
	Pages    []PageTarget   `yaml:"pages"`
	Security SecurityRules  `yaml:"security"`
}

func DefaultSecurityRules() SecurityRules {
	return SecurityRules{
		RateLimitPerMinute:     100,
		FailedLoginThreshold:   5,
		OffHoursStart:          0,
		OffHoursEnd:            6,
		UnusualAccessThreshold: 10,
		RapidCallThreshold:     100,
		Application:            "admin-console-backend",
	}
}

// DefaultMonitors derives targets from the backend and admin console base URLs.
func DefaultMonitors(backendURL, consoleURL string) Monitors {
	backendURL = strings.TrimRight(strings.TrimSpace(backendURL), "/")
	consoleURL = strings.TrimRight(strings.TrimSpace(consoleURL), "/")

	return Monitors{
		Health: []HealthTarget{
			{Name: "Backend API", URL: backendURL + "/health", Application: "admin-console-backend", ExpectedStatus: 200, Timeout: 5 * time.Second},
			{Name: "Database", URL: backendURL + "/health/db", Application: "admin-console-backend", ExpectedStatus: 200, Timeout: 5 * time.Second},
			{Name: "Frontend", URL: consoleURL + "/", Application: "admin-console-frontend", ExpectedStatus: 200, Timeout: 5 * time.Second},
		},
		Pages: []PageTarget{
			{Name: "Home", URL: consoleURL + "/", Application: "admin-console-frontend", Critical: true},
			{Name: "Dashboard", URL: consoleURL + "/dashboard", Application: "admin-console-frontend", Critical: true},
		},
		Security: DefaultSecurityRules(),
	}
}

// LoadMonitors reads the YAML monitor file at path, falling back to defaults when path is empty.
func LoadMonitors(path, backendURL, consoleURL string) (Monitors, error) {
	defaults := DefaultMonitors(backendURL, consoleURL)
	if strings.TrimSpace(path) == "" {
		return defaults, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Monitors{}, fmt.Errorf("read monitors file: %w", err)
	}

	monitors := Monitors{Security: defaults.Security}
	if err := yaml.Unmarshal(raw, &monitors); err != nil {
		return Monitors{}, fmt.Errorf("parse monitors file: %w", err)
	}

	if len(monitors.Health) == 0 {
		monitors.Health = defaults.Health
	}
	if len(monitors.Pages) == 0 {
		monitors.Pages = defaults.Pages
	}
	monitors.normalize()
	if err := monitors.validate(); err != nil {
		return Monitors{}, err
	}
	return monitors, nil
}

func (m *Monitors) normalize() {
	for i := range m.Health {
		if m.Health[i].ExpectedStatus == 0 {
			m.Health[i].ExpectedStatus = 200
		}
		if m.Health[i].Timeout <= 0 {
			m.Health[i].Timeout = 5 * time.Second
		}
	}

	fallback := DefaultSecurityRules()
	if m.Security.RateLimitPerMinute <= 0 {
		m.Security.RateLimitPerMinute = fallback.RateLimitPerMinute
	}
	if m.Security.FailedLoginThreshold <= 0 {
		m.Security.FailedLoginThreshold = fallback.FailedLoginThreshold
	}
	if m.Security.UnusualAccessThreshold <= 0 {
		m.Security.UnusualAccessThreshold = fallback.UnusualAccessThreshold
	}
	if m.Security.RapidCallThreshold <= 0 {
		m.Security.RapidCallThreshold = fallback.RapidCallThreshold
	}
	if m.Security.Application == "" {
		m.Security.Application = fallback.Application
	}
}

func (m Monitors) validate() error {
	for _, target := range m.Health {
		if target.Name == "" || target.URL == "" {
			return fmt.Errorf("health target requires name and url")
		}
	}
	for _, page := range m.Pages {
		if page.Name == "" || page.URL == "" {
			return fmt.Errorf("page target requires name and url")
		}
	}
	if m.Security.OffHoursStart < 0 || m.Security.OffHoursEnd > 24 || m.Security.OffHoursStart > m.Security.OffHoursEnd {
		return fmt.Errorf("invalid off-hours window %d-%d", m.Security.OffHoursStart, m.Security.OffHoursEnd)
	}
	if m.Security.Timezone != "" {
		if _, err := time.LoadLocation(m.Security.Timezone); err != nil {
			return fmt.Errorf("invalid security timezone: %w", err)
		}
	}
	return nil
}
