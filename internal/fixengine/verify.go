package fixengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"watchtower/services/agent/internal/monitor"
	"watchtower/services/agent/internal/store"
)

const verificationTimeout = 5 * time.Second

type Verification struct {
	Success     bool   `json:"success"`
	Method      string `json:"method"`
	Status      int    `json:"status,omitempty"`
	Recurrences int    `json:"recurrences,omitempty"`
	Errors      int    `json:"errors,omitempty"`
	Error       string `json:"error,omitempty"`
	Note        string `json:"note,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, incident store.Incident) (Verification, error)
}

// PageProber re-checks a single page without recording results.
type PageProber interface {
	ProbePage(ctx context.Context, url string) (monitor.PageProbe, error)
}

// CategoryVerifier picks a verification method from the incident category.
type CategoryVerifier struct {
	incidents store.IncidentStore
	prober    PageProber
	client    *http.Client
	baseURL   string
}

// NewCategoryVerifier resolves relative backend endpoints against baseURL. prober may be nil.
func NewCategoryVerifier(incidents store.IncidentStore, prober PageProber, baseURL string) *CategoryVerifier {
	return &CategoryVerifier{
		incidents: incidents,
		prober:    prober,
		client:    &http.Client{Timeout: verificationTimeout},
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

func (v *CategoryVerifier) Verify(ctx context.Context, incident store.Incident) (Verification, error) {
	if incident.Category == store.CategoryFrontend {
		if pageURL := incident.ContextString("page_url"); pageURL != "" {
			return v.verifyPage(ctx, pageURL)
		}
	}
	if incident.Category == store.CategoryBackend {
		endpoint := incident.Endpoint
		if endpoint == "" {
			endpoint = incident.ContextString("endpoint")
		}
		if endpoint != "" {
			return v.verifyEndpoint(ctx, endpoint), nil
		}
	}
	return v.verifyNoRecurrence(ctx, incident)
}

func (v *CategoryVerifier) verifyPage(ctx context.Context, pageURL string) (Verification, error) {
	if v.prober == nil {
		return Verification{
			Success: true,
			Method:  "browser_check_scheduled",
			Note:    "Full verification will occur on next monitoring cycle",
		}, nil
	}

	probe, err := v.prober.ProbePage(ctx, pageURL)
	if err != nil {
		return Verification{Success: false, Method: "browser_check", Error: err.Error()}, nil
	}
	verification := Verification{
		Success: len(probe.Errors) == 0 && probe.NavigationError == "",
		Method:  "browser_check",
		Errors:  len(probe.Errors),
	}
	if probe.NavigationError != "" {
		verification.Error = probe.NavigationError
	}
	return verification, nil
}

func (v *CategoryVerifier) verifyEndpoint(ctx context.Context, endpoint string) Verification {
	target := v.resolveEndpoint(endpoint)
	requestCtx, cancel := context.WithTimeout(ctx, verificationTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, nil)
	if err != nil {
		return Verification{Success: false, Method: "http_request", Error: err.Error()}
	}
	response, err := v.client.Do(request)
	if err != nil {
		return Verification{Success: false, Method: "http_request", Error: err.Error()}
	}
	defer response.Body.Close()

	return Verification{
		Success: response.StatusCode >= 200 && response.StatusCode < 300,
		Method:  "http_request",
		Status:  response.StatusCode,
	}
}

func (v *CategoryVerifier) resolveEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.IsAbs() {
		return endpoint
	}
	if v.baseURL == "" {
		return endpoint
	}
	return v.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func (v *CategoryVerifier) verifyNoRecurrence(ctx context.Context, incident store.Incident) (Verification, error) {
	count, err := v.incidents.CountRecurrences(ctx, incident.ErrorMessage, incident.DetectedAt, incident.IncidentID)
	if err != nil {
		return Verification{}, fmt.Errorf("count recurrences: %w", err)
	}
	return Verification{
		Success:     count == 0,
		Method:      "recurrence_check",
		Recurrences: count,
	}, nil
}
