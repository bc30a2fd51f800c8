package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"watchtower/services/agent/internal/store"
)

// WebhookNotifier posts newly detected incidents at or above a minimum severity,
// at most once per title within the cooldown.
type WebhookNotifier struct {
	webhookURL  string
	authHeader  string
	minSeverity store.Severity
	cooldown    time.Duration
	client      *http.Client
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewWebhookNotifier(webhookURL, authHeader, minSeverity string, cooldownMinutes int) *WebhookNotifier {
	severity, ok := store.ParseSeverity(minSeverity)
	if !ok {
		severity = store.SeverityHigh
	}
	if cooldownMinutes < 0 {
		cooldownMinutes = 0
	}

	return &WebhookNotifier{
		webhookURL:  strings.TrimSpace(webhookURL),
		authHeader:  strings.TrimSpace(authHeader),
		minSeverity: severity,
		cooldown:    time.Duration(cooldownMinutes) * time.Minute,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[string]time.Time),
	}
}

func (n *WebhookNotifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

func (n *WebhookNotifier) Publish(ctx context.Context, event Event) error {
	if !n.Enabled() || event.Type != EventIncidentDetected {
		return nil
	}
	if event.Severity.Rank() < n.minSeverity.Rank() {
		return nil
	}

	key := event.Title
	if key == "" {
		key = event.IncidentID
	}
	now := n.now()
	if !n.claim(key, now) {
		return nil
	}

	payload := map[string]any{
		"event":       "incident_detected",
		"sentAt":      now.Format(time.RFC3339),
		"incident_id": event.IncidentID,
		"title":       event.Title,
		"severity":    event.Severity,
		"data":        event.Data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.release(key)
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.release(key)
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if n.authHeader != "" {
		request.Header.Set("Authorization", n.authHeader)
	}

	response, err := n.client.Do(request)
	if err != nil {
		n.release(key)
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		n.release(key)
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}
	return nil
}

func (n *WebhookNotifier) claim(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if last, ok := n.lastSent[key]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *WebhookNotifier) release(key string) {
	n.mu.Lock()
	delete(n.lastSent, key)
	n.mu.Unlock()
}
