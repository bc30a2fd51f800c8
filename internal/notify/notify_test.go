package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"watchtower/services/agent/internal/store"
)

func TestRedisStreamPublisherAppendsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("new redis client failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	publisher := NewRedisStreamPublisher(client, "agent-events")
	event := NewEvent(EventIncidentDetected, "INC-TEST-0001", map[string]any{"severity": "HIGH"})
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	rows, err := client.XRange(ctx, "agent-events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 stream row, got %d", len(rows))
	}
	if rows[0].Values["type"] != "incident_detected" {
		t.Fatalf("expected incident_detected type, got %v", rows[0].Values["type"])
	}
	payload, _ := rows[0].Values["payload"].(string)
	if !strings.Contains(payload, `"incident_id":"INC-TEST-0001"`) {
		t.Fatalf("expected payload to include incident id, got %s", payload)
	}
}

func TestRedisStreamPublisherRejectsWrongKeyType(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	seed := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = seed.Close()
	})
	if err := seed.Set(ctx, "agent-events", "not-a-stream", 0).Err(); err != nil {
		t.Fatalf("seed set failed: %v", err)
	}

	publisher := NewRedisStreamPublisher(seed, "agent-events")
	if err := publisher.Publish(ctx, NewEvent(EventFixAttempt, "INC-1", nil)); err == nil {
		t.Fatalf("expected error for string key")
	}
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.events = append(p.events, event)
	return p.err
}

func TestFanoutDeliversToEveryPublisher(t *testing.T) {
	first := &recordingPublisher{err: errors.New("down")}
	second := &recordingPublisher{}
	fanout := NewFanout(first, nil, second)

	err := fanout.Publish(context.Background(), NewEvent(EventFixComplete, "INC-1", nil))
	if err == nil {
		t.Fatalf("expected joined error from first publisher")
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected both publishers to receive the event, got %d and %d", len(first.events), len(second.events))
	}
}

func TestWebhookNotifierHonoursSeverityAndCooldown(t *testing.T) {
	var calls atomic.Int32
	var lastBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer hook" {
			t.Errorf("expected auth header, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&lastBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "Bearer hook", "HIGH", 15)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	notifier.now = func() time.Time { return now }
	ctx := context.Background()

	low := Event{Type: EventIncidentDetected, IncidentID: "INC-1", Severity: store.SeverityMedium, Title: "slow query"}
	if err := notifier.Publish(ctx, low); err != nil {
		t.Fatalf("publish medium failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected medium incident to be filtered")
	}

	critical := Event{Type: EventIncidentDetected, IncidentID: "INC-2", Severity: store.SeverityCritical, Title: "Health check failed: Backend"}
	if err := notifier.Publish(ctx, critical); err != nil {
		t.Fatalf("publish critical failed: %v", err)
	}
	if err := notifier.Publish(ctx, critical); err != nil {
		t.Fatalf("publish repeat failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cooldown to suppress repeat, got %d calls", calls.Load())
	}
	if lastBody["incident_id"] != "INC-2" {
		t.Fatalf("expected webhook body for INC-2, got %v", lastBody["incident_id"])
	}

	now = now.Add(16 * time.Minute)
	if err := notifier.Publish(ctx, critical); err != nil {
		t.Fatalf("publish after cooldown failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected second delivery after cooldown, got %d calls", calls.Load())
	}

	if err := notifier.Publish(ctx, Event{Type: EventFixComplete, Severity: store.SeverityCritical}); err != nil {
		t.Fatalf("publish non-incident failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected non-incident events to be ignored")
	}
}

func TestHubSendsInitialStatsAndFiltersCheckResults(t *testing.T) {
	hub := NewHub(func(context.Context) (map[string]any, error) {
		return map[string]any{"total_checks": 3}, nil
	}, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial Event
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial stats failed: %v", err)
	}
	if initial.Type != EventInitialStats {
		t.Fatalf("expected initial_stats, got %s", initial.Type)
	}

	waitForClients(t, hub, 1)

	_ = hub.Publish(context.Background(), NewEvent(EventCheckResult, "", map[string]any{"target": "api"}))
	_ = hub.Publish(context.Background(), NewEvent(EventIncidentDetected, "INC-9", nil))

	var next Event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read event failed: %v", err)
	}
	if next.Type != EventIncidentDetected {
		t.Fatalf("expected unsubscribed client to skip check_result, got %s", next.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": ChannelMonitoring}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subscribedClients(hub) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), NewEvent(EventCheckResult, "", map[string]any{"target": "api"}))
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read check result failed: %v", err)
	}
	if next.Type != EventCheckResult {
		t.Fatalf("expected check_result after subscribe, got %s", next.Type)
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, got %d", want, hub.ClientCount())
}

func subscribedClients(hub *Hub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	count := 0
	for client := range hub.clients {
		if client.subscribed(ChannelMonitoring) {
			count++
		}
	}
	return count
}
