package notify

import (
	"context"
	"errors"
	"time"

	"watchtower/services/agent/internal/store"
)

type EventType string

const (
	EventIncidentDetected EventType = "incident_detected"
	EventFixAttempt       EventType = "fix_attempt"
	EventFixComplete      EventType = "fix_complete"
	EventCheckResult      EventType = "check_result"
	EventStatsUpdate      EventType = "stats_update"
	EventInitialStats     EventType = "initial_stats"
)

type Event struct {
	Type       EventType      `json:"type"`
	IncidentID string         `json:"incident_id,omitempty"`
	Severity   store.Severity `json:"severity,omitempty"`
	Title      string         `json:"title,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(eventType EventType, incidentID string, data map[string]any) Event {
	return Event{
		Type:       eventType,
		IncidentID: incidentID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}

// Fanout delivers every event to each publisher and joins their errors.
type Fanout struct {
	publishers []Publisher
}

func NewFanout(publishers ...Publisher) *Fanout {
	out := make([]Publisher, 0, len(publishers))
	for _, publisher := range publishers {
		if publisher != nil {
			out = append(out, publisher)
		}
	}
	return &Fanout{publishers: out}
}

func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range f.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
