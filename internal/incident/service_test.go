package incident

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/store"
)

var incidentIDPattern = regexp.MustCompile(`^INC-[0-9A-Z]+-[0-9A-Z]{4}$`)

type capturePublisher struct {
	events []notify.Event
}

func (p *capturePublisher) Publish(_ context.Context, event notify.Event) error {
	p.events = append(p.events, event)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Memory, *capturePublisher) {
	t.Helper()
	memory := store.NewMemory()
	publisher := &capturePublisher{}
	return NewService(memory, audit.NewRecorder(memory, nil), publisher, nil), memory, publisher
}

func TestReportClassifiesTypeError(t *testing.T) {
	service, memory, publisher := newTestService(t)
	ctx := context.Background()

	incident, err := service.Report(ctx, Report{
		Error: ReportedError{Message: "TypeError: cannot read property 'x' of undefined"},
	})
	require.NoError(t, err)

	assert.Regexp(t, incidentIDPattern, incident.IncidentID)
	assert.Equal(t, store.SeverityHigh, incident.Severity)
	assert.Equal(t, store.CategoryUnknown, incident.Category)
	assert.Equal(t, store.StatusDetected, incident.Status)

	actions, err := memory.ListActions(ctx, store.ActionFilter{IncidentID: incident.IncidentID})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "incident_detected", actions[0].ActionType)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, notify.EventIncidentDetected, publisher.events[0].Type)
	assert.Equal(t, store.SeverityHigh, publisher.events[0].Severity)
}

func TestReportHonoursExplicitSeverityAndContext(t *testing.T) {
	service, _, _ := newTestService(t)

	incident, err := service.Report(context.Background(), Report{
		Error:    ReportedError{Message: "checkout failed", Type: "PaymentError", Stack: "at pay()"},
		Severity: "critical",
		Context: map[string]any{
			"endpoint":    "/api/checkout",
			"application": "shop-backend",
			"user_email":  "jane@example.com",
			"api_key":     "sk-live-123",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, store.SeverityCritical, incident.Severity)
	assert.Equal(t, store.CategoryBackend, incident.Category)
	assert.Equal(t, "/api/checkout", incident.Endpoint)
	assert.Equal(t, "at pay()", incident.StackTrace)
	assert.Equal(t, "<redacted>", incident.Context["api_key"])
	assert.Equal(t, "<email>", incident.Context["user_email"])
}

func TestReportRejectsInvalidInput(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.Report(context.Background(), Report{})
	assert.True(t, errors.Is(err, ErrInvalidReport))

	_, err = service.Report(context.Background(), Report{Error: ReportedError{Message: "x"}, Severity: "URGENT"})
	assert.True(t, errors.Is(err, ErrInvalidReport))
}

func TestOpenTruncatesLongMessages(t *testing.T) {
	service, _, _ := newTestService(t)

	incident, err := service.Open(context.Background(), Draft{ErrorMessage: strings.Repeat("a", 6000)})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(incident.ErrorMessage, "... [truncated]"))
	assert.Len(t, []rune(incident.Title), 255)
	assert.Equal(t, store.SeverityMedium, incident.Severity)
}

func TestCreateTestIncidentDefaults(t *testing.T) {
	service, _, _ := newTestService(t)

	incident, err := service.CreateTestIncident(context.Background(), TestRequest{})
	require.NoError(t, err)

	assert.Equal(t, "Test error: manual", incident.Title)
	assert.Equal(t, "test_error", incident.ErrorType)
	assert.Equal(t, store.CategoryTest, incident.Category)
	assert.Equal(t, store.SeverityMedium, incident.Severity)
	assert.Equal(t, true, incident.Context["test"])
}
