package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/settings"
	"watchtower/services/agent/internal/store"
)

func TestParsePlanDirectJSON(t *testing.T) {
	plan, ok := ParsePlan(`{"solution":"restart","confidence":"high","requires_approval":false,"steps":[{"action":"restart_service","service":"api"}]}`)
	require.True(t, ok)
	assert.Equal(t, ConfidenceHigh, plan.Confidence)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, StepRestartService, plan.Steps[0].Action)
}

func TestParsePlanCodeFenceAndEmbeddedObject(t *testing.T) {
	fenced := "Here is the fix:\n```json\n{\"solution\":\"patch\",\"confidence\":\"MEDIUM\"}\n```\nGood luck."
	plan, ok := ParsePlan(fenced)
	require.True(t, ok)
	assert.Equal(t, "patch", plan.Solution)
	assert.Equal(t, ConfidenceMedium, plan.Confidence)
	assert.NotNil(t, plan.Steps)

	embedded := `I think {"solution":"index","confidence":"sure"} works`
	plan, ok = ParsePlan(embedded)
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, plan.Confidence)
}

func TestParsePlanFallsBackToManualReview(t *testing.T) {
	plan, ok := ParsePlan("I could not determine a fix.")
	assert.False(t, ok)
	assert.Equal(t, ConfidenceLow, plan.Confidence)
	assert.True(t, plan.RequiresApproval)
	assert.Empty(t, plan.Steps)
	assert.Equal(t, "I could not determine a fix.", plan.Solution)
}

type scriptedProvider struct {
	name       string
	answer     string
	err        error
	lastSystem string
	lastUser   string
	lastConfig settings.ModelConfig
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(_ context.Context, systemPrompt, userPrompt string, config settings.ModelConfig) (string, error) {
	p.lastSystem = systemPrompt
	p.lastUser = userPrompt
	p.lastConfig = config
	return p.answer, p.err
}

func TestAdvisorUsesLiveProviderSelection(t *testing.T) {
	memory := store.NewMemory()
	live := settings.New(settings.NewStoreKV(memory))
	base := knowledge.NewBase(memory, audit.NewRecorder(memory, nil), nil)
	claude := &scriptedProvider{name: settings.ProviderClaude, answer: `{"solution":"from claude","confidence":"HIGH"}`}
	openai := &scriptedProvider{name: settings.ProviderOpenAI, answer: `{"solution":"from openai","confidence":"HIGH"}`}
	advisor := NewAdvisor(live, base, memory, memory, nil, claude, openai)
	ctx := context.Background()

	incident := store.Incident{
		IncidentID:   "INC-1",
		Title:        "Payment failed",
		ErrorMessage: "payment processing failed",
		ErrorType:    "PaymentError",
		Severity:     store.SeverityHigh,
		StackTrace:   "at charge()",
	}
	_, err := base.RecordFix(ctx, incident, knowledge.Fix{Solution: "rotate gateway key", Confidence: "HIGH"})
	require.NoError(t, err)

	plan, err := advisor.GenerateFix(ctx, incident)
	require.NoError(t, err)
	assert.Equal(t, "from claude", plan.Solution)
	assert.Equal(t, settings.ProviderClaude, plan.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", claude.lastConfig.Model)
	assert.True(t, strings.Contains(claude.lastSystem, "rotate gateway key"))
	assert.True(t, strings.Contains(claude.lastUser, "Stack Trace:\nat charge()"))

	require.NoError(t, live.SetActiveProvider(ctx, settings.ProviderOpenAI))
	plan, err = advisor.GenerateFix(ctx, incident)
	require.NoError(t, err)
	assert.Equal(t, "from openai", plan.Solution)
	assert.Equal(t, 4096, openai.lastConfig.MaxTokens)
}

func TestAdvisorSurfacesProviderErrors(t *testing.T) {
	memory := store.NewMemory()
	live := settings.New(settings.NewStoreKV(memory))
	failing := &scriptedProvider{name: settings.ProviderClaude, err: errors.New("overloaded")}
	advisor := NewAdvisor(live, nil, memory, memory, nil, failing)

	_, err := advisor.GenerateFix(context.Background(), store.Incident{IncidentID: "INC-1"})
	assert.Error(t, err)
}

func TestUnconfiguredProvidersReportSentinel(t *testing.T) {
	_, err := NewClaudeProvider("").Generate(context.Background(), "s", "u", settings.ModelConfig{})
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))

	_, err = NewOpenAIProvider(" ").Generate(context.Background(), "s", "u", settings.ModelConfig{})
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))
}

func TestSummarizeChecksGroupsBuckets(t *testing.T) {
	checks := []store.CheckResult{
		{CheckType: store.CheckHealth, Target: "api", Status: store.CheckHealthy},
		{CheckType: store.CheckHealth, Target: "api", Status: store.CheckHealthy},
		{CheckType: store.CheckHealth, Target: "db", Status: store.CheckError},
	}
	summaries := summarizeChecks(checks)
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries[0].Count)
	assert.Equal(t, "api", summaries[0].Target)
}
