package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/settings"
	"watchtower/services/agent/internal/store"
)

const (
	knowledgeMatches   = 5
	similarIncidents   = 5
	recentCheckWindow  = 10 * time.Minute
	recentCheckBuckets = 20
)

type Searcher interface {
	Search(ctx context.Context, incident store.Incident, limit int) ([]knowledge.Match, error)
}

// Advisor builds retrieval context for an incident and asks the active provider for a fix plan.
type Advisor struct {
	settings  *settings.Settings
	providers map[string]Provider
	knowledge Searcher
	incidents store.IncidentStore
	checks    store.CheckStore
	logger    *slog.Logger
	now       func() time.Time
}

func NewAdvisor(
	liveSettings *settings.Settings,
	searcher Searcher,
	incidents store.IncidentStore,
	checks store.CheckStore,
	logger *slog.Logger,
	providers ...Provider,
) *Advisor {
	registry := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		registry[provider.Name()] = provider
	}
	return &Advisor{
		settings:  liveSettings,
		providers: registry,
		knowledge: searcher,
		incidents: incidents,
		checks:    checks,
		logger:    logging.OrDefault(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GenerateFix reads the active provider and its model config on every call.
func (a *Advisor) GenerateFix(ctx context.Context, incident store.Incident) (FixPlan, error) {
	providerName, err := a.settings.ActiveProvider(ctx)
	if err != nil {
		return FixPlan{}, err
	}
	provider, ok := a.providers[providerName]
	if !ok {
		return FixPlan{}, fmt.Errorf("unsupported llm provider: %s", providerName)
	}
	config, err := a.settings.ModelConfig(ctx, providerName)
	if err != nil {
		return FixPlan{}, err
	}

	promptContext := a.buildContext(ctx, incident)
	a.logger.Info("requesting fix plan", "incident_id", incident.IncidentID, "provider", providerName, "model", config.Model)

	answer, err := provider.Generate(ctx, buildSystemPrompt(promptContext), buildUserPrompt(incident), config)
	if err != nil {
		return FixPlan{}, err
	}

	plan, parsed := ParsePlan(answer)
	if !parsed {
		a.logger.Warn("fix plan response was not structured", "incident_id", incident.IncidentID, "provider", providerName)
	}
	plan.Provider = providerName
	return plan, nil
}

// TestProvider sends a trivial prompt through the named provider.
func (a *Advisor) TestProvider(ctx context.Context, providerName string) (string, error) {
	provider, ok := a.providers[providerName]
	if !ok {
		return "", fmt.Errorf("unsupported llm provider: %s", providerName)
	}
	config, err := a.settings.ModelConfig(ctx, providerName)
	if err != nil {
		return "", err
	}
	config.MaxTokens = 50
	return provider.Generate(ctx, "You are a connectivity check.", "Respond with exactly: OK", config)
}

// buildContext gathers retrieval context. Lookup failures degrade to empty sections.
func (a *Advisor) buildContext(ctx context.Context, incident store.Incident) PromptContext {
	promptContext := PromptContext{GeneratedAt: a.now()}

	if a.knowledge != nil {
		matches, err := a.knowledge.Search(ctx, incident, knowledgeMatches)
		if err != nil {
			a.logger.Warn("knowledge search failed", "incident_id", incident.IncidentID, "err", err)
		}
		promptContext.Matches = matches
	}

	if a.incidents != nil && incident.ErrorType != "" {
		similar, err := a.incidents.ListIncidents(ctx, store.IncidentFilter{
			Status:    store.StatusResolved,
			ErrorType: incident.ErrorType,
			Limit:     similarIncidents,
		})
		if err != nil {
			a.logger.Warn("similar incident lookup failed", "incident_id", incident.IncidentID, "err", err)
		}
		promptContext.SimilarIncidents = similar
	}

	if a.checks != nil {
		checks, err := a.checks.ListChecks(ctx, store.CheckFilter{Since: promptContext.GeneratedAt.Add(-recentCheckWindow)})
		if err != nil {
			a.logger.Warn("recent check lookup failed", "incident_id", incident.IncidentID, "err", err)
		}
		promptContext.RecentChecks = summarizeChecks(checks)
	}
	return promptContext
}

func summarizeChecks(checks []store.CheckResult) []CheckSummary {
	buckets := map[[3]string]int{}
	for _, check := range checks {
		buckets[[3]string{string(check.CheckType), check.Target, string(check.Status)}]++
	}

	summaries := make([]CheckSummary, 0, len(buckets))
	for key, count := range buckets {
		summaries = append(summaries, CheckSummary{CheckType: key[0], Target: key[1], Status: key[2], Count: count})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Count == summaries[j].Count {
			return summaries[i].Target < summaries[j].Target
		}
		return summaries[i].Count > summaries[j].Count
	})
	if len(summaries) > recentCheckBuckets {
		summaries = summaries[:recentCheckBuckets]
	}
	return summaries
}
