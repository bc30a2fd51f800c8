package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/store"
)

func newTestBase() (*Base, *store.Memory) {
	memory := store.NewMemory()
	return NewBase(memory, audit.NewRecorder(memory, nil), nil), memory
}

func TestRecordFixIncrementsSuccessCount(t *testing.T) {
	base, memory := newTestBase()
	ctx := context.Background()
	incident := store.Incident{
		IncidentID:   "INC-1",
		ErrorMessage: "Redis connection failed: ECONNREFUSED",
		ErrorType:    "ConnectionError",
		Category:     store.CategoryInfrastructure,
		Severity:     store.SeverityHigh,
	}

	first, err := base.RecordFix(ctx, incident, Fix{Solution: "restart redis", Confidence: "HIGH"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.SuccessCount)

	second, err := base.RecordFix(ctx, incident, Fix{Solution: "restart redis again", Confidence: "MEDIUM"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.SuccessCount)
	assert.Equal(t, "restart redis again", second.Solution)

	actions, err := memory.ListActions(ctx, store.ActionFilter{IncidentID: "INC-1"})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, first.ID, actions[0].KnowledgeID)
}

func TestSearchRanksExactMatchFirst(t *testing.T) {
	base, _ := newTestBase()
	ctx := context.Background()
	incident := store.Incident{
		IncidentID:   "INC-2",
		ErrorMessage: "TypeError: cannot read property 'map' of undefined",
		ErrorType:    "TypeError",
		Category:     store.CategoryFrontend,
	}

	_, err := base.RecordFix(ctx, incident, Fix{Solution: "guard undefined list", Confidence: "HIGH"})
	require.NoError(t, err)
	_, err = base.RecordFix(ctx, store.Incident{
		IncidentID:   "INC-3",
		ErrorMessage: "TypeError: cannot read property 'length' of null",
		ErrorType:    "TypeError",
		Category:     store.CategoryFrontend,
	}, Fix{Solution: "null check", Confidence: "MEDIUM"})
	require.NoError(t, err)
	_, err = base.RecordFix(ctx, store.Incident{
		IncidentID:   "INC-4",
		ErrorMessage: "slow query on orders",
		ErrorType:    "QueryWarning",
		Category:     store.CategoryDatabase,
	}, Fix{Solution: "add index", Confidence: "LOW"})
	require.NoError(t, err)

	matches, err := base.Search(ctx, incident, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, "guard undefined list", matches[0].Entry.Solution)
	assert.Equal(t, "null check", matches[1].Entry.Solution)
}

func TestIngestMarkdownSplitsSections(t *testing.T) {
	base, memory := newTestBase()
	ctx := context.Background()
	content := "# Runbook\nintro\n## Database Outages\nrestart the pool\n## CORS Errors!\ncheck allowed origins\n"

	count, err := base.IngestMarkdown(ctx, "runbook", content, "application")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = base.IngestMarkdown(ctx, "runbook", "## Database Outages\nfailover first\n", "application")
	require.NoError(t, err)

	entries, err := memory.ListKnowledge(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	bySource := map[string]store.KnowledgeEntry{}
	for _, entry := range entries {
		bySource[entry.SourceURL] = entry
	}
	assert.Equal(t, "failover first\n", bySource["runbook#database-outages"].Solution)
	assert.Equal(t, "CORS Errors!", bySource["runbook#cors-errors-"].Title)
}

func TestIngestDocumentRequiresSource(t *testing.T) {
	base, _ := newTestBase()
	_, err := base.IngestDocument(context.Background(), Document{Title: "x"})
	assert.Error(t, err)

	entry, err := base.IngestDocument(context.Background(), Document{SourceURL: "https://docs.example.com/a", Title: "A", Content: "body", Category: "frontend"})
	require.NoError(t, err)
	assert.Equal(t, "Documentation: A", entry.ErrorPattern)

	stats, err := base.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "frontend", stats[0].Category)
}
