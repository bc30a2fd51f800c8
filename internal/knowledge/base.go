// Package knowledge stores known error patterns and documentation and retrieves them for fix generation.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/store"
)

const (
	maxDocumentLength = 10_000
	searchCandidates  = 500
	minMatchScore     = 0.15
)

type Match struct {
	Entry store.KnowledgeEntry `json:"entry"`
	Score float64              `json:"score"`
}

// Fix is a verified remediation to remember against an error message.
type Fix struct {
	Solution   string
	Steps      json.RawMessage
	Confidence string
}

type Document struct {
	SourceURL    string         `json:"source_url"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Category     string         `json:"category"`
	SourceType   string         `json:"source_type"`
	ErrorPattern string         `json:"error_pattern"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
}

type Base struct {
	entries  store.KnowledgeStore
	recorder *audit.Recorder
	logger   *slog.Logger
}

func NewBase(entries store.KnowledgeStore, recorder *audit.Recorder, logger *slog.Logger) *Base {
	return &Base{entries: entries, recorder: recorder, logger: logging.OrDefault(logger)}
}

// Search ranks stored entries against an incident, best first.
func (b *Base) Search(ctx context.Context, incident store.Incident, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}
	entries, err := b.entries.ListKnowledge(ctx, searchCandidates)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}

	messageTokens := tokenize(incident.ErrorMessage)
	matches := make([]Match, 0)
	for _, entry := range entries {
		score := scoreEntry(entry, incident, messageTokens)
		if score < minMatchScore {
			continue
		}
		matches = append(matches, Match{Entry: entry, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].Entry.SuccessCount > matches[j].Entry.SuccessCount
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func scoreEntry(entry store.KnowledgeEntry, incident store.Incident, messageTokens map[string]struct{}) float64 {
	if entry.ErrorPattern != "" && entry.ErrorPattern == incident.ErrorMessage {
		return 1
	}

	overlap := jaccard(messageTokens, tokenize(entry.ErrorPattern+" "+entry.Title))
	if overlap == 0 {
		return 0
	}
	score := 0.6 * overlap
	if entry.ErrorType != "" && entry.ErrorType == incident.ErrorType {
		score += 0.2
	}
	if entry.Category != "" && entry.Category == string(incident.Category) {
		score += 0.1
	}
	boost := float64(entry.SuccessCount)
	if boost > 10 {
		boost = 10
	}
	score += 0.1 * boost / 10
	return score
}

// RecordFix remembers a verified fix keyed by the incident's exact error message.
func (b *Base) RecordFix(ctx context.Context, incident store.Incident, fix Fix) (store.KnowledgeEntry, error) {
	entry, err := b.entries.UpsertFixKnowledge(ctx, store.KnowledgeEntry{
		ErrorPattern:    incident.ErrorMessage,
		ErrorType:       incident.ErrorType,
		Category:        string(incident.Category),
		Title:           incident.Title,
		Solution:        fix.Solution,
		FixSteps:        fix.Steps,
		Severity:        string(incident.Severity),
		SourceType:      "auto_fix",
		Tags:            []string{"auto-fix", string(incident.Category)},
		ConfidenceScore: ConfidenceScore(fix.Confidence),
		Context:         map[string]any{"incident_id": incident.IncidentID},
	})
	if err != nil {
		return store.KnowledgeEntry{}, fmt.Errorf("upsert fix knowledge: %w", err)
	}

	action := audit.Succeeded(audit.AgentKnowledge, "knowledge", "knowledge_updated",
		"Recorded verified fix for "+incident.IncidentID,
		map[string]any{"success_count": entry.SuccessCount})
	action.IncidentID = incident.IncidentID
	action.KnowledgeID = entry.ID
	b.recorder.Record(ctx, action)
	return entry, nil
}

// IngestDocument upserts a document keyed by its source URL, replacing any earlier content.
func (b *Base) IngestDocument(ctx context.Context, document Document) (store.KnowledgeEntry, error) {
	entry, err := b.upsertDocument(ctx, document)
	if err != nil {
		return store.KnowledgeEntry{}, err
	}

	action := audit.Succeeded(audit.AgentKnowledge, "knowledge", "knowledge_ingested",
		"Ingested "+entry.SourceURL, map[string]any{"category": entry.Category})
	action.KnowledgeID = entry.ID
	b.recorder.Record(ctx, action)
	return entry, nil
}

func (b *Base) upsertDocument(ctx context.Context, document Document) (store.KnowledgeEntry, error) {
	sourceURL := strings.TrimSpace(document.SourceURL)
	if sourceURL == "" {
		return store.KnowledgeEntry{}, fmt.Errorf("source url is required")
	}
	title := strings.TrimSpace(document.Title)
	if title == "" {
		title = sourceURL
	}
	pattern := strings.TrimSpace(document.ErrorPattern)
	if pattern == "" {
		pattern = "Documentation: " + title
	}
	sourceType := strings.TrimSpace(document.SourceType)
	if sourceType == "" {
		sourceType = "documentation"
	}

	entry, err := b.entries.UpsertDocument(ctx, store.KnowledgeEntry{
		ErrorPattern: pattern,
		ErrorType:    sourceType,
		Category:     strings.TrimSpace(document.Category),
		Title:        title,
		Solution:     truncateRunes(document.Content, maxDocumentLength),
		SourceURL:    sourceURL,
		SourceType:   sourceType,
		Tags:         document.Tags,
		Context:      document.Metadata,
	})
	if err != nil {
		return store.KnowledgeEntry{}, fmt.Errorf("upsert document %s: %w", sourceURL, err)
	}
	return entry, nil
}

type section struct {
	id      string
	title   string
	content strings.Builder
}

// IngestMarkdown splits a markdown document at level-two headings and ingests each
// section as <source>#<section-slug>. Text before the first heading is ignored.
func (b *Base) IngestMarkdown(ctx context.Context, source, content, category string) (int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, fmt.Errorf("source is required")
	}

	sections := splitSections(content)
	ingested := 0
	for _, current := range sections {
		_, err := b.upsertDocument(ctx, Document{
			SourceURL:    source + "#" + current.id,
			Title:        current.title,
			Content:      current.content.String(),
			Category:     category,
			SourceType:   "application_knowledge",
			ErrorPattern: source + " documentation",
			Metadata:     map[string]any{"section": current.title},
		})
		if err != nil {
			b.logger.Warn("ingest markdown section failed", "source", source, "section", current.title, "err", err)
			continue
		}
		ingested++
	}

	b.recorder.Record(ctx, audit.Outcome(ingested == len(sections), audit.AgentKnowledge, "knowledge", "knowledge_ingested",
		fmt.Sprintf("Ingested %d/%d sections from %s", ingested, len(sections), source),
		map[string]any{"source": source, "sections": len(sections), "ingested": ingested}, nil))
	return ingested, nil
}

func splitSections(content string) []*section {
	sections := make([]*section, 0)
	var current *section
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			title := strings.TrimSpace(line[3:])
			current = &section{id: sectionID(title), title: title}
			sections = append(sections, current)
			continue
		}
		if current != nil {
			current.content.WriteString(line)
			current.content.WriteString("\n")
		}
	}
	return sections
}

func sectionID(title string) string {
	builder := strings.Builder{}
	lastDash := false
	for _, ch := range strings.ToLower(title) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			builder.WriteRune(ch)
			lastDash = false
			continue
		}
		if !lastDash {
			builder.WriteRune('-')
			lastDash = true
		}
	}
	return builder.String()
}

func (b *Base) Stats(ctx context.Context) ([]store.KnowledgeStat, error) {
	return b.entries.KnowledgeStats(ctx)
}

// ConfidenceScore maps a plan confidence label to a stored score.
func ConfidenceScore(confidence string) float64 {
	switch strings.ToUpper(strings.TrimSpace(confidence)) {
	case "HIGH":
		return 0.9
	case "MEDIUM":
		return 0.7
	default:
		return 0.4
	}
}

func tokenize(value string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, field := range strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) < 3 {
			continue
		}
		tokens[field] = struct{}{}
	}
	return tokens
}

func jaccard(left, right map[string]struct{}) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	shared := 0
	for token := range left {
		if _, ok := right[token]; ok {
			shared++
		}
	}
	union := len(left) + len(right) - shared
	return float64(shared) / float64(union)
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
