package api

import (
	"net/http"
	"strings"

	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/settings"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.7
)

type providerRequest struct {
	Provider string `json:"provider"`
}

type modelRequest struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature *float64 `json:"temperature"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) llmConfig(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.settings.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider":       snapshot.ActiveProvider,
		"models":         snapshot.ModelConfigs,
		"autoFixEnabled": snapshot.AutoFixEnabled,
	})
}

func (h *Handler) setProvider(w http.ResponseWriter, r *http.Request) {
	payload := providerRequest{}
	if err := decodeBody(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	provider := strings.ToLower(strings.TrimSpace(payload.Provider))
	if !settings.ValidProvider(provider) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid provider"})
		return
	}
	if err := h.settings.SetActiveProvider(r.Context(), provider); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": provider})
}

func (h *Handler) setModel(w http.ResponseWriter, r *http.Request) {
	payload := modelRequest{}
	if err := decodeBody(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	provider := strings.ToLower(strings.TrimSpace(payload.Provider))
	if !settings.ValidProvider(provider) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid provider"})
		return
	}
	if strings.TrimSpace(payload.Model) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}

	modelConfig := settings.ModelConfig{
		Model:       strings.TrimSpace(payload.Model),
		MaxTokens:   payload.MaxTokens,
		Temperature: defaultTemperature,
	}
	if modelConfig.MaxTokens <= 0 {
		modelConfig.MaxTokens = defaultMaxTokens
	}
	if payload.Temperature != nil {
		modelConfig.Temperature = *payload.Temperature
	}

	if err := h.settings.SetModelConfig(r.Context(), provider, modelConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stored, err := h.settings.ModelConfig(r.Context(), provider)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": provider, "config": stored})
}

func (h *Handler) toggleAutoFix(w http.ResponseWriter, r *http.Request) {
	payload := toggleRequest{}
	if err := decodeBody(r, &payload); err != nil || payload.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled must be a boolean"})
		return
	}

	if err := h.settings.SetAutoFixEnabled(r.Context(), *payload.Enabled); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": *payload.Enabled})
}

func (h *Handler) testProvider(w http.ResponseWriter, r *http.Request) {
	payload := providerRequest{}
	if err := decodeBody(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	provider := strings.ToLower(strings.TrimSpace(payload.Provider))
	if provider == "" {
		active, err := h.settings.ActiveProvider(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		provider = active
	}
	if h.llm == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "llm providers unavailable"})
		return
	}

	response, err := h.llm.TestProvider(r.Context(), provider)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":  false,
			"provider": provider,
			"error":    err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": provider, "response": response})
}

func (h *Handler) knowledgeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.knowledge.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch knowledge stats"})
		return
	}

	total := 0
	for _, stat := range stats {
		total += stat.Entries
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "categories": stats})
}

func (h *Handler) ingestDocument(w http.ResponseWriter, r *http.Request) {
	document := knowledge.Document{}
	if err := decodeBody(r, &document); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(document.SourceURL) == "" || strings.TrimSpace(document.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source_url and content are required"})
		return
	}

	entry, err := h.knowledge.IngestDocument(r.Context(), document)
	if err != nil {
		h.logger.Error("knowledge ingestion failed", "source_url", document.SourceURL, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to ingest document"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "entry": entry})
}
