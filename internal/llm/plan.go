package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

type StepAction string

const (
	StepUpdateFile     StepAction = "update_file"
	StepRunCommand     StepAction = "run_command"
	StepRestartService StepAction = "restart_service"
	StepUpdateConfig   StepAction = "update_config"
	StepDeployCode     StepAction = "deploy_code"
)

// Step is one remediation action. Which fields apply depends on Action.
type Step struct {
	Action       StepAction      `json:"action"`
	Description  string          `json:"description,omitempty"`
	File         string          `json:"file,omitempty"`
	Code         string          `json:"code,omitempty"`
	Service      string          `json:"service,omitempty"`
	Key          string          `json:"key,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	Files        []string        `json:"files,omitempty"`
	Verification string          `json:"verification,omitempty"`
}

type FixPlan struct {
	Analysis         string     `json:"analysis"`
	RootCause        string     `json:"root_cause"`
	Solution         string     `json:"solution"`
	Confidence       Confidence `json:"confidence"`
	RequiresApproval bool       `json:"requires_approval"`
	Steps            []Step     `json:"steps"`
	Risks            []string   `json:"risks"`
	RollbackPlan     string     `json:"rollback_plan"`
	Provider         string     `json:"provider,omitempty"`
}

var (
	codeFenceRegex = regexp.MustCompile("(?s)`{3}(?:json)?\\s*\\n?([\\s\\S]*?)\\n?`{3}")
	objectRegex    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// ParsePlan extracts a fix plan from a model answer. It tries the whole text, then a
// fenced code block, then the outermost braces. When nothing parses it returns a LOW
// confidence manual-review plan carrying the raw text, and ok=false.
func ParsePlan(text string) (plan FixPlan, ok bool) {
	trimmed := strings.TrimSpace(text)

	candidates := []string{trimmed}
	if match := codeFenceRegex.FindStringSubmatch(trimmed); len(match) > 1 {
		candidates = append(candidates, strings.TrimSpace(match[1]))
	}
	if match := objectRegex.FindString(trimmed); match != "" {
		candidates = append(candidates, match)
	}

	for _, candidate := range candidates {
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		var parsed FixPlan
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		parsed.Confidence = normalizeConfidence(parsed.Confidence)
		if parsed.Steps == nil {
			parsed.Steps = []Step{}
		}
		return parsed, true
	}

	return manualReviewPlan(trimmed), false
}

func manualReviewPlan(text string) FixPlan {
	return FixPlan{
		Analysis:         text,
		RootCause:        "Unable to parse structured response",
		Solution:         text,
		Confidence:       ConfidenceLow,
		RequiresApproval: true,
		Steps:            []Step{},
		Risks:            []string{"Response parsing failed - manual review required"},
		RollbackPlan:     "Manual intervention required",
	}
}

// normalizeConfidence treats anything other than HIGH or MEDIUM as LOW.
func normalizeConfidence(value Confidence) Confidence {
	switch Confidence(strings.ToUpper(strings.TrimSpace(string(value)))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
