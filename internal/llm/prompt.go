package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/store"
)

// CheckSummary is one (type, target, status) bucket of recent monitoring checks.
type CheckSummary struct {
	CheckType string `json:"check_type"`
	Target    string `json:"target"`
	Status    string `json:"status"`
	Count     int    `json:"count"`
}

type PromptContext struct {
	Matches          []knowledge.Match
	SimilarIncidents []store.Incident
	RecentChecks     []CheckSummary
	GeneratedAt      time.Time
}

const responseFormat = `RESPONSE FORMAT:
You must respond in JSON format:
{
  "analysis": "Brief analysis of the error",
  "root_cause": "Identified root cause",
  "solution": "Proposed solution",
  "confidence": "HIGH/MEDIUM/LOW",
  "requires_approval": true/false,
  "steps": [
    {
      "action": "update_file | run_command | restart_service | update_config | deploy_code",
      "description": "what this step does",
      "file": "file path (update_file)",
      "code": "file content (update_file) or shell command (run_command)",
      "service": "service name (restart_service)",
      "key": "config key (update_config)",
      "value": "config value as JSON (update_config)",
      "files": ["files to deploy (deploy_code)"],
      "verification": "how to verify this step"
    }
  ],
  "risks": ["list of potential risks"],
  "rollback_plan": "how to undo if this fails"
}`

func buildSystemPrompt(promptContext PromptContext) string {
	var prompt strings.Builder
	prompt.WriteString(`You are an autonomous error-fixing agent for a production web application.

YOUR CAPABILITIES:
- Analyze errors from production systems
- Search the knowledge base for solutions
- Generate code and configuration fixes
- Apply fixes automatically when policy allows
- Verify fixes work correctly

`)

	appState, _ := json.MarshalIndent(map[string]any{
		"recent_checks": promptContext.RecentChecks,
		"timestamp":     promptContext.GeneratedAt.Format(time.RFC3339),
	}, "", "  ")
	prompt.WriteString("CURRENT APPLICATION STATE:\n")
	prompt.Write(appState)
	prompt.WriteString("\n\nRELEVANT DOCUMENTATION:\n")
	for _, match := range promptContext.Matches {
		fmt.Fprintf(&prompt, "\nTitle: %s\nPattern: %s\nSolution: %s\n",
			match.Entry.Title, match.Entry.ErrorPattern, match.Entry.Solution)
	}

	prompt.WriteString("\nSIMILAR PAST INCIDENTS:\n")
	for _, incident := range promptContext.SimilarIncidents {
		fmt.Fprintf(&prompt, "\n%s: %s\n", incident.Title, string(incident.Resolution))
	}

	prompt.WriteString("\n")
	prompt.WriteString(responseFormat)
	return prompt.String()
}

func buildUserPrompt(incident store.Incident) string {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "INCIDENT DETAILS:\nID: %s\nTitle: %s\nError: %s\nType: %s\nSeverity: %s\nCategory: %s\n",
		incident.IncidentID, incident.Title, incident.ErrorMessage, incident.ErrorType, incident.Severity, incident.Category)

	if incident.StackTrace != "" {
		fmt.Fprintf(&prompt, "\nStack Trace:\n%s\n", incident.StackTrace)
	}
	if len(incident.Context) > 0 {
		details, err := json.MarshalIndent(incident.Context, "", "  ")
		if err == nil {
			fmt.Fprintf(&prompt, "\nContext:\n%s\n", details)
		}
	}

	prompt.WriteString("\nPlease analyze this error and provide a fix following the response format specified in your system prompt.")
	return prompt.String()
}
