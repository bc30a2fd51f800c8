// Package classifier maps raw errors to a severity and category using ordered pattern rules.
package classifier

import (
	"regexp"
	"strings"

	"watchtower/services/agent/internal/store"
)

// Context carries the optional report fields that influence the category.
type Context struct {
	Endpoint    string
	Application string
}

type Classification struct {
	Severity store.Severity `json:"severity"`
	Category store.Category `json:"category"`
}

type severityRule struct {
	severity store.Severity
	patterns []*regexp.Regexp
}

// Groups are evaluated in order; the first group with any matching pattern wins.
var severityRules = []severityRule{
	{
		severity: store.SeverityCritical,
		patterns: compile(
			`database connection failed`,
			`502 bad gateway`,
			`503 service unavailable`,
			`authentication service down`,
			`security breach`,
			`data loss`,
			`cannot connect to database`,
			`redis connection failed`,
			`cors.*blocked`,
		),
	},
	{
		severity: store.SeverityHigh,
		patterns: compile(
			`api timeout`,
			`500 internal server error`,
			`payment processing failed`,
			`cannot read property`,
			`syntax error`,
			`undefined is not a function`,
			`typeerror`,
			`referenceerror`,
			`fetch.*failed`,
			`network.*error`,
		),
	},
	{
		severity: store.SeverityMedium,
		patterns: compile(
			`slow query`,
			`rate limit approaching`,
			`cache miss`,
			`timeout warning`,
			`deprecation`,
			`429.*too many requests`,
		),
	},
	{
		severity: store.SeverityLow,
		patterns: compile(
			`warning`,
			`missing image`,
			`404`,
			`not found`,
		),
	},
}

func compile(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, regexp.MustCompile(pattern))
	}
	return compiled
}

// Classify is pure and deterministic.
func Classify(message, errorType string, ctx Context) Classification {
	lowerMessage := strings.ToLower(message)
	lowerType := strings.ToLower(errorType)

	return Classification{
		Severity: classifySeverity(lowerMessage, lowerType),
		Category: classifyCategory(lowerMessage, lowerType, ctx),
	}
}

func classifySeverity(message, errorType string) store.Severity {
	for _, rule := range severityRules {
		for _, pattern := range rule.patterns {
			if pattern.MatchString(message) || pattern.MatchString(errorType) {
				return rule.severity
			}
		}
	}
	return store.SeverityMedium
}

func classifyCategory(message, errorType string, ctx Context) store.Category {
	switch {
	case strings.TrimSpace(ctx.Endpoint) != "" || strings.Contains(errorType, "api"):
		return store.CategoryBackend
	case strings.Contains(strings.ToLower(ctx.Application), "frontend") || strings.Contains(message, "browser"):
		return store.CategoryFrontend
	case containsAny(message, "db", "database", "sql"):
		return store.CategoryDatabase
	case containsAny(message, "auth", "unauthorized", "forbidden", "cors"):
		return store.CategorySecurity
	case containsAny(message, "network", "timeout", "502", "503"):
		return store.CategoryInfrastructure
	default:
		return store.CategoryUnknown
	}
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}
