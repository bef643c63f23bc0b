package agent

import "strings"

// StderrKind classifies a recognized agent stderr line.
type StderrKind string

const (
	StderrRateLimit    StderrKind = "rate_limit"
	StderrUnauthorized StderrKind = "unauthorized"
	StderrInvalidKey   StderrKind = "invalid_key"
	StderrQuota        StderrKind = "quota"
	StderrAPIError     StderrKind = "api_error"
)

// StderrMatch is a recognized error on the agent's stderr, with a message
// suitable for showing to the end user.
type StderrMatch struct {
	Kind    StderrKind
	Message string
	Raw     string
}

// stderrRules are checked in order; the first match wins. More specific
// patterns come before the generic provider-error catch-all.
var stderrRules = []struct {
	kind     StderrKind
	message  string
	patterns []string
}{
	{
		kind:     StderrRateLimit,
		message:  "Rate limit exceeded. Please try again later.",
		patterns: []string{"rate limit", "rate_limit", "429", "too many requests"},
	},
	{
		kind:     StderrInvalidKey,
		message:  "Invalid API key. Please check your provider configuration.",
		patterns: []string{"invalid api key", "incorrect api key", "invalid x-api-key"},
	},
	{
		kind:     StderrUnauthorized,
		message:  "Authentication with the AI provider failed. Please check your credentials.",
		patterns: []string{"401", "403", "unauthorized", "forbidden", "authentication_error"},
	},
	{
		kind:     StderrQuota,
		message:  "API quota exceeded. Please check your provider plan and billing.",
		patterns: []string{"insufficient_quota", "quota exceeded", "billing"},
	},
	{
		kind:     StderrAPIError,
		message:  "The AI provider returned an error. Please try again.",
		patterns: []string{"ai_apicallerror", "apicallerror", "api error", "overloaded_error"},
	},
}

// ClassifyStderr matches a stderr line against the known provider failure
// shapes. Unrecognized lines return ok=false and are only logged.
func ClassifyStderr(line string) (StderrMatch, bool) {
	lower := strings.ToLower(line)
	for _, rule := range stderrRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return StderrMatch{Kind: rule.kind, Message: rule.message, Raw: line}, true
			}
		}
	}
	return StderrMatch{}, false
}
