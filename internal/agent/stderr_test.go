package agent

import "testing"

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		line string
		kind StderrKind
	}{
		{"Error: rate limit exceeded for model claude", StderrRateLimit},
		{"HTTP 429 Too Many Requests", StderrRateLimit},
		{"Invalid API key provided", StderrInvalidKey},
		{"error: incorrect API key", StderrInvalidKey},
		{"request failed with status 401", StderrUnauthorized},
		{"403 Forbidden", StderrUnauthorized},
		{"authentication_error: could not verify", StderrUnauthorized},
		{"insufficient_quota: you have run out of credits", StderrQuota},
		{"AI_APICallError: upstream provider failed", StderrAPIError},
		{"overloaded_error: the model is overloaded", StderrAPIError},
	}

	for _, tt := range tests {
		match, ok := ClassifyStderr(tt.line)
		if !ok {
			t.Errorf("ClassifyStderr(%q) matched nothing, want kind %s", tt.line, tt.kind)
			continue
		}
		if match.Kind != tt.kind {
			t.Errorf("ClassifyStderr(%q) kind = %s, want %s", tt.line, match.Kind, tt.kind)
		}
		if match.Message == "" {
			t.Errorf("ClassifyStderr(%q) has empty user message", tt.line)
		}
		if match.Raw != tt.line {
			t.Errorf("ClassifyStderr(%q) raw = %q", tt.line, match.Raw)
		}
	}
}

func TestClassifyStderrIgnoresNoise(t *testing.T) {
	lines := []string{
		"INFO starting session",
		"DEBUG loaded config from ~/.config",
		"tool call completed in 1.2s",
	}
	for _, line := range lines {
		if match, ok := ClassifyStderr(line); ok {
			t.Errorf("ClassifyStderr(%q) = %+v, want no match", line, match)
		}
	}
}
