package validation

import (
	"fmt"
	"regexp"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// agentSessionRegex matches agent-assigned session ids. Agents are free
	// to use their own id scheme, so anything URL-safe is accepted.
	agentSessionRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateEnvelopeID validates the id field of a client envelope.
// Envelope ids are client-generated version-4-style strings.
func ValidateEnvelopeID(id string) error {
	return ValidateUUID(id)
}

// ValidateConnectionID validates a connection id (gateway-assigned UUID).
func ValidateConnectionID(id string) error {
	return ValidateUUID(id)
}

// ValidateSessionID validates a session ID. Tentative ids are UUIDs; after
// migration the id is whatever the agent assigned, so the format is looser.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("session ID too long: %d chars", len(id))
	}
	if !agentSessionRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

// ValidateTimestamp validates an envelope timestamp (positive Unix millis).
func ValidateTimestamp(ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("timestamp must be positive: %d", ts)
	}
	return nil
}
