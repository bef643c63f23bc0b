package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Registry maps each message type to a resolved structural schema for its
// payload. Schemas are closed: extra fields are rejected, required fields
// are enforced, enumerations are exhaustive.
type Registry struct {
	schemas map[MessageType]*jsonschema.Resolved
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, building it on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r, err := NewRegistry()
		if err != nil {
			panic(fmt.Sprintf("protocol: building schema registry: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// NewRegistry builds and resolves the payload schema for every message type.
func NewRegistry() (*Registry, error) {
	specs := payloadSchemas()

	r := &Registry{schemas: make(map[MessageType]*jsonschema.Resolved, len(specs))}
	for t, schema := range specs {
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolving schema for %s: %w", t, err)
		}
		r.schemas[t] = resolved
	}
	return r, nil
}

// Known reports whether t is in the closed type set.
func (r *Registry) Known(t MessageType) bool {
	_, ok := r.schemas[t]
	return ok
}

// Types returns every registered message type.
func (r *Registry) Types() []MessageType {
	out := make([]MessageType, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}

// Validate checks payload against the schema registered for t. An absent
// payload is validated as an empty object, so payload-less request types
// pass and types with required fields fail.
func (r *Registry) Validate(t MessageType, payload json.RawMessage) error {
	resolved, ok := r.schemas[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	var instance any = map[string]any{}
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, &instance); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("payload for %s: %w", t, err)
	}
	return nil
}

// ValidateEnvelope checks the envelope payload and, when the envelope is an
// error, requires the error object to be present.
func (r *Registry) ValidateEnvelope(env *Envelope) error {
	return r.Validate(env.Type, env.Payload)
}

// Schema construction helpers. The registry is built once at startup; the
// helpers keep the table below readable.

func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func str() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string"}
}

func nonNegInt() *jsonschema.Schema {
	min := 0.0
	return &jsonschema.Schema{Type: "integer", Minimum: &min}
}

func enumStr(values ...string) *jsonschema.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}

func arrayOf(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

// closed builds an object schema that rejects unknown fields.
func closed(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: falseSchema(),
	}
}

// open builds an object schema that tolerates unknown fields. Used where the
// agent defines the shape and the gateway passes it through.
func open(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func payloadSchemas() map[MessageType]*jsonschema.Schema {
	// Content blocks authored by the client are closed; blocks coming back
	// from the agent are passed through with only the discriminator checked.
	clientContentBlock := closed(map[string]*jsonschema.Schema{
		"type": enumStr("text"),
		"text": str(),
	}, "type", "text")
	agentContentBlock := open(map[string]*jsonschema.Schema{
		"type": str(),
	}, "type")

	modes := closed(map[string]*jsonschema.Schema{
		"currentModeId": str(),
		"availableModes": arrayOf(closed(map[string]*jsonschema.Schema{
			"id":   str(),
			"name": str(),
		}, "id", "name")),
	}, "currentModeId", "availableModes")

	sessionReady := closed(map[string]*jsonschema.Schema{
		"sessionId":       str(),
		"availableModels": arrayOf(str()),
		"currentModel":    str(),
		"modes":           modes,
	}, "sessionId", "availableModels", "currentModel", "modes")

	// Error envelopes may carry a payload scoping the error to a session
	// and/or the originating request.
	errorScope := closed(map[string]*jsonschema.Schema{
		"sessionId": str(),
		"requestId": str(),
	})

	// A translated streaming update. The kind discriminator is checked; the
	// remaining fields are kind-specific and agent-defined.
	update := open(map[string]*jsonschema.Schema{
		"kind": str(),
	}, "kind")

	empty := closed(nil)

	return map[MessageType]*jsonschema.Schema{
		TypeConnectionEstablished: closed(map[string]*jsonschema.Schema{
			"connectionId":    str(),
			"protocolVersion": str(),
		}, "connectionId", "protocolVersion"),
		TypeConnectionHeartbeatRequest: empty,
		TypeConnectionHeartbeatSuccess: closed(map[string]*jsonschema.Schema{
			"latency": nonNegInt(),
		}, "latency"),

		TypeInitializeRequest: empty,
		TypeInitializeSuccess: closed(map[string]*jsonschema.Schema{
			"protocolVersion": nonNegInt(),
		}, "protocolVersion"),
		TypeInitializeError: errorScope,

		TypeSessionCreateRequest: closed(map[string]*jsonschema.Schema{
			"cwd":   str(),
			"model": str(),
		}),
		TypeSessionCreateSuccess: sessionReady,
		TypeSessionCreateError:   errorScope,

		TypeSessionLoadRequest: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"cwd":       str(),
			"model":     str(),
		}, "sessionId"),
		TypeSessionLoadSuccess: sessionReady,
		TypeSessionLoadError:   errorScope,

		TypeSessionCloseRequest: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
		}, "sessionId"),
		TypeSessionCloseSuccess: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
		}, "sessionId"),
		TypeSessionCloseError: errorScope,

		TypeSessionError: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
		}, "sessionId"),

		TypePromptSendRequest: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"content":   arrayOf(clientContentBlock),
			"agentMode": str(),
		}, "sessionId", "content"),
		TypePromptSendSuccess: closed(map[string]*jsonschema.Schema{
			"requestId": str(),
			"status":    enumStr("accepted"),
		}, "requestId", "status"),
		TypePromptSendError: errorScope,

		TypePromptUpdate: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"requestId": str(),
			"update":    update,
		}, "sessionId", "requestId", "update"),
		TypePromptComplete: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"requestId": str(),
			"result": closed(map[string]*jsonschema.Schema{
				"content":    arrayOf(agentContentBlock),
				"stopReason": enumStr("end_turn", "tool_use", "cancelled", "error", "unknown"),
			}, "content", "stopReason"),
		}, "sessionId", "requestId", "result"),
		TypePromptError: errorScope,

		TypePromptCancelRequest: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"requestId": str(),
		}, "sessionId"),
		TypePromptCancelSuccess: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
		}, "sessionId"),
		TypePromptCancelError: errorScope,

		TypePermissionRequest: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"requestId": str(),
			"toolCall":  open(nil),
			"options":   arrayOf(open(nil)),
		}, "sessionId", "requestId", "toolCall", "options"),
		TypePermissionResponse: closed(map[string]*jsonschema.Schema{
			"sessionId": str(),
			"requestId": str(),
			"outcome": closed(map[string]*jsonschema.Schema{
				"outcome":  enumStr("selected", "cancelled"),
				"optionId": str(),
			}, "outcome"),
		}, "sessionId", "requestId", "outcome"),

		TypeSystemError: errorScope,
	}
}
