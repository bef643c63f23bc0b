// Package protocol defines the typed envelope vocabulary spoken on the
// client WebSocket and the schema registry that validates it.
//
// Every message is an Envelope carrying a closed MessageType of the form
// <domain>:<action>[:<status>]. The :request/:success/:error suffix encodes
// the role; bare suffixes (:update, :complete, :cancel, :response) encode
// asynchronous events.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a message kind on the client socket.
type MessageType string

// The closed set of envelope types.
const (
	TypeConnectionEstablished      MessageType = "connection:established:success"
	TypeConnectionHeartbeatRequest MessageType = "connection:heartbeat:request"
	TypeConnectionHeartbeatSuccess MessageType = "connection:heartbeat:success"

	TypeInitializeRequest MessageType = "acp:initialize:request"
	TypeInitializeSuccess MessageType = "acp:initialize:success"
	TypeInitializeError   MessageType = "acp:initialize:error"

	TypeSessionCreateRequest MessageType = "acp:session:create:request"
	TypeSessionCreateSuccess MessageType = "acp:session:create:success"
	TypeSessionCreateError   MessageType = "acp:session:create:error"

	TypeSessionLoadRequest MessageType = "acp:session:load:request"
	TypeSessionLoadSuccess MessageType = "acp:session:load:success"
	TypeSessionLoadError   MessageType = "acp:session:load:error"

	TypeSessionCloseRequest MessageType = "acp:session:close:request"
	TypeSessionCloseSuccess MessageType = "acp:session:close:success"
	TypeSessionCloseError   MessageType = "acp:session:close:error"

	TypeSessionError MessageType = "acp:session:error"

	TypePromptSendRequest MessageType = "acp:prompt:send:request"
	TypePromptSendSuccess MessageType = "acp:prompt:send:success"
	TypePromptSendError   MessageType = "acp:prompt:send:error"

	TypePromptUpdate   MessageType = "acp:prompt:update"
	TypePromptComplete MessageType = "acp:prompt:complete"
	TypePromptError    MessageType = "acp:prompt:error"

	TypePromptCancelRequest MessageType = "acp:prompt:cancel:request"
	TypePromptCancelSuccess MessageType = "acp:prompt:cancel:success"
	TypePromptCancelError   MessageType = "acp:prompt:cancel:error"

	TypePermissionRequest  MessageType = "acp:permission:request"
	TypePermissionResponse MessageType = "acp:permission:response"

	TypeSystemError MessageType = "system:error"
)

// ErrorObject is the error member of an envelope.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Envelope is a single typed message at the client boundary.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorObject    `json:"error,omitempty"`
}

// NewMessage constructs a well-formed envelope with a fresh id and the
// current wall-clock timestamp. payload may be nil for payload-less types.
func NewMessage(t MessageType, payload any) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// NewErrorMessage constructs an error envelope. payload may be nil; a
// session-scoped error carries the session identifier in the payload.
func NewErrorMessage(t MessageType, code, message, details string, payload any) *Envelope {
	env, err := NewMessage(t, payload)
	if err != nil {
		// Error payloads are built from internal structs; marshal failure
		// means a programming error upstream. Fall back to a bare error.
		env = &Envelope{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UnixMilli()}
	}
	env.Error = &ErrorObject{Code: code, Message: message, Details: details}
	return env
}

// IsRequest reports whether the type carries the :request suffix.
func (t MessageType) IsRequest() bool {
	return strings.HasSuffix(string(t), ":request")
}

// Prefix returns the <domain>:<action> part of the type.
func (t MessageType) Prefix() string {
	s := string(t)
	for _, suffix := range []string{":request", ":success", ":error"} {
		if strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

// ErrorSibling derives the error type for a request type: the error sibling
// of x:y:request is x:y:error. Types with no registered sibling map to
// system:error.
func ErrorSibling(t MessageType) MessageType {
	if t.IsRequest() {
		candidate := MessageType(t.Prefix() + ":error")
		if DefaultRegistry().Known(candidate) {
			return candidate
		}
	}
	return TypeSystemError
}

// SuccessSibling derives the success type for a request type. The second
// return is false when no registered sibling exists.
func SuccessSibling(t MessageType) (MessageType, bool) {
	if !t.IsRequest() {
		return "", false
	}
	candidate := MessageType(t.Prefix() + ":success")
	if !DefaultRegistry().Known(candidate) {
		return "", false
	}
	return candidate, true
}
