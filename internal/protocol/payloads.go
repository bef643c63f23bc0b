package protocol

// Typed payloads for the envelope vocabulary. These marshal to exactly the
// shapes the schema registry accepts.

// ConnectionEstablishedPayload is sent once after a successful upgrade.
type ConnectionEstablishedPayload struct {
	ConnectionID    string `json:"connectionId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// HeartbeatSuccessPayload answers an application-level heartbeat. Latency is
// computed at the server in milliseconds.
type HeartbeatSuccessPayload struct {
	Latency int64 `json:"latency"`
}

// InitializeSuccessPayload reports the gateway protocol version.
type InitializeSuccessPayload struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// SessionCreatePayload is the payload of acp:session:create:request.
type SessionCreatePayload struct {
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

// SessionLoadPayload is the payload of acp:session:load:request.
type SessionLoadPayload struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Mode is a selectable agent mode.
type Mode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModesPayload describes the mode state of a session.
type ModesPayload struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes"`
}

// SessionReadyPayload answers session create and load requests.
type SessionReadyPayload struct {
	SessionID       string       `json:"sessionId"`
	AvailableModels []string     `json:"availableModels"`
	CurrentModel    string       `json:"currentModel"`
	Modes           ModesPayload `json:"modes"`
}

// SessionRefPayload names a session in close/cancel acknowledgements and
// session-scoped errors.
type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a client-authored prompt content block.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptSendPayload is the payload of acp:prompt:send:request.
type PromptSendPayload struct {
	SessionID string         `json:"sessionId"`
	Content   []ContentBlock `json:"content"`
	AgentMode string         `json:"agentMode,omitempty"`
}

// PromptAcceptedPayload acknowledges a prompt before any streaming starts.
type PromptAcceptedPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// PromptUpdatePayload carries one translated streaming update.
type PromptUpdatePayload struct {
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	Update    map[string]any `json:"update"`
}

// PromptResult is the final result of a prompt turn.
type PromptResult struct {
	Content    []map[string]any `json:"content"`
	StopReason string           `json:"stopReason"`
}

// PromptCompletePayload is the last envelope a client sees for a request id.
type PromptCompletePayload struct {
	SessionID string       `json:"sessionId"`
	RequestID string       `json:"requestId"`
	Result    PromptResult `json:"result"`
}

// PromptCancelPayload is the payload of acp:prompt:cancel:request.
type PromptCancelPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"`
}

// PermissionRequestPayload bridges an agent permission request to the client.
type PermissionRequestPayload struct {
	SessionID string           `json:"sessionId"`
	RequestID string           `json:"requestId"`
	ToolCall  map[string]any   `json:"toolCall"`
	Options   []map[string]any `json:"options"`
}

// PermissionOutcome is the client's decision on a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// PermissionResponsePayload is the payload of acp:permission:response.
type PermissionResponsePayload struct {
	SessionID string            `json:"sessionId"`
	RequestID string            `json:"requestId"`
	Outcome   PermissionOutcome `json:"outcome"`
}

// ErrorScopePayload scopes an error envelope to a session and/or request.
type ErrorScopePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}
