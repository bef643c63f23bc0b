// Package agent owns the AI-agent subprocesses. It spawns the agent binary,
// frames newline-delimited JSON-RPC 2.0 over its pipes, correlates responses
// to pending requests, and classifies stderr output.
package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON-RPC methods of the agent pipe protocol.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// ProtocolVersion is the ACP protocol version the gateway speaks.
const ProtocolVersion = 1

// Message is a JSON-RPC 2.0 message on the agent pipe. One struct covers
// requests, responses, and notifications; the populated fields decide which.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// IsNotification reports whether the message is a method call with no id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether the message is a response to some request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.HasID()
}

// idKey canonicalizes a JSON-RPC id for map keying.
func idKey(id json.RawMessage) string {
	return string(id)
}

// numericID renders an int64 request id as a JSON-RPC id.
func numericID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// newRequest builds a request message, marshaling params.
func newRequest(id int64, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", ID: numericID(id), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		msg.Params = data
	}
	return msg, nil
}

// newNotification builds a notification message (no id, no response).
func newNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		msg.Params = data
	}
	return msg, nil
}

// ACP wire types.

// ClientInfo identifies the gateway to the agent during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities is sent empty: the gateway exposes no fs or terminal.
type ClientCapabilities struct{}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         ClientInfo         `json:"clientInfo"`
}

// AuthMethod is an authentication method advertised by the agent. The
// presence of methods is informational; it does not by itself mean auth is
// required.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// InitializeResult is the agent's reply to initialize.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

// MCPServer is passed through to the agent unmodified; the gateway never
// configures MCP servers itself.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// SessionNewParams are the parameters of session/new.
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
	Model      string      `json:"model,omitempty"`
}

// SessionLoadParams are the parameters of session/load.
type SessionLoadParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ModelID string `json:"modelId"`
	Name    string `json:"name,omitempty"`
}

// ModelState reports the agent's model selection for a session.
type ModelState struct {
	AvailableModels []ModelInfo `json:"availableModels"`
	CurrentModelID  string      `json:"currentModelId"`
}

// ModeInfo describes one selectable agent mode.
type ModeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModeState reports the agent's mode selection for a session.
type ModeState struct {
	CurrentModeID  string     `json:"currentModeId"`
	AvailableModes []ModeInfo `json:"availableModes"`
}

// SessionNewResult is the agent's reply to session/new and session/load.
// The returned sessionId may differ from the tentative id the gateway
// allocated; the caller must then migrate.
type SessionNewResult struct {
	SessionID string      `json:"sessionId"`
	Models    *ModelState `json:"models,omitempty"`
	Modes     *ModeState  `json:"modes,omitempty"`
}

// ContentBlock is one block of prompt or response content on the agent pipe.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SessionPromptParams are the parameters of session/prompt. The JSON-RPC
// field is named prompt; the client envelope field is named content.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
	AgentMode string         `json:"agentMode,omitempty"`
}

// PromptTurnResult is the final result of a prompt turn.
type PromptTurnResult struct {
	Content    []map[string]any `json:"content"`
	StopReason string           `json:"stopReason"`
}

// SessionCancelParams are the parameters of the session/cancel notification.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdateParams are the parameters of a session/update notification.
// Update is kept raw: translation happens in the dispatcher.
type SessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// RequestPermissionParams are the parameters of session/request_permission.
type RequestPermissionParams struct {
	SessionID string           `json:"sessionId"`
	ToolCall  map[string]any   `json:"toolCall"`
	Options   []map[string]any `json:"options,omitempty"`
}
