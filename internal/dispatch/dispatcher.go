package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/acpgate/internal/agent"
	"github.com/HyphaGroup/acpgate/internal/logger"
	"github.com/HyphaGroup/acpgate/internal/metrics"
	"github.com/HyphaGroup/acpgate/internal/protocol"
	"github.com/HyphaGroup/acpgate/internal/validation"
)

// EnvelopeSender delivers an envelope to one client connection. The gateway
// connection registry implements it.
type EnvelopeSender interface {
	Send(connectionID string, env *protocol.Envelope) error
}

// Supervisor is the subset of the process supervisor the dispatcher drives.
type Supervisor interface {
	Spawn(sessionID, cwd, model string) error
	SetHooks(sessionID string, hooks agent.Hooks)
	RegisterHandler(sessionID string, h agent.MessageHandler)
	SetStatus(sessionID string, status agent.Status)
	Migrate(oldID, newID string) error
	Kill(sessionID string)
}

// Correlator is the subset of the JSON-RPC correlator the dispatcher drives.
type Correlator interface {
	Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error)
	Fire(sessionID, method string, params any) error
	Notify(sessionID, method string, params any) error
	Respond(sessionID string, id json.RawMessage, result any) error
	RegisterHandler(sessionID string, h agent.NotificationHandler)
	UnregisterHandler(sessionID string)
	Migrate(oldID, newID string)
	FailSession(sessionID string, reason error)
	HandleMessage(sessionID string, msg *agent.Message)
}

// Dispatcher translates between the client envelope vocabulary and the
// agent pipe protocol. One instance serves all connections.
type Dispatcher struct {
	sender     EnvelopeSender
	sup        Supervisor
	corr       Correlator
	sessions   *SessionManager
	pending    *pendingPrompts
	defaultCwd string

	// permIDs maps session id + client-visible request id to the agent's
	// raw JSON-RPC id for in-flight permission requests.
	permMu  sync.Mutex
	permIDs map[string]json.RawMessage

	log *slog.Logger
}

// New creates a dispatcher. defaultCwd is used for sessions created without
// an explicit working directory.
func New(sender EnvelopeSender, sup Supervisor, corr Correlator, defaultCwd string) *Dispatcher {
	return &Dispatcher{
		sender:     sender,
		sup:        sup,
		corr:       corr,
		sessions:   NewSessionManager(),
		pending:    newPendingPrompts(),
		defaultCwd: defaultCwd,
		permIDs:    make(map[string]json.RawMessage),
		log:        logger.Component("dispatch"),
	}
}

// Sessions exposes the session table for introspection.
func (d *Dispatcher) Sessions() *SessionManager { return d.sessions }

// HandleEnvelope routes one validated client envelope. Request types that
// talk to the agent run asynchronously so a slow agent never stalls the
// connection's read loop.
func (d *Dispatcher) HandleEnvelope(connectionID, principal string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeInitializeRequest:
		d.handleInitialize(connectionID, env)
	case protocol.TypeSessionCreateRequest:
		go d.handleSessionCreate(connectionID, principal, env)
	case protocol.TypeSessionLoadRequest:
		go d.handleSessionLoad(connectionID, principal, env)
	case protocol.TypeSessionCloseRequest:
		go d.handleSessionClose(connectionID, env)
	case protocol.TypePromptSendRequest:
		d.handlePromptSend(connectionID, env)
	case protocol.TypePromptCancelRequest:
		d.handlePromptCancel(connectionID, env)
	case protocol.TypePermissionResponse:
		d.handlePermissionResponse(connectionID, env)
	default:
		// Known but server-emitted types; a client must not send them.
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSystemError,
			protocol.CodeInvalidMessage,
			fmt.Sprintf("Clients may not send %s", env.Type), "", nil))
	}
}

// ConnectionClosed tears down every session the connection owned. It blocks
// until every process has been reaped; the teardowns run in parallel so one
// stuck process does not stretch the grace window for the others.
func (d *Dispatcher) ConnectionClosed(connectionID string) {
	ctx := logger.WithConnectionID(context.Background(), connectionID)
	var wg sync.WaitGroup
	for _, sess := range d.sessions.ForConnection(connectionID) {
		logger.InfoContext(ctx, "closing session with its connection", "session_id", sess.ID)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			d.teardownSession(id, errors.New("connection closed"), true)
		}(sess.ID)
	}
	wg.Wait()
}

// handleInitialize answers with the gateway's protocol version. No agent
// process is consulted; agents are initialized per session.
func (d *Dispatcher) handleInitialize(connectionID string, env *protocol.Envelope) {
	reply, err := protocol.NewMessage(protocol.TypeInitializeSuccess,
		protocol.InitializeSuccessPayload{ProtocolVersion: agent.ProtocolVersion})
	if err != nil {
		return
	}
	d.sendTo(connectionID, reply)
}

func (d *Dispatcher) handleSessionCreate(connectionID, principal string, env *protocol.Envelope) {
	var payload protocol.SessionCreatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil && len(env.Payload) > 0 {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionCreateError,
			protocol.CodeInvalidParams, "Invalid session create payload", err.Error(), nil))
		return
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd = d.defaultCwd
	}

	tentative := uuid.NewString()
	sess := &Session{
		ID:           tentative,
		ConnectionID: connectionID,
		Principal:    principal,
		Cwd:          cwd,
		Model:        payload.Model,
		State:        StateInitializing,
		CreatedAt:    time.Now(),
	}
	if err := d.sessions.Add(sess); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionCreateError,
			protocol.CodeInternalError, "Could not register session", err.Error(), nil))
		return
	}

	ready, err := d.startAgentSession(sess, "")
	if err != nil {
		d.sessions.Remove(sess.ID)
		logger.ErrorContext(logger.WithConnectionID(context.Background(), connectionID),
			"session create failed", "error", err)
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionCreateError,
			protocol.CodeSessionCreateFailed, "Could not start agent session", err.Error(), nil))
		return
	}

	reply, err := protocol.NewMessage(protocol.TypeSessionCreateSuccess, ready)
	if err != nil {
		return
	}
	if err := d.sendTo(connectionID, reply); err != nil {
		// Client vanished between create and reply; do not leak the process.
		d.teardownSession(sess.ID, errors.New("connection closed"), true)
	}
}

func (d *Dispatcher) handleSessionLoad(connectionID, principal string, env *protocol.Envelope) {
	var payload protocol.SessionLoadPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionLoadError,
			protocol.CodeInvalidParams, "Invalid session load payload", err.Error(), nil))
		return
	}
	if err := validation.ValidateSessionID(payload.SessionID); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionLoadError,
			protocol.CodeInvalidParams, "Invalid session id", err.Error(), nil))
		return
	}

	if existing := d.sessions.Get(payload.SessionID); existing != nil {
		if existing.ConnectionID != connectionID {
			d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionLoadError,
				protocol.CodeUnauthorized, "Session belongs to another connection", "",
				protocol.SessionRefPayload{SessionID: payload.SessionID}))
			return
		}
		// Same connection reloading its own live session: answer from the
		// table without respawning.
		reply, err := protocol.NewMessage(protocol.TypeSessionLoadSuccess, d.readyPayload(existing))
		if err == nil {
			d.sendTo(connectionID, reply)
		}
		return
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd = d.defaultCwd
	}

	sess := &Session{
		ID:           payload.SessionID,
		ConnectionID: connectionID,
		Principal:    principal,
		Cwd:          cwd,
		Model:        payload.Model,
		State:        StateInitializing,
		CreatedAt:    time.Now(),
	}
	if err := d.sessions.Add(sess); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionLoadError,
			protocol.CodeInternalError, "Could not register session", err.Error(), nil))
		return
	}

	ready, err := d.startAgentSession(sess, payload.SessionID)
	if err != nil {
		d.sessions.Remove(sess.ID)
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionLoadError,
			protocol.CodeSessionNotFound, "Could not load agent session", err.Error(),
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}

	reply, err := protocol.NewMessage(protocol.TypeSessionLoadSuccess, ready)
	if err != nil {
		return
	}
	if err := d.sendTo(connectionID, reply); err != nil {
		d.teardownSession(sess.ID, errors.New("connection closed"), true)
	}
}

// startAgentSession spawns a process for the session, runs the initialize
// handshake, and creates (loadID == "") or loads (loadID set) the agent
// session. When the agent names a different session id, every table is
// rekeyed before any client-visible traffic can use the new id.
func (d *Dispatcher) startAgentSession(sess *Session, loadID string) (*protocol.SessionReadyPayload, error) {
	id := sess.ID
	if err := d.sup.Spawn(id, sess.Cwd, sess.Model); err != nil {
		return nil, err
	}

	d.sup.RegisterHandler(id, d.corr.HandleMessage)
	d.sup.SetHooks(id, agent.Hooks{
		OnStderr: d.onAgentStderr,
		OnExit:   d.onAgentExit,
	})
	d.corr.RegisterHandler(id, d.agentHandlerFor(id))

	ctx := context.Background()

	initRaw, err := d.corr.Call(ctx, id, agent.MethodInitialize, agent.InitializeParams{
		ProtocolVersion:    agent.ProtocolVersion,
		ClientCapabilities: agent.ClientCapabilities{},
		ClientInfo:         agent.ClientInfo{Name: "acpgate", Version: "1.0"},
	})
	if err != nil {
		d.abortAgentSession(id)
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var initRes agent.InitializeResult
	if err := json.Unmarshal(initRaw, &initRes); err != nil {
		d.abortAgentSession(id)
		return nil, fmt.Errorf("initialize result: %w", err)
	}
	sess.AuthMethods = initRes.AuthMethods

	var raw json.RawMessage
	if loadID == "" {
		raw, err = d.corr.Call(ctx, id, agent.MethodSessionNew, agent.SessionNewParams{
			Cwd:        sess.Cwd,
			MCPServers: []agent.MCPServer{},
			Model:      sess.Model,
		})
	} else {
		raw, err = d.corr.Call(ctx, id, agent.MethodSessionLoad, agent.SessionLoadParams{
			SessionID:  loadID,
			Cwd:        sess.Cwd,
			MCPServers: []agent.MCPServer{},
		})
	}
	if err != nil {
		d.abortAgentSession(id)
		return nil, fmt.Errorf("agent session: %w", err)
	}

	var res agent.SessionNewResult
	if err := json.Unmarshal(raw, &res); err != nil {
		d.abortAgentSession(id)
		return nil, fmt.Errorf("agent session result: %w", err)
	}

	if res.SessionID != "" && res.SessionID != id {
		if err := d.migrateSession(id, res.SessionID); err != nil {
			d.abortAgentSession(id)
			return nil, err
		}
		id = res.SessionID
	}

	sess.Models = res.Models
	sess.Modes = res.Modes
	sess.State = StateReady
	d.sup.SetStatus(id, agent.StatusReady)

	d.log.Info("agent session ready", "session_id", id, "cwd", sess.Cwd, "model", sess.Model)
	return d.readyPayload(sess), nil
}

// migrateSession atomically rekeys every table from the tentative id to the
// agent-assigned one. The correlator handler is re-registered with a closure
// capturing the new id so later agent traffic resolves the right session.
func (d *Dispatcher) migrateSession(oldID, newID string) error {
	if err := d.sessions.Migrate(oldID, newID); err != nil {
		return err
	}

	// The new-id handler must exist before the supervisor re-keys its line
	// reader: a line the agent emits right after session/new would otherwise
	// route under the new id and find nobody. The old registration stays in
	// place until the reader has switched over, so lines find a handler
	// under either id throughout.
	d.corr.RegisterHandler(newID, d.agentHandlerFor(newID))
	d.pending.migrate(oldID, newID)

	if err := d.sup.Migrate(oldID, newID); err != nil {
		// Roll the tables back so teardown by the old id still works.
		d.corr.UnregisterHandler(newID)
		d.pending.migrate(newID, oldID)
		_ = d.sessions.Migrate(newID, oldID)
		return err
	}

	// Lines now arrive under the new id only; retire the old registration
	// and re-key in-flight correlator entries.
	d.corr.Migrate(oldID, newID)

	d.permMu.Lock()
	for key, raw := range d.permIDs {
		if strings.HasPrefix(key, oldID+"/") {
			delete(d.permIDs, key)
			d.permIDs[newID+"/"+strings.TrimPrefix(key, oldID+"/")] = raw
		}
	}
	d.permMu.Unlock()

	d.log.Debug("session migrated", "old_session_id", oldID, "new_session_id", newID)
	return nil
}

// abortAgentSession tears down a half-initialized process. The error reply
// goes out only after the process is gone.
func (d *Dispatcher) abortAgentSession(id string) {
	d.corr.FailSession(id, errors.New("session setup failed"))
	d.corr.UnregisterHandler(id)
	d.sup.Kill(id)
}

func (d *Dispatcher) readyPayload(sess *Session) *protocol.SessionReadyPayload {
	models := []string{}
	current := sess.Model
	if sess.Models != nil {
		for _, m := range sess.Models.AvailableModels {
			models = append(models, m.ModelID)
		}
		if sess.Models.CurrentModelID != "" {
			current = sess.Models.CurrentModelID
		}
	}
	if len(models) == 0 && current != "" {
		models = []string{current}
	}

	modes := protocol.ModesPayload{
		CurrentModeID: "build",
		AvailableModes: []protocol.Mode{
			{ID: "ask", Name: "Ask"},
			{ID: "build", Name: "Build"},
		},
	}
	if sess.Modes != nil {
		modes.CurrentModeID = sess.Modes.CurrentModeID
		modes.AvailableModes = make([]protocol.Mode, 0, len(sess.Modes.AvailableModes))
		for _, m := range sess.Modes.AvailableModes {
			modes.AvailableModes = append(modes.AvailableModes, protocol.Mode{ID: m.ID, Name: m.Name})
		}
	}

	return &protocol.SessionReadyPayload{
		SessionID:       sess.ID,
		AvailableModels: models,
		CurrentModel:    current,
		Modes:           modes,
	}
}

func (d *Dispatcher) handleSessionClose(connectionID string, env *protocol.Envelope) {
	var payload protocol.SessionRefPayload
	_ = json.Unmarshal(env.Payload, &payload)

	sess := d.sessions.Get(payload.SessionID)
	if sess != nil && sess.ConnectionID != connectionID {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSessionCloseError,
			protocol.CodeUnauthorized, "Session belongs to another connection", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}

	// Closing an unknown session is a success: the desired state holds.
	if sess != nil {
		d.teardownSession(sess.ID, errors.New("closed by client"), true)
	}

	reply, err := protocol.NewMessage(protocol.TypeSessionCloseSuccess,
		protocol.SessionRefPayload{SessionID: payload.SessionID})
	if err == nil {
		d.sendTo(connectionID, reply)
	}
}

// handlePromptSend validates ownership, acknowledges at once, and writes the
// prompt to the agent without waiting for a reply. The client correlates the
// later stream by the request id, which is the envelope id of this request.
func (d *Dispatcher) handlePromptSend(connectionID string, env *protocol.Envelope) {
	var payload protocol.PromptSendPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptSendError,
			protocol.CodeInvalidParams, "Invalid prompt payload", err.Error(), nil))
		return
	}
	if err := validation.ValidateSessionID(payload.SessionID); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptSendError,
			protocol.CodeInvalidParams, "Invalid session id", err.Error(), nil))
		return
	}

	sess := d.sessions.Get(payload.SessionID)
	if sess == nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptSendError,
			protocol.CodeSessionNotFound, "Session not found", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}
	if sess.ConnectionID != connectionID {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptSendError,
			protocol.CodeUnauthorized, "Session belongs to another connection", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}

	requestID := env.ID
	d.pending.push(sess.ID, requestID)

	accepted, err := protocol.NewMessage(protocol.TypePromptSendSuccess,
		protocol.PromptAcceptedPayload{RequestID: requestID, Status: "accepted"})
	if err == nil {
		d.sendTo(connectionID, accepted)
	}

	prompt := make([]agent.ContentBlock, 0, len(payload.Content))
	for _, block := range payload.Content {
		prompt = append(prompt, agent.ContentBlock{Type: block.Type, Text: block.Text})
	}

	// Fire-and-forget: no pending entry, no timeout. The turn finishes
	// through session/update notifications and the agent's response, which
	// the correlator re-shapes into a synthetic session/prompt notification.
	// A turn may legitimately outlast any request timeout; bounding it is
	// the client's job.
	if err := d.corr.Fire(sess.ID, agent.MethodSessionPrompt, agent.SessionPromptParams{
		SessionID: sess.ID,
		Prompt:    prompt,
		AgentMode: payload.AgentMode,
	}); err != nil {
		d.pending.remove(sess.ID, requestID)
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptError,
			protocol.CodePromptFailed, "Could not reach the agent process", err.Error(),
			protocol.ErrorScopePayload{SessionID: sess.ID, RequestID: requestID}))
		return
	}

	ctx := logger.WithRequestID(logger.WithSessionID(context.Background(), sess.ID), requestID)
	logger.DebugContext(ctx, "prompt dispatched to agent", "blocks", len(prompt))
}

// sendPromptComplete emits acp:prompt:complete from a raw prompt result.
// Missing fields get defaults: empty content, end_turn stop reason.
func (d *Dispatcher) sendPromptComplete(sess *Session, requestID string, raw json.RawMessage) {
	var result protocol.PromptResult
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &result)
	}
	if result.Content == nil {
		result.Content = []map[string]any{}
	}
	if result.StopReason == "" {
		result.StopReason = "end_turn"
	}

	env, err := protocol.NewMessage(protocol.TypePromptComplete, protocol.PromptCompletePayload{
		SessionID: sess.ID,
		RequestID: requestID,
		Result:    result,
	})
	if err != nil {
		return
	}
	d.sendTo(sess.ConnectionID, env)
}

func (d *Dispatcher) handlePromptCancel(connectionID string, env *protocol.Envelope) {
	var payload protocol.PromptCancelPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptCancelError,
			protocol.CodeInvalidParams, "Invalid cancel payload", err.Error(), nil))
		return
	}

	sess := d.sessions.Get(payload.SessionID)
	if sess == nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptCancelError,
			protocol.CodeSessionNotFound, "Session not found", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}
	if sess.ConnectionID != connectionID {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptCancelError,
			protocol.CodeUnauthorized, "Session belongs to another connection", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}

	if err := d.corr.Notify(sess.ID, agent.MethodSessionCancel,
		agent.SessionCancelParams{SessionID: sess.ID}); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypePromptCancelError,
			protocol.CodeInternalError, "Could not cancel", err.Error(),
			protocol.SessionRefPayload{SessionID: sess.ID}))
		return
	}

	// The running turn resolves through the agent's prompt response, with
	// a cancelled stop reason. This only acknowledges the cancel request.
	reply, err := protocol.NewMessage(protocol.TypePromptCancelSuccess,
		protocol.SessionRefPayload{SessionID: sess.ID})
	if err == nil {
		d.sendTo(connectionID, reply)
	}
}

func (d *Dispatcher) handlePermissionResponse(connectionID string, env *protocol.Envelope) {
	var payload protocol.PermissionResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSystemError,
			protocol.CodeInvalidParams, "Invalid permission response", err.Error(), nil))
		return
	}

	sess := d.sessions.Get(payload.SessionID)
	if sess == nil {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSystemError,
			protocol.CodeSessionNotFound, "Session not found", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}
	if sess.ConnectionID != connectionID {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSystemError,
			protocol.CodeUnauthorized, "Session belongs to another connection", "",
			protocol.SessionRefPayload{SessionID: payload.SessionID}))
		return
	}

	d.permMu.Lock()
	rawID, ok := d.permIDs[sess.ID+"/"+payload.RequestID]
	if ok {
		delete(d.permIDs, sess.ID+"/"+payload.RequestID)
	}
	d.permMu.Unlock()
	if !ok {
		d.sendTo(connectionID, protocol.NewErrorMessage(protocol.TypeSystemError,
			protocol.CodeInvalidParams, "Unknown permission request", payload.RequestID, nil))
		return
	}

	outcome := map[string]any{"outcome": payload.Outcome.Outcome}
	if payload.Outcome.OptionID != "" {
		outcome["optionId"] = payload.Outcome.OptionID
	}
	if err := d.corr.Respond(sess.ID, rawID, map[string]any{"outcome": outcome}); err != nil {
		d.log.Warn("could not deliver permission response",
			"session_id", sess.ID, "request_id", payload.RequestID, "error", err)
	}
}

// agentHandlerFor builds the correlator handler for one session id. After a
// migration a new closure is registered so the captured id is always the
// session's current one.
func (d *Dispatcher) agentHandlerFor(sessionID string) agent.NotificationHandler {
	return func(method string, id json.RawMessage, params json.RawMessage) {
		switch method {
		case agent.MethodSessionUpdate:
			d.onSessionUpdate(sessionID, params)
		case agent.MethodRequestPermission:
			d.onPermissionRequest(sessionID, id, params)
		case agent.MethodSessionPrompt:
			// The final result of a fired prompt turn, re-shaped by the
			// correlator. Complete the oldest outstanding request.
			d.onPromptResult(sessionID, params)
		default:
			d.log.Debug("ignoring agent method", "session_id", sessionID, "method", method)
		}
	}
}

func (d *Dispatcher) onSessionUpdate(sessionID string, params json.RawMessage) {
	sess := d.sessions.Get(sessionID)
	if sess == nil {
		return
	}

	var update agent.SessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		d.log.Warn("bad session/update params", "session_id", sessionID, "error", err)
		return
	}

	requestID, _ := d.pending.peek(sess.ID)
	env, err := protocol.NewMessage(protocol.TypePromptUpdate, protocol.PromptUpdatePayload{
		SessionID: sess.ID,
		RequestID: requestID,
		Update:    TranslateUpdate(update.Update),
	})
	if err != nil {
		return
	}
	d.sendTo(sess.ConnectionID, env)
}

func (d *Dispatcher) onPermissionRequest(sessionID string, id json.RawMessage, params json.RawMessage) {
	sess := d.sessions.Get(sessionID)
	if sess == nil {
		return
	}

	var req agent.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		d.log.Warn("bad permission request params", "session_id", sessionID, "error", err)
		return
	}

	requestID := strings.Trim(string(id), `"`)
	d.permMu.Lock()
	d.permIDs[sess.ID+"/"+requestID] = id
	d.permMu.Unlock()

	options := req.Options
	if len(options) == 0 {
		options = []map[string]any{
			{"optionId": "allow_once", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject_once", "name": "Reject", "kind": "reject_once"},
		}
	}
	toolCall := req.ToolCall
	if toolCall == nil {
		toolCall = map[string]any{}
	}

	env, err := protocol.NewMessage(protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
		SessionID: sess.ID,
		RequestID: requestID,
		ToolCall:  toolCall,
		Options:   options,
	})
	if err != nil {
		return
	}
	d.sendTo(sess.ConnectionID, env)
}

func (d *Dispatcher) onPromptResult(sessionID string, params json.RawMessage) {
	sess := d.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	ref, ok := d.pending.pop(sess.ID)
	if !ok {
		d.log.Debug("prompt result with no outstanding request", "session_id", sess.ID)
		return
	}
	metrics.PromptTurnDuration.Observe(time.Since(ref.CreatedAt).Seconds())
	d.sendPromptComplete(sess, ref.RequestID, params)
}

// onAgentStderr promotes a recognized provider failure to a session-scoped
// error envelope.
func (d *Dispatcher) onAgentStderr(sessionID string, match agent.StderrMatch) {
	sess := d.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	d.sendTo(sess.ConnectionID, protocol.NewErrorMessage(protocol.TypeSessionError,
		protocol.CodeAPIError, match.Message, match.Raw,
		protocol.SessionRefPayload{SessionID: sess.ID}))
}

// onAgentExit handles a process death. A session still in the table did not
// ask to close, so the client is told and the session is torn down.
func (d *Dispatcher) onAgentExit(sessionID string, exitCode int, clean bool) {
	sess := d.sessions.Get(sessionID)
	if sess == nil {
		return
	}

	ctx := logger.WithSessionID(context.Background(), sess.ID)
	logger.WarnContext(ctx, "agent process died under a live session",
		"exit_code", exitCode, "clean", clean)

	// A negative exit code means the process died on a signal.
	message := "Process terminated unexpectedly"
	if exitCode >= 0 {
		message = fmt.Sprintf("Process exited with code %d", exitCode)
	}
	d.sendTo(sess.ConnectionID, protocol.NewErrorMessage(protocol.TypeSessionError,
		protocol.CodeProcessExited, message,
		fmt.Sprintf("exit code %d", exitCode),
		protocol.SessionRefPayload{SessionID: sess.ID}))

	d.teardownSession(sess.ID, errors.New("agent process exited"), false)
}

// teardownSession removes a session and rejects everything pending on it.
// kill controls whether the process is signaled; a reaped process needs no
// signal. Kill blocks until the process has been reaped, so callers that
// must acknowledge only after the reap just call and then reply.
func (d *Dispatcher) teardownSession(sessionID string, reason error, kill bool) {
	sess := d.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	sess.State = StateClosed

	d.sessions.Remove(sessionID)
	d.pending.clear(sessionID)
	d.corr.FailSession(sessionID, reason)
	d.corr.UnregisterHandler(sessionID)

	d.permMu.Lock()
	for key := range d.permIDs {
		if strings.HasPrefix(key, sessionID+"/") {
			delete(d.permIDs, key)
		}
	}
	d.permMu.Unlock()

	if kill {
		d.sup.Kill(sessionID)
	}
}

func (d *Dispatcher) sendTo(connectionID string, env *protocol.Envelope) error {
	if err := d.sender.Send(connectionID, env); err != nil {
		d.log.Debug("send failed", "connection_id", connectionID, "type", env.Type, "error", err)
		return err
	}
	return nil
}
