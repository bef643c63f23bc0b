package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/acpgate/internal/agent"
	"github.com/HyphaGroup/acpgate/internal/protocol"
)

// fakeSender records envelopes per connection.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]*protocol.Envelope)}
}

func (f *fakeSender) Send(connectionID string, env *protocol.Envelope) error {
	f.mu.Lock()
	f.sent[connectionID] = append(f.sent[connectionID], env)
	f.mu.Unlock()
	return nil
}

// hasType reports whether the connection has already received an envelope
// of the given type.
func (f *fakeSender) hasType(connectionID string, typ protocol.MessageType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.sent[connectionID] {
		if env.Type == typ {
			return true
		}
	}
	return false
}

// waitForType blocks until the connection has received an envelope of the
// given type, returning it.
func (f *fakeSender) waitForType(t *testing.T, connectionID string, typ protocol.MessageType) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, env := range f.sent[connectionID] {
			if env.Type == typ {
				f.mu.Unlock()
				return env
			}
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s envelope arrived on %s", typ, connectionID)
	return nil
}

// fakeSupervisor records process lifecycle calls.
type fakeSupervisor struct {
	mu       sync.Mutex
	spawned  []string
	hooks    map[string]agent.Hooks
	killed   []string
	migrated [][2]string

	// killGate, when set, stalls Kill until the channel closes; killStarted
	// reports the session id as soon as Kill is entered.
	killGate    chan struct{}
	killStarted chan string

	// migrateHook runs inside Migrate before the re-key, standing in for
	// agent output racing the rename.
	migrateHook func(oldID, newID string)
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{hooks: make(map[string]agent.Hooks)}
}

func (f *fakeSupervisor) Spawn(sessionID, cwd, model string) error {
	f.mu.Lock()
	f.spawned = append(f.spawned, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) SetHooks(sessionID string, hooks agent.Hooks) {
	f.mu.Lock()
	f.hooks[sessionID] = hooks
	f.mu.Unlock()
}

func (f *fakeSupervisor) RegisterHandler(string, agent.MessageHandler) {}
func (f *fakeSupervisor) SetStatus(string, agent.Status)              {}

func (f *fakeSupervisor) Migrate(oldID, newID string) error {
	f.mu.Lock()
	hook := f.migrateHook
	f.mu.Unlock()
	if hook != nil {
		hook(oldID, newID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.migrated = append(f.migrated, [2]string{oldID, newID})
	if h, ok := f.hooks[oldID]; ok {
		delete(f.hooks, oldID)
		f.hooks[newID] = h
	}
	return nil
}

func (f *fakeSupervisor) Kill(sessionID string) {
	f.mu.Lock()
	gate := f.killGate
	started := f.killStarted
	f.mu.Unlock()
	if started != nil {
		started <- sessionID
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.killed = append(f.killed, sessionID)
	f.mu.Unlock()
}

func (f *fakeSupervisor) killedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

// fakeCorrelator scripts agent responses per method. Prompt turns must go
// out through Fire, so Call has no session/prompt script: a dispatcher that
// wrongly awaits a prompt fails with an unscripted-method error.
type fakeCorrelator struct {
	mu        sync.Mutex
	responses map[string]func(sessionID string, params any) (json.RawMessage, error)
	handlers  map[string]agent.NotificationHandler
	fired     []string
	fireErr   error
	notified  []string
	responded []json.RawMessage
	failed    map[string]error
}

func newFakeCorrelator() *fakeCorrelator {
	f := &fakeCorrelator{
		responses: make(map[string]func(string, any) (json.RawMessage, error)),
		handlers:  make(map[string]agent.NotificationHandler),
		failed:    make(map[string]error),
	}
	f.responses[agent.MethodInitialize] = func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"protocolVersion":1,"authMethods":[]}`), nil
	}
	f.responses[agent.MethodSessionNew] = func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"sessionId":"agent-sess-1"}`), nil
	}
	f.responses[agent.MethodSessionLoad] = func(_ string, params any) (json.RawMessage, error) {
		p := params.(agent.SessionLoadParams)
		return json.RawMessage(`{"sessionId":"` + p.SessionID + `"}`), nil
	}
	return f
}

func (f *fakeCorrelator) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.responses[method]
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unscripted method " + method)
	}
	return fn(sessionID, params)
}

func (f *fakeCorrelator) Fire(sessionID, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fireErr != nil {
		return f.fireErr
	}
	f.fired = append(f.fired, method)
	return nil
}

func (f *fakeCorrelator) firedMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func (f *fakeCorrelator) Notify(sessionID, method string, params any) error {
	f.mu.Lock()
	f.notified = append(f.notified, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeCorrelator) Respond(sessionID string, id json.RawMessage, result any) error {
	f.mu.Lock()
	f.responded = append(f.responded, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeCorrelator) RegisterHandler(sessionID string, h agent.NotificationHandler) {
	f.mu.Lock()
	f.handlers[sessionID] = h
	f.mu.Unlock()
}

func (f *fakeCorrelator) UnregisterHandler(sessionID string) {
	f.mu.Lock()
	delete(f.handlers, sessionID)
	f.mu.Unlock()
}

func (f *fakeCorrelator) Migrate(oldID, newID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handlers[oldID]; ok {
		delete(f.handlers, oldID)
		if _, exists := f.handlers[newID]; !exists {
			f.handlers[newID] = h
		}
	}
}

func (f *fakeCorrelator) FailSession(sessionID string, reason error) {
	f.mu.Lock()
	f.failed[sessionID] = reason
	f.mu.Unlock()
}

func (f *fakeCorrelator) HandleMessage(string, *agent.Message) {}

func (f *fakeCorrelator) handlerFor(sessionID string) agent.NotificationHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[sessionID]
}

func newTestDispatcher() (*Dispatcher, *fakeSender, *fakeSupervisor, *fakeCorrelator) {
	sender := newFakeSender()
	sup := newFakeSupervisor()
	corr := newFakeCorrelator()
	return New(sender, sup, corr, "/work"), sender, sup, corr
}

func createSession(t *testing.T, d *Dispatcher, sender *fakeSender, connID string) string {
	t.Helper()
	env, _ := protocol.NewMessage(protocol.TypeSessionCreateRequest, protocol.SessionCreatePayload{Cwd: "/tmp/project"})
	d.HandleEnvelope(connID, "demo", env)

	reply := sender.waitForType(t, connID, protocol.TypeSessionCreateSuccess)
	var ready protocol.SessionReadyPayload
	if err := json.Unmarshal(reply.Payload, &ready); err != nil {
		t.Fatalf("unmarshal ready payload: %v", err)
	}
	return ready.SessionID
}

func TestSessionCreateMigratesToAgentID(t *testing.T) {
	d, sender, sup, corr := newTestDispatcher()

	sid := createSession(t, d, sender, "conn-1")
	if sid != "agent-sess-1" {
		t.Fatalf("sessionId = %q, want the agent-assigned agent-sess-1", sid)
	}

	sess := d.Sessions().Get("agent-sess-1")
	if sess == nil {
		t.Fatal("session not found under agent id")
	}
	if sess.ConnectionID != "conn-1" || sess.State != StateReady {
		t.Errorf("session = %+v", sess)
	}

	sup.mu.Lock()
	tentative := sup.spawned[0]
	migrations := len(sup.migrated)
	sup.mu.Unlock()
	if d.Sessions().Get(tentative) != nil {
		t.Error("tentative id still in the table after migration")
	}
	if migrations != 1 {
		t.Errorf("supervisor migrations = %d, want 1", migrations)
	}
	if corr.handlerFor("agent-sess-1") == nil {
		t.Error("no correlator handler under the agent id")
	}
}

func TestSessionCreateDefaultModes(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()

	env, _ := protocol.NewMessage(protocol.TypeSessionCreateRequest, nil)
	d.HandleEnvelope("conn-1", "demo", env)

	reply := sender.waitForType(t, "conn-1", protocol.TypeSessionCreateSuccess)
	var ready protocol.SessionReadyPayload
	_ = json.Unmarshal(reply.Payload, &ready)

	if ready.Modes.CurrentModeID != "build" {
		t.Errorf("currentModeId = %q, want build", ready.Modes.CurrentModeID)
	}
	if len(ready.Modes.AvailableModes) != 2 {
		t.Errorf("availableModes = %v", ready.Modes.AvailableModes)
	}
}

func TestSessionCreateFailure(t *testing.T) {
	d, sender, sup, corr := newTestDispatcher()
	corr.responses[agent.MethodSessionNew] = func(string, any) (json.RawMessage, error) {
		return nil, &agent.RPCError{Code: -32000, Message: "no credits"}
	}

	env, _ := protocol.NewMessage(protocol.TypeSessionCreateRequest, nil)
	d.HandleEnvelope("conn-1", "demo", env)

	reply := sender.waitForType(t, "conn-1", protocol.TypeSessionCreateError)
	if reply.Error == nil || reply.Error.Code != protocol.CodeSessionCreateFailed {
		t.Errorf("error = %+v, want SESSION_CREATE_FAILED", reply.Error)
	}
	if d.Sessions().Count() != 0 {
		t.Errorf("sessions = %d after failed create, want 0", d.Sessions().Count())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sup.killedSessions()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if len(sup.killedSessions()) != 1 {
		t.Error("half-initialized process not killed")
	}
}

func TestPromptTurn(t *testing.T) {
	d, sender, _, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	env, _ := protocol.NewMessage(protocol.TypePromptSendRequest, protocol.PromptSendPayload{
		SessionID: sid,
		Content:   []protocol.ContentBlock{{Type: "text", Text: "hi"}},
	})
	d.HandleEnvelope("conn-1", "demo", env)

	accepted := sender.waitForType(t, "conn-1", protocol.TypePromptSendSuccess)
	var ack protocol.PromptAcceptedPayload
	_ = json.Unmarshal(accepted.Payload, &ack)
	if ack.RequestID != env.ID {
		t.Errorf("accepted requestId = %q, want the request envelope id %q", ack.RequestID, env.ID)
	}
	if ack.Status != "accepted" {
		t.Errorf("status = %q", ack.Status)
	}

	// The prompt goes out fire-and-forget, never through the awaiting path.
	if got := corr.firedMethods(); len(got) != 1 || got[0] != agent.MethodSessionPrompt {
		t.Fatalf("fired = %v, want [session/prompt]", got)
	}

	// The agent finishes the turn; the correlator's orphan-response path
	// delivers it as a synthetic session/prompt notification.
	handler := corr.handlerFor(sid)
	handler(agent.MethodSessionPrompt, nil,
		json.RawMessage(`{"content":[{"type":"text","text":"done"}],"stopReason":"end_turn"}`))

	complete := sender.waitForType(t, "conn-1", protocol.TypePromptComplete)
	var done protocol.PromptCompletePayload
	_ = json.Unmarshal(complete.Payload, &done)
	if done.RequestID != env.ID || done.SessionID != sid {
		t.Errorf("complete payload = %+v", done)
	}
	if done.Result.StopReason != "end_turn" || len(done.Result.Content) != 1 {
		t.Errorf("result = %+v", done.Result)
	}
	if _, ok := d.pending.peek(sid); ok {
		t.Error("pending prompt survived its completion")
	}
}

func TestPromptSendFailureRemovesPending(t *testing.T) {
	d, sender, _, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	corr.mu.Lock()
	corr.fireErr = errors.New("pipe closed")
	corr.mu.Unlock()

	env, _ := protocol.NewMessage(protocol.TypePromptSendRequest, protocol.PromptSendPayload{
		SessionID: sid,
		Content:   []protocol.ContentBlock{{Type: "text", Text: "hi"}},
	})
	d.HandleEnvelope("conn-1", "demo", env)

	reply := sender.waitForType(t, "conn-1", protocol.TypePromptError)
	if reply.Error == nil || reply.Error.Code != protocol.CodePromptFailed {
		t.Errorf("error = %+v, want PROMPT_FAILED", reply.Error)
	}
	if _, ok := d.pending.peek(sid); ok {
		t.Error("pending prompt survived the failed write")
	}
}

func TestPromptSessionNotFound(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()

	env, _ := protocol.NewMessage(protocol.TypePromptSendRequest, protocol.PromptSendPayload{
		SessionID: "nope",
		Content:   []protocol.ContentBlock{{Type: "text", Text: "hi"}},
	})
	d.HandleEnvelope("conn-1", "demo", env)

	reply := sender.waitForType(t, "conn-1", protocol.TypePromptSendError)
	if reply.Error == nil || reply.Error.Code != protocol.CodeSessionNotFound {
		t.Errorf("error = %+v, want SESSION_NOT_FOUND", reply.Error)
	}
}

func TestPromptRejectsForeignConnection(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	env, _ := protocol.NewMessage(protocol.TypePromptSendRequest, protocol.PromptSendPayload{
		SessionID: sid,
		Content:   []protocol.ContentBlock{{Type: "text", Text: "hi"}},
	})
	d.HandleEnvelope("conn-2", "mallory", env)

	reply := sender.waitForType(t, "conn-2", protocol.TypePromptSendError)
	if reply.Error == nil || reply.Error.Code != protocol.CodeUnauthorized {
		t.Errorf("error = %+v, want UNAUTHORIZED", reply.Error)
	}
}

func TestSessionUpdateTranslatedAndStamped(t *testing.T) {
	d, sender, _, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	d.pending.push(sid, "req-9")

	handler := corr.handlerFor(sid)
	if handler == nil {
		t.Fatal("no handler registered")
	}
	handler(agent.MethodSessionUpdate, nil, json.RawMessage(`{
		"sessionId":"`+sid+`",
		"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"partial"}}
	}`))

	env := sender.waitForType(t, "conn-1", protocol.TypePromptUpdate)
	var payload protocol.PromptUpdatePayload
	_ = json.Unmarshal(env.Payload, &payload)
	if payload.RequestID != "req-9" {
		t.Errorf("requestId = %q, want the oldest outstanding req-9", payload.RequestID)
	}
	if payload.Update["kind"] != "agent_message_chunk" {
		t.Errorf("update = %v", payload.Update)
	}
}

func TestPermissionBridging(t *testing.T) {
	d, sender, _, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	handler := corr.handlerFor(sid)
	handler(agent.MethodRequestPermission, json.RawMessage(`7`), json.RawMessage(`{
		"sessionId":"`+sid+`",
		"toolCall":{"title":"run ls"}
	}`))

	env := sender.waitForType(t, "conn-1", protocol.TypePermissionRequest)
	var req protocol.PermissionRequestPayload
	_ = json.Unmarshal(env.Payload, &req)
	if req.RequestID != "7" {
		t.Errorf("requestId = %q, want 7", req.RequestID)
	}
	if len(req.Options) != 2 {
		t.Errorf("options = %v, want injected allow/reject defaults", req.Options)
	}

	resp, _ := protocol.NewMessage(protocol.TypePermissionResponse, protocol.PermissionResponsePayload{
		SessionID: sid,
		RequestID: "7",
		Outcome:   protocol.PermissionOutcome{Outcome: "selected", OptionID: "allow_once"},
	})
	d.HandleEnvelope("conn-1", "demo", resp)

	corr.mu.Lock()
	defer corr.mu.Unlock()
	if len(corr.responded) != 1 || string(corr.responded[0]) != "7" {
		t.Errorf("responded ids = %v, want the agent's raw id 7", corr.responded)
	}
}

func TestStderrPromotedToSessionError(t *testing.T) {
	d, sender, sup, _ := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	sup.mu.Lock()
	hooks := sup.hooks[sid]
	sup.mu.Unlock()
	hooks.OnStderr(sid, agent.StderrMatch{
		Kind:    agent.StderrRateLimit,
		Message: "Rate limit exceeded. Please try again later.",
		Raw:     "429 too many requests",
	})

	env := sender.waitForType(t, "conn-1", protocol.TypeSessionError)
	if env.Error == nil || env.Error.Code != protocol.CodeAPIError {
		t.Fatalf("error = %+v, want API_ERROR", env.Error)
	}
	var scope protocol.SessionRefPayload
	_ = json.Unmarshal(env.Payload, &scope)
	if scope.SessionID != sid {
		t.Errorf("sessionId = %q, want %q", scope.SessionID, sid)
	}
}

func TestProcessExitTearsDownSession(t *testing.T) {
	d, sender, sup, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	sup.mu.Lock()
	hooks := sup.hooks[sid]
	sup.mu.Unlock()
	hooks.OnExit(sid, 1, false)

	env := sender.waitForType(t, "conn-1", protocol.TypeSessionError)
	if env.Error == nil || env.Error.Code != protocol.CodeProcessExited {
		t.Errorf("error = %+v, want PROCESS_EXITED", env.Error)
	}
	if env.Error != nil && env.Error.Message != "Process exited with code 1" {
		t.Errorf("message = %q", env.Error.Message)
	}
	if d.Sessions().Get(sid) != nil {
		t.Error("session survived the process exit")
	}
	corr.mu.Lock()
	_, failed := corr.failed[sid]
	corr.mu.Unlock()
	if !failed {
		t.Error("pending agent requests not failed")
	}
}

func TestConnectionClosedClosesOwnedSessions(t *testing.T) {
	d, sender, sup, _ := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	d.ConnectionClosed("conn-1")

	if d.Sessions().Get(sid) != nil {
		t.Error("session survived its connection")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sup.killedSessions()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if got := sup.killedSessions(); len(got) != 1 || got[0] != sid {
		t.Errorf("killed = %v, want [%s]", got, sid)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()

	env, _ := protocol.NewMessage(protocol.TypeSessionCloseRequest,
		protocol.SessionRefPayload{SessionID: "never-existed"})
	d.HandleEnvelope("conn-1", "demo", env)

	reply := sender.waitForType(t, "conn-1", protocol.TypeSessionCloseSuccess)
	var ref protocol.SessionRefPayload
	_ = json.Unmarshal(reply.Payload, &ref)
	if ref.SessionID != "never-existed" {
		t.Errorf("sessionId = %q", ref.SessionID)
	}
}

func TestSessionCloseAcksAfterReap(t *testing.T) {
	d, sender, sup, _ := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	release := make(chan struct{})
	started := make(chan string, 1)
	sup.mu.Lock()
	sup.killGate = release
	sup.killStarted = started
	sup.mu.Unlock()

	env, _ := protocol.NewMessage(protocol.TypeSessionCloseRequest,
		protocol.SessionRefPayload{SessionID: sid})
	d.HandleEnvelope("conn-1", "demo", env)

	select {
	case got := <-started:
		if got != sid {
			t.Fatalf("kill started for %q, want %q", got, sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kill never started")
	}

	// The process has not been reaped yet, so the acknowledgement must not
	// have gone out.
	time.Sleep(20 * time.Millisecond)
	if sender.hasType("conn-1", protocol.TypeSessionCloseSuccess) {
		t.Fatal("close acknowledged before the process was reaped")
	}

	close(release)
	sender.waitForType(t, "conn-1", protocol.TypeSessionCloseSuccess)
	if got := sup.killedSessions(); len(got) != 1 || got[0] != sid {
		t.Errorf("killed = %v, want [%s]", got, sid)
	}
}

func TestMigrationRoutesLinesDuringRename(t *testing.T) {
	sender := newFakeSender()
	sup := newFakeSupervisor()
	corr := newFakeCorrelator()

	// Stand in for a line the agent emits while the rename is in progress:
	// by the time the supervisor re-keys its reader, a handler must already
	// be listening under the new id.
	sup.migrateHook = func(oldID, newID string) {
		h := corr.handlerFor(newID)
		if h == nil {
			t.Error("no notification handler under the new id during the rename")
			return
		}
		h(agent.MethodSessionUpdate, nil, json.RawMessage(
			`{"sessionId":"`+newID+`","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"early"}}}`))
	}
	d := New(sender, sup, corr, "/work")

	sid := createSession(t, d, sender, "conn-1")

	env := sender.waitForType(t, "conn-1", protocol.TypePromptUpdate)
	var upd protocol.PromptUpdatePayload
	_ = json.Unmarshal(env.Payload, &upd)
	if upd.SessionID != sid {
		t.Errorf("update sessionId = %q, want %q", upd.SessionID, sid)
	}
	if upd.Update["kind"] != "agent_message_chunk" {
		t.Errorf("update = %v", upd.Update)
	}
}

func TestPromptCancel(t *testing.T) {
	d, sender, _, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	env, _ := protocol.NewMessage(protocol.TypePromptCancelRequest,
		protocol.PromptCancelPayload{SessionID: sid})
	d.HandleEnvelope("conn-1", "demo", env)

	sender.waitForType(t, "conn-1", protocol.TypePromptCancelSuccess)
	corr.mu.Lock()
	defer corr.mu.Unlock()
	if len(corr.notified) != 1 || corr.notified[0] != agent.MethodSessionCancel {
		t.Errorf("notified = %v, want [session/cancel]", corr.notified)
	}
}

func TestClientMayNotSendServerTypes(t *testing.T) {
	d, sender, _, _ := newTestDispatcher()

	env, _ := protocol.NewMessage(protocol.TypePromptComplete, nil)
	d.HandleEnvelope("conn-1", "demo", env)

	reply := sender.waitForType(t, "conn-1", protocol.TypeSystemError)
	if reply.Error == nil || reply.Error.Code != protocol.CodeInvalidMessage {
		t.Errorf("error = %+v, want INVALID_MESSAGE", reply.Error)
	}
}

func TestPromptResultCompletesOldestRequest(t *testing.T) {
	d, sender, _, corr := newTestDispatcher()
	sid := createSession(t, d, sender, "conn-1")

	d.pending.push(sid, "req-1")
	d.pending.push(sid, "req-2")

	handler := corr.handlerFor(sid)
	handler(agent.MethodSessionPrompt, nil, json.RawMessage(`{"content":[],"stopReason":"unknown"}`))

	env := sender.waitForType(t, "conn-1", protocol.TypePromptComplete)
	var done protocol.PromptCompletePayload
	_ = json.Unmarshal(env.Payload, &done)
	if done.RequestID != "req-1" {
		t.Errorf("requestId = %q, want the oldest req-1", done.RequestID)
	}
	if done.Result.StopReason != "unknown" {
		t.Errorf("stopReason = %q", done.Result.StopReason)
	}
	if got, _ := d.pending.peek(sid); got != "req-2" {
		t.Errorf("remaining pending = %q, want req-2", got)
	}
}
