package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/acpgate/internal/logger"
	"github.com/HyphaGroup/acpgate/internal/metrics"
)

// DefaultRequestTimeout bounds how long a JSON-RPC request may stay pending.
const DefaultRequestTimeout = 30 * time.Second

// ErrRequestTimeout is returned when the agent does not answer in time. The
// pending entry is removed, so a late response is treated as unsolicited.
var ErrRequestTimeout = errors.New("agent request timed out")

// ErrSessionClosed is the resolution given to requests still pending when
// their session's process goes away.
var ErrSessionClosed = errors.New("agent session closed")

// Transport writes a message to the subprocess owning a session. The
// Supervisor satisfies it.
type Transport interface {
	Send(sessionID string, msg *Message) error
}

// NotificationHandler receives agent-initiated traffic for one session:
// notifications (id is nil) and agent-initiated requests (id set, and a
// response must eventually be sent back with Respond).
type NotificationHandler func(method string, id json.RawMessage, params json.RawMessage)

type pendingRequest struct {
	sessionID string
	method    string
	ch        chan *Message
}

// Correlator matches JSON-RPC responses from agent subprocesses to their
// pending requests and fans agent-initiated traffic out to per-session
// handlers. It is the Supervisor's message handler for every session.
type Correlator struct {
	transport Transport
	timeout   time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	handlers map[string]NotificationHandler
	nextID   atomic.Int64
	log      *slog.Logger
}

// NewCorrelator creates a correlator over the given transport. A
// non-positive timeout selects DefaultRequestTimeout.
func NewCorrelator(transport Transport, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		transport: transport,
		timeout:   timeout,
		pending:   make(map[string]*pendingRequest),
		handlers:  make(map[string]NotificationHandler),
		log:       logger.Component("correlator"),
	}
}

// RegisterHandler installs the handler for a session's agent-initiated
// traffic, replacing any previous one.
func (c *Correlator) RegisterHandler(sessionID string, h NotificationHandler) {
	c.mu.Lock()
	c.handlers[sessionID] = h
	c.mu.Unlock()
}

// UnregisterHandler removes a session's handler.
func (c *Correlator) UnregisterHandler(sessionID string) {
	c.mu.Lock()
	delete(c.handlers, sessionID)
	c.mu.Unlock()
}

// Migrate rekeys a session's handler and its in-flight requests to a new
// session id. Responses arriving after the migration resolve normally. A
// handler already registered under the new id wins; the old registration is
// removed either way, so callers can pre-register the new id and retire the
// old one here once routing has switched over.
func (c *Correlator) Migrate(oldID, newID string) {
	if oldID == newID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handlers[oldID]; ok {
		delete(c.handlers, oldID)
		if _, exists := c.handlers[newID]; !exists {
			c.handlers[newID] = h
		}
	}
	for _, p := range c.pending {
		if p.sessionID == oldID {
			p.sessionID = newID
		}
	}
}

// Call sends a request on the session's pipe and blocks until the response
// arrives, the timeout elapses, or ctx is done.
func (c *Correlator) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	key := idKey(msg.ID)
	p := &pendingRequest{sessionID: sessionID, method: method, ch: make(chan *Message, 1)}
	c.mu.Lock()
	c.pending[key] = p
	c.mu.Unlock()

	if err := c.transport.Send(sessionID, msg); err != nil {
		c.dropPending(key)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-p.ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.dropPending(key)
		metrics.CorrelatorTimeouts.Inc()
		c.log.Warn("agent request timed out",
			"session_id", sessionID, "method", method, "timeout", c.timeout)
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.dropPending(key)
		return nil, ctx.Err()
	}
}

// Fire sends a request on the session's pipe without registering a pending
// entry, so no timeout ever fires for it. The eventual response arrives with
// an id nobody is waiting for and deliverOrphanResponse re-shapes it into a
// synthetic session/prompt notification. Prompt turns are sent this way:
// their duration is bounded by the client, not by the request timeout.
func (c *Correlator) Fire(sessionID, method string, params any) error {
	id := c.nextID.Add(1)
	msg, err := newRequest(id, method, params)
	if err != nil {
		return err
	}
	return c.transport.Send(sessionID, msg)
}

// Notify sends a notification on the session's pipe. No response is expected.
func (c *Correlator) Notify(sessionID, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return c.transport.Send(sessionID, msg)
}

// Respond answers an agent-initiated request, echoing its id.
func (c *Correlator) Respond(sessionID string, id json.RawMessage, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling response result: %w", err)
	}
	return c.transport.Send(sessionID, &Message{JSONRPC: "2.0", ID: id, Result: data})
}

// FailSession resolves every pending request for a session with an error and
// removes the session's handler. Called when the process exits or is killed.
func (c *Correlator) FailSession(sessionID string, reason error) {
	if reason == nil {
		reason = ErrSessionClosed
	}

	c.mu.Lock()
	var failed []*pendingRequest
	for key, p := range c.pending {
		if p.sessionID == sessionID {
			delete(c.pending, key)
			failed = append(failed, p)
		}
	}
	delete(c.handlers, sessionID)
	c.mu.Unlock()

	for _, p := range failed {
		p.ch <- &Message{Error: &RPCError{Code: -32000, Message: reason.Error()}}
	}
}

// HandleMessage classifies one message from a subprocess. It is installed as
// the Supervisor's MessageHandler, so sessionID is always the session's
// current id.
//
// Responses matching a pending request resolve it. Responses with an unknown
// id belong to a request sent with Fire, normally a prompt turn; they are
// re-shaped into a synthetic session/prompt notification so the turn
// completes downstream. Method calls go to the session's handler.
func (c *Correlator) HandleMessage(sessionID string, msg *Message) {
	switch {
	case msg.IsResponse():
		key := idKey(msg.ID)
		c.mu.Lock()
		p, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if ok {
			p.ch <- msg
			return
		}
		c.deliverOrphanResponse(sessionID, msg)

	case msg.Method != "":
		c.mu.Lock()
		h := c.handlers[sessionID]
		c.mu.Unlock()
		if h == nil {
			c.log.Warn("no handler for agent method",
				"session_id", sessionID, "method", msg.Method)
			return
		}
		h(msg.Method, msg.ID, msg.Params)

	default:
		c.log.Warn("dropping malformed agent message", "session_id", sessionID)
	}
}

// deliverOrphanResponse turns a response with no pending entry into a
// synthetic session/prompt notification carrying the result. This is the
// normal completion path for prompt turns, which are sent with Fire.
func (c *Correlator) deliverOrphanResponse(sessionID string, msg *Message) {
	c.mu.Lock()
	h := c.handlers[sessionID]
	c.mu.Unlock()
	if h == nil {
		c.log.Warn("dropping orphan agent response", "session_id", sessionID, "id", string(msg.ID))
		return
	}

	params := msg.Result
	if len(params) == 0 || msg.Error != nil {
		params = json.RawMessage(`{"content":[],"stopReason":"unknown"}`)
	}

	c.log.Debug("re-shaping orphan response as prompt completion",
		"session_id", sessionID, "id", string(msg.ID))
	h(MethodSessionPrompt, nil, params)
}

// dropPending removes a pending entry without resolving it.
func (c *Correlator) dropPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// PendingCount reports the number of in-flight requests, for tests and
// introspection.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
