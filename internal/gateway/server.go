package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/acpgate/internal/logger"
	"github.com/HyphaGroup/acpgate/internal/metrics"
	"github.com/HyphaGroup/acpgate/internal/protocol"
	"github.com/HyphaGroup/acpgate/internal/validation"
)

// GatewayProtocolVersion is reported to clients on connect.
const GatewayProtocolVersion = "1.0"

// maxMessageSize bounds a single inbound client frame.
const maxMessageSize = 1024 * 1024

// Dispatcher receives validated envelopes and connection lifecycle events.
// The dispatch package implements it; replies travel back through the
// connection registry.
type Dispatcher interface {
	HandleEnvelope(connectionID, principal string, env *protocol.Envelope)
	ConnectionClosed(connectionID string)
}

// TokenVerifier checks a client token and returns the principal it names.
// The auth service implements it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Server is the WebSocket endpoint. It authenticates upgrades, validates
// inbound envelopes, answers heartbeats, and forwards the rest.
type Server struct {
	registry   *Registry
	dispatcher Dispatcher
	verifier   TokenVerifier
	schemas    *protocol.Registry
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewServer creates the WebSocket server. corsOrigin, when non-empty,
// restricts which browser origins may connect.
func NewServer(registry *Registry, dispatcher Dispatcher, verifier TokenVerifier, corsOrigin string) *Server {
	return &Server{
		registry:   registry,
		dispatcher: dispatcher,
		verifier:   verifier,
		schemas:    protocol.DefaultRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "" || corsOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == corsOrigin
			},
		},
		log: logger.Component("gateway"),
	}
}

// HandleWS serves GET /ws. Authentication failures complete the upgrade and
// then close with policy violation (1008) so browser clients can read the
// reason.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if token == "" {
		metrics.AuthFailures.WithLabelValues("ws").Inc()
		closePolicyViolation(ws, "Authentication required")
		return
	}

	principal, err := s.verifier.Verify(token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("ws").Inc()
		s.log.Debug("ws token rejected", "error", err, "remote", r.RemoteAddr)
		closePolicyViolation(ws, "Invalid token")
		return
	}

	conn := newConnection(ws, principal)
	s.registry.add(conn)
	metrics.ConnectionsActive.Inc()
	s.log.Info("client connected", "connection_id", conn.ID, "principal", principal)

	go conn.writePump()

	established, err := protocol.NewMessage(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedPayload{
		ConnectionID:    conn.ID,
		ProtocolVersion: GatewayProtocolVersion,
	})
	if err == nil {
		_ = conn.Send(established)
	}

	s.readLoop(conn)

	conn.close()
	s.registry.remove(conn.ID)
	metrics.ConnectionsActive.Dec()
	s.dispatcher.ConnectionClosed(conn.ID)
	s.log.Info("client disconnected", "connection_id", conn.ID)
}

func closePolicyViolation(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	ws.Close()
}

// readLoop consumes frames until the socket dies. Malformed traffic is
// answered with an error envelope; it never closes the connection.
func (s *Server) readLoop(conn *Connection) {
	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read error", "connection_id", conn.ID, "error", err)
			}
			return
		}
		conn.alive.Store(true)

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(conn, protocol.TypeSystemError, protocol.CodeInvalidMessage,
				"Message is not valid JSON", err.Error())
			continue
		}
		if env.Type == "" {
			s.sendError(conn, protocol.TypeSystemError, protocol.CodeInvalidMessage,
				"Message has no type", "")
			continue
		}

		if !s.schemas.Known(env.Type) {
			s.sendError(conn, protocol.TypeSystemError, protocol.CodeUnknownType,
				"Unknown message type", string(env.Type))
			continue
		}

		// Counted only after the type check, so the label set stays within
		// the closed vocabulary no matter what clients send.
		metrics.RecordEnvelopeIn(string(env.Type))

		// The envelope id becomes the request id stamped on streaming
		// updates, so a missing or malformed id is rejected up front.
		if err := validation.ValidateEnvelopeID(env.ID); err != nil {
			s.sendError(conn, protocol.TypeSystemError, protocol.CodeInvalidMessage,
				"Message id must be a UUID", err.Error())
			continue
		}
		if err := validation.ValidateTimestamp(env.Timestamp); err != nil {
			s.sendError(conn, protocol.TypeSystemError, protocol.CodeInvalidMessage,
				"Message timestamp must be positive milliseconds", err.Error())
			continue
		}

		if err := s.schemas.Validate(env.Type, env.Payload); err != nil {
			s.sendError(conn, protocol.ErrorSibling(env.Type), protocol.CodeInvalidParams,
				"Invalid payload", err.Error())
			continue
		}

		if env.Type == protocol.TypeConnectionHeartbeatRequest {
			s.answerHeartbeat(conn, &env)
			continue
		}

		s.dispatcher.HandleEnvelope(conn.ID, conn.Principal, &env)
	}
}

// answerHeartbeat computes one-way latency from the client's envelope
// timestamp. Clock skew can make it negative; clamp to zero.
func (s *Server) answerHeartbeat(conn *Connection, env *protocol.Envelope) {
	latency := time.Now().UnixMilli() - env.Timestamp
	if latency < 0 {
		latency = 0
	}
	reply, err := protocol.NewMessage(protocol.TypeConnectionHeartbeatSuccess,
		protocol.HeartbeatSuccessPayload{Latency: latency})
	if err != nil {
		return
	}
	_ = conn.Send(reply)
}

func (s *Server) sendError(conn *Connection, t protocol.MessageType, code, message, details string) {
	_ = conn.Send(protocol.NewErrorMessage(t, code, message, details, nil))
}
