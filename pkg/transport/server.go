// Package transport implements the mesh's WebSocket wire transport (spec
// §4.8-4.11): a server accepting device connections and dispatching
// envelopes, a client maintaining one outbound connection with
// auto-reconnect, a per-(device,user) rate limiter and security monitor,
// and a router that delivers to a local connection or falls back to a
// relay.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aegismesh/aegis/pkg/access"
	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/crypto"
	"github.com/aegismesh/aegis/pkg/envelope"
	"github.com/aegismesh/aegis/pkg/token"
)

// SessionSweepInterval is how often the background sweeper removes expired
// sessions (spec §4.8).
const SessionSweepInterval = 60 * time.Second

// DefaultSessionTTL bounds how long a connection stays authenticated
// without being re-established.
const DefaultSessionTTL = 24 * time.Hour

// ProtocolVersion is stamped on every envelope this server originates.
const ProtocolVersion = 1

// Session tracks one authenticated connection's server-side state
// (the `Option<SessionId>` of spec §4.8, once populated).
type Session struct {
	ID            string
	DeviceID      string
	UserID        string
	ExpiresAt     time.Time
	LastHeartbeat time.Time
}

func (s *Session) expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// serverConn wraps one accepted WebSocket connection with the
// per-connection write mutex spec §4.8 requires.
type serverConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// SendFrame implements Sender.
func (c *serverConn) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Server is the mesh's WebSocket transport server: it upgrades
// connections, verifies identity/token on ConnectionRequest, dispatches
// business traffic through the router, and sweeps expired sessions
// (spec §4.8).
type Server struct {
	rootDeviceID string
	signer       *crypto.Ed25519Signer
	keyring      *crypto.KeyRing
	tokens       *token.Service
	validator    *envelope.Validator
	rateLimiter  *RateLimiter
	monitor      *SecurityMonitor
	log          audit.Log
	router       *Router
	isolator     *access.GuestIsolator

	upgrader   websocket.Upgrader
	tlsConfig  *tls.Config
	sessionTTL time.Duration
	clock      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer wires a transport server from its dependencies. rootDeviceID
// identifies this node as the SourceDeviceID of envelopes it originates
// (ConnectionResponse, BusinessResponse, Error).
func NewServer(rootDeviceID string, signer *crypto.Ed25519Signer, keyring *crypto.KeyRing, tokens *token.Service, validator *envelope.Validator, rateLimiter *RateLimiter, monitor *SecurityMonitor, log audit.Log, router *Router) *Server {
	return &Server{
		rootDeviceID: rootDeviceID,
		signer:       signer,
		keyring:      keyring,
		tokens:       tokens,
		validator:    validator,
		rateLimiter:  rateLimiter,
		monitor:      monitor,
		log:          log,
		router:       router,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		sessionTTL:   DefaultSessionTTL,
		clock:        time.Now,
		sessions:     make(map[string]*Session),
	}
}

// WithClock overrides the time source for deterministic testing.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.clock = now
	return s
}

// WithSessionTTL overrides the default session lifetime.
func (s *Server) WithSessionTTL(ttl time.Duration) *Server {
	s.sessionTTL = ttl
	return s
}

// WithGuestIsolator enables network isolation enforcement (spec §4.4) on
// business-request dispatch. Without one, isolation is not enforced —
// callers that need it (the production node entrypoint) must configure it
// explicitly.
func (s *Server) WithGuestIsolator(iso *access.GuestIsolator) *Server {
	s.isolator = iso
	return s
}

// WithTLS loads a certificate/key pair and restricts the listener to TLS
// 1.3 only, no fallback, no client certificate required (spec §4.8).
func (s *Server) WithTLS(certFile, keyFile string) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}
	return s, nil
}

// Start binds addr, optionally wraps it in TLS, and begins accepting
// WebSocket connections and sweeping expired sessions in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	httpServer := &http.Server{Handler: http.HandlerFunc(s.ServeHTTP)}
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("transport: server stopped", "err", err)
		}
	}()
	go s.sweepLoop()

	return ln.Addr(), nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(SessionSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.sweepExpiredSessions()
	}
}

func (s *Server) sweepExpiredSessions() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
			s.router.Unregister(sess.DeviceID)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs its receive loop
// until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("transport: upgrade failed", "err", err)
		return
	}
	s.handleConnection(r.Context(), ws)
}

// handleConnection is the per-connection receive loop: one goroutine per
// connection, writes serialized through serverConn's mutex (spec §4.8).
func (s *Server) handleConnection(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()
	conn := &serverConn{ws: ws}
	var sessionID, deviceID, userID string

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		env, err := envelope.Decode(data)
		if err != nil {
			continue
		}

		if verr := s.validator.Validate(env, s.keyring.Lookup); verr != nil {
			s.monitor.RecordEvent(ctx, SecurityEvent{
				Type: securityKindFor(verr), DeviceID: env.SourceDeviceID, Detail: verr.Error(), Severity: SeverityHigh,
			})
			s.sendError(conn, env, "envelope rejected")
			continue
		}

		switch env.MessageType {
		case envelope.TypeConnectionRequest:
			sessionID, deviceID, userID = s.handleConnectionRequest(ctx, conn, env)
		case envelope.TypeBusinessRequest:
			s.handleBusinessRequest(ctx, conn, env, deviceID, userID)
		case envelope.TypeHeartbeat:
			s.handleHeartbeat(sessionID)
		case envelope.TypeDisconnect:
			s.audit(ctx, audit.EventConnectionClosed, userID, "disconnect requested")
			if sessionID != "" {
				s.teardownSession(sessionID, deviceID)
			}
			return
		default:
			s.sendError(conn, env, "unknown message type")
		}
	}

	if sessionID != "" {
		s.teardownSession(sessionID, deviceID)
	}
}

func securityKindFor(err error) SecurityEventType {
	verr, ok := err.(*envelope.Error)
	if !ok {
		return SecurityInvalidSignature
	}
	switch verr.Kind {
	case envelope.KindReplayedNonce:
		return SecurityReplayDetected
	default:
		return SecurityInvalidSignature
	}
}

func (s *Server) teardownSession(sessionID, deviceID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if deviceID != "" {
		s.router.Unregister(deviceID)
	}
}

func (s *Server) handleConnectionRequest(ctx context.Context, conn *serverConn, env *envelope.Envelope) (sessionID, deviceID, userID string) {
	var payload ConnectionRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.sendError(conn, env, "malformed connection request")
		return "", "", ""
	}

	if _, err := s.tokens.Validate(payload.Token, nil); err != nil {
		s.monitor.RecordEvent(ctx, SecurityEvent{
			Type: SecurityAuthFailure, DeviceID: payload.DeviceID, UserID: payload.UserID, Detail: err.Error(), Severity: SeverityMedium,
		})
		s.audit(ctx, audit.EventAuthFailed, payload.UserID, "token validation failed")
		s.sendError(conn, env, "authentication failed")
		return "", "", ""
	}

	now := s.clock()
	expiresAt := now.Add(s.sessionTTL)
	sess := &Session{
		ID: uuid.NewString(), DeviceID: payload.DeviceID, UserID: payload.UserID,
		ExpiresAt: expiresAt, LastHeartbeat: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.router.Register(payload.DeviceID, conn)

	s.monitor.RecordEvent(ctx, SecurityEvent{Type: SecurityConnectionAccepted, DeviceID: payload.DeviceID, UserID: payload.UserID, Severity: SeverityLow})
	s.audit(ctx, audit.EventConnectionEstablished, payload.UserID, "connection established")

	respPayload, _ := json.Marshal(ConnectionResponsePayload{SessionID: sess.ID, ExpiresAt: expiresAt.Unix()})
	resp := s.buildEnvelope(envelope.TypeConnectionResponse, env.MessageID, env.SourceDeviceID, respPayload, now)
	_ = conn.SendFrame(resp.Encode())

	return sess.ID, payload.DeviceID, payload.UserID
}

func (s *Server) handleBusinessRequest(ctx context.Context, conn *serverConn, env *envelope.Envelope, deviceID, userID string) {
	if err := s.rateLimiter.Check(deviceID, userID); err != nil {
		s.monitor.RecordEvent(ctx, SecurityEvent{Type: SecurityRateLimitExceeded, DeviceID: deviceID, UserID: userID, Detail: err.Error(), Severity: SeverityHigh})
		s.sendError(conn, env, "rate limit exceeded")
		return
	}

	if s.isolator != nil && !s.isolator.CanCommunicate(deviceID, env.TargetDeviceID) {
		s.monitor.RecordEvent(ctx, SecurityEvent{
			Type: SecurityIsolationBlocked, DeviceID: deviceID, UserID: userID,
			Detail: "target " + env.TargetDeviceID + " not reachable under network isolation policy", Severity: SeverityMedium,
		})
		s.sendError(conn, env, "communication blocked by network isolation policy")
		return
	}

	s.audit(ctx, audit.EventMessageReceived, userID, "business request received")
	s.monitor.RecordEvent(ctx, SecurityEvent{Type: SecurityMessageRouted, DeviceID: deviceID, UserID: userID, Severity: SeverityLow})

	routeErr := s.router.RouteMessage(env.TargetDeviceID, env.Encode())

	now := s.clock()
	var respPayload []byte
	if routeErr != nil {
		respPayload, _ = json.Marshal(ErrorPayload{Message: routeErr.Error()})
	} else {
		respPayload, _ = json.Marshal(map[string]string{"status": "routed"})
	}
	resp := s.buildEnvelope(envelope.TypeBusinessResponse, env.MessageID, env.SourceDeviceID, respPayload, now)
	_ = conn.SendFrame(resp.Encode())
}

func (s *Server) handleHeartbeat(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastHeartbeat = s.clock()
	}
}

func (s *Server) sendError(conn *serverConn, env *envelope.Envelope, message string) {
	payload, _ := json.Marshal(ErrorPayload{Message: message})
	resp := s.buildEnvelope(envelope.TypeError, env.MessageID, env.SourceDeviceID, payload, s.clock())
	_ = conn.SendFrame(resp.Encode())
}

// buildEnvelope constructs a signed outgoing envelope. messageID is carried
// over from the triggering request so clients can correlate a response
// with the request that produced it.
func (s *Server) buildEnvelope(t envelope.MessageType, messageID, target string, payload []byte, now time.Time) *envelope.Envelope {
	nonce, _ := crypto.RandomBytes(16)
	e := &envelope.Envelope{
		MessageType:     t,
		MessageID:       messageID,
		SourceDeviceID:  s.rootDeviceID,
		TargetDeviceID:  target,
		Payload:         payload,
		Timestamp:       now.Unix(),
		ProtocolVersion: ProtocolVersion,
		Nonce:           nonce,
	}
	e.Sign(s.signer)
	return e
}

func (s *Server) audit(ctx context.Context, eventType audit.EventType, userID, detail string) {
	if s.log == nil {
		return
	}
	_, _ = s.log.Insert(ctx, eventType, userID, "", detail)
}
