package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aegismesh/aegis/pkg/crypto"
	"github.com/aegismesh/aegis/pkg/envelope"
)

// ErrConnectionClosed is returned by Connection operations once the
// underlying socket has closed.
var ErrConnectionClosed = errors.New("transport: connection closed")

// ErrResponseTimeout is returned when a business request receives no
// response within its deadline.
var ErrResponseTimeout = errors.New("transport: response timeout")

// ReconnectPolicy bounds the client's auto-reconnect backoff (spec §4.9:
// `min(max, initial · base^n)`, capped at MaxAttempts).
type ReconnectPolicy struct {
	Enabled     bool
	Initial     time.Duration
	Max         time.Duration
	Base        float64
	MaxAttempts int
}

// DefaultReconnectPolicy matches the spec's example bounds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Initial: time.Second, Max: 30 * time.Second, Base: 2, MaxAttempts: 10}
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Base, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// HeartbeatInterval is the fixed interval at which Connection emits
// heartbeats (spec §4.9).
const HeartbeatInterval = 15 * time.Second

// Client holds the identity and endpoint a Connection (re)dials.
type Client struct {
	URL               string
	DeviceID          string
	UserID            string
	Signer            *crypto.Ed25519Signer
	Token             string
	Reconnect         ReconnectPolicy
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	now               func() time.Time
}

// NewClient creates a Client with default reconnect and heartbeat settings.
func NewClient(url, deviceID, userID string, signer *crypto.Ed25519Signer, token string) *Client {
	return &Client{
		URL: url, DeviceID: deviceID, UserID: userID, Signer: signer, Token: token,
		Reconnect: DefaultReconnectPolicy(), HeartbeatInterval: HeartbeatInterval,
		Dialer: websocket.DefaultDialer, now: time.Now,
	}
}

// WithClock overrides the time source for deterministic testing.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Connect performs the WebSocket handshake, sends a signed
// ConnectionRequest, and awaits ConnectionResponse (spec §4.9).
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	ws, _, err := c.Dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	conn := &Connection{
		ws: ws, deviceID: c.DeviceID, userID: c.UserID, signer: c.Signer,
		now: c.now, pending: make(map[string]chan *envelope.Envelope), closed: make(chan struct{}),
	}

	reqPayload, err := json.Marshal(ConnectionRequestPayload{DeviceID: c.DeviceID, UserID: c.UserID, Token: c.Token})
	if err != nil {
		ws.Close()
		return nil, err
	}
	req := conn.buildEnvelope(envelope.TypeConnectionRequest, uuid.NewString(), "", reqPayload)
	if err := conn.writeFrame(req); err != nil {
		ws.Close()
		return nil, err
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("transport: awaiting connection response: %w", err)
	}
	resp, err := envelope.Decode(data)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if resp.MessageType == envelope.TypeError {
		ws.Close()
		var ep ErrorPayload
		_ = json.Unmarshal(resp.Payload, &ep)
		return nil, fmt.Errorf("transport: connection rejected: %s", ep.Message)
	}
	if resp.MessageType != envelope.TypeConnectionResponse {
		ws.Close()
		return nil, fmt.Errorf("transport: expected ConnectionResponse, got %d", resp.MessageType)
	}
	var cr ConnectionResponsePayload
	if err := json.Unmarshal(resp.Payload, &cr); err != nil {
		ws.Close()
		return nil, err
	}
	conn.sessionID = cr.SessionID

	go conn.readLoop()
	return conn, nil
}

// RunWithReconnect maintains a Connection for the lifetime of ctx: it
// connects, emits heartbeats on a fixed interval, and on heartbeat failure
// (or a dropped connection) re-dials under exponential backoff until
// Reconnect.MaxAttempts is exhausted, at which point it returns. onConnect
// is invoked with each freshly (re)established Connection.
func (c *Client) RunWithReconnect(ctx context.Context, onConnect func(*Connection)) error {
	attempt := 0
	for {
		conn, err := c.Connect(ctx)
		if err != nil {
			if !c.Reconnect.Enabled || attempt >= c.Reconnect.MaxAttempts {
				return err
			}
			d := c.Reconnect.delay(attempt)
			attempt++
			slog.Warn("transport: connect failed, backing off", "attempt", attempt, "delay", d, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				continue
			}
		}

		attempt = 0
		if onConnect != nil {
			onConnect(conn)
		}
		c.heartbeatUntilDisconnected(ctx, conn)

		select {
		case <-ctx.Done():
			_ = conn.Disconnect()
			return ctx.Err()
		default:
		}
		if !c.Reconnect.Enabled {
			return ErrConnectionClosed
		}
	}
}

func (c *Client) heartbeatUntilDisconnected(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.closed:
			return
		case <-ticker.C:
			if err := conn.SendHeartbeat(); err != nil {
				return
			}
		}
	}
}

// Connection is one live, authenticated WebSocket session (spec §4.9).
type Connection struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	deviceID  string
	userID    string
	signer    *crypto.Ed25519Signer
	now       func() time.Time

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// SessionID returns the session id assigned by the server on connect.
func (c *Connection) SessionID() string { return c.sessionID }

func (c *Connection) buildEnvelope(t envelope.MessageType, messageID, target string, payload []byte) *envelope.Envelope {
	nonce, _ := crypto.RandomBytes(16)
	e := &envelope.Envelope{
		MessageType:     t,
		MessageID:       messageID,
		SourceDeviceID:  c.deviceID,
		TargetDeviceID:  target,
		Payload:         payload,
		Timestamp:       c.now().Unix(),
		ProtocolVersion: ProtocolVersion,
		Nonce:           nonce,
	}
	e.Sign(c.signer)
	return e
}

func (c *Connection) writeFrame(e *envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, e.Encode())
}

func (c *Connection) readLoop() {
	defer c.markClosed()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := envelope.Decode(data)
		if err != nil {
			continue
		}
		if env.MessageType != envelope.TypeBusinessResponse && env.MessageType != envelope.TypeError {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[env.MessageID]
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Connection) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// SendBusinessRequest sends payload to targetDeviceID and blocks for its
// BusinessResponse (or Error), up to timeout.
func (c *Connection) SendBusinessRequest(targetDeviceID string, payload []byte, timeout time.Duration) (*envelope.Envelope, error) {
	messageID := uuid.NewString()
	ch := make(chan *envelope.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[messageID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, messageID)
		c.pendingMu.Unlock()
	}()

	env := c.buildEnvelope(envelope.TypeBusinessRequest, messageID, targetDeviceID, payload)
	if err := c.writeFrame(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrResponseTimeout
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

// SendHeartbeat emits a heartbeat frame; the server sends no response.
func (c *Connection) SendHeartbeat() error {
	env := c.buildEnvelope(envelope.TypeHeartbeat, uuid.NewString(), "", nil)
	return c.writeFrame(env)
}

// Disconnect sends a Disconnect frame and closes the socket.
func (c *Connection) Disconnect() error {
	env := c.buildEnvelope(envelope.TypeDisconnect, uuid.NewString(), "", nil)
	_ = c.writeFrame(env)
	c.markClosed()
	return c.ws.Close()
}
