package transport

import (
	"errors"
	"sync"
)

// ErrNoRoute is returned when a message's target device has no local
// connection and no relay could deliver it either.
var ErrNoRoute = errors.New("transport: no route to device")

// Sender delivers an already-encoded envelope frame to its destination: a
// local WebSocket connection, or (via RelayManager) a relay client.
type Sender interface {
	SendFrame(frame []byte) error
}

// Router maintains device_id → local connection and falls back to the
// relay manager when no local connection exists (spec §4.11).
type Router struct {
	mu          sync.RWMutex
	connections map[string]Sender
	relay       *RelayManager
}

// NewRouter creates a Router. relay may be nil if this node has no relay
// configured.
func NewRouter(relay *RelayManager) *Router {
	return &Router{connections: make(map[string]Sender), relay: relay}
}

// Register associates deviceID with its local connection.
func (r *Router) Register(deviceID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[deviceID] = s
}

// Unregister removes deviceID's local connection.
func (r *Router) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, deviceID)
}

// RouteMessage delivers frame to targetDeviceID: directly if a local
// connection exists, else via the relay manager, else ErrNoRoute.
func (r *Router) RouteMessage(targetDeviceID string, frame []byte) error {
	r.mu.RLock()
	conn, ok := r.connections[targetDeviceID]
	r.mu.RUnlock()

	if ok {
		return conn.SendFrame(frame)
	}
	if r.relay == nil {
		return ErrNoRoute
	}
	return r.relay.RouteMessage(targetDeviceID, frame)
}
