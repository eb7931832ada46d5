package transport

// RelayClient forwards a frame to a remote relay endpoint on behalf of a
// device this node has no direct connection to.
type RelayClient interface {
	RouteMessage(targetDeviceID string, frame []byte) error
}

// RelayManager holds at most two relay clients (primary, secondary) and
// tries them in order, first-success (spec §4.11).
type RelayManager struct {
	primary   RelayClient
	secondary RelayClient
}

// NewRelayManager creates a RelayManager. Either client may be nil.
func NewRelayManager(primary, secondary RelayClient) *RelayManager {
	return &RelayManager{primary: primary, secondary: secondary}
}

// RouteMessage is idempotent and ordered: try primary, then secondary,
// else ErrNoRoute.
func (m *RelayManager) RouteMessage(targetDeviceID string, frame []byte) error {
	if m.primary != nil {
		if err := m.primary.RouteMessage(targetDeviceID, frame); err == nil {
			return nil
		}
	}
	if m.secondary != nil {
		if err := m.secondary.RouteMessage(targetDeviceID, frame); err == nil {
			return nil
		}
	}
	return ErrNoRoute
}
