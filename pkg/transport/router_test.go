package transport_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/transport"
)

type fakeSender struct {
	frames [][]byte
	err    error
}

func (s *fakeSender) SendFrame(frame []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func TestRouterDeliversToLocalConnection(t *testing.T) {
	r := transport.NewRouter(nil)
	sender := &fakeSender{}
	r.Register("device-b", sender)

	require.NoError(t, r.RouteMessage("device-b", []byte("frame")))
	require.Len(t, sender.frames, 1)
}

func TestRouterFallsBackToRelayWhenNoLocalConnection(t *testing.T) {
	relayCalled := false
	relay := relayFunc(func(target string, frame []byte) error {
		relayCalled = true
		return nil
	})
	r := transport.NewRouter(transport.NewRelayManager(relay, nil))

	require.NoError(t, r.RouteMessage("device-b", []byte("frame")))
	require.True(t, relayCalled)
}

func TestRouterReturnsNoRouteWhenNothingCanDeliver(t *testing.T) {
	r := transport.NewRouter(nil)
	err := r.RouteMessage("device-b", []byte("frame"))
	require.ErrorIs(t, err, transport.ErrNoRoute)
}

func TestRouterUnregisterStopsLocalDelivery(t *testing.T) {
	r := transport.NewRouter(nil)
	sender := &fakeSender{}
	r.Register("device-b", sender)
	r.Unregister("device-b")

	err := r.RouteMessage("device-b", []byte("frame"))
	require.ErrorIs(t, err, transport.ErrNoRoute)
}

type relayFunc func(targetDeviceID string, frame []byte) error

func (f relayFunc) RouteMessage(targetDeviceID string, frame []byte) error { return f(targetDeviceID, frame) }

var errRelayDown = errors.New("relay down")
