package transport_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/transport"
)

type recordingSender struct {
	frames [][]byte
}

func (s *recordingSender) SendFrame(frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func TestHTTPRelayClientDeliversFrameToPeerRouter(t *testing.T) {
	router := transport.NewRouter(nil)
	sender := &recordingSender{}
	router.Register("device-b", sender)

	server := httptest.NewServer(transport.NewRelayServer(router).Handler())
	defer server.Close()

	client := transport.NewHTTPRelayClient(server.URL)
	require.NoError(t, client.RouteMessage("device-b", []byte("frame-data")))
	require.Equal(t, [][]byte{[]byte("frame-data")}, sender.frames)
}

func TestHTTPRelayClientReturnsErrorForUnknownDevice(t *testing.T) {
	router := transport.NewRouter(nil)
	server := httptest.NewServer(transport.NewRelayServer(router).Handler())
	defer server.Close()

	client := transport.NewHTTPRelayClient(server.URL)
	require.Error(t, client.RouteMessage("unknown-device", []byte("frame-data")))
}
