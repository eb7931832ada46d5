package transport_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/crypto"
	"github.com/aegismesh/aegis/pkg/envelope"
	"github.com/aegismesh/aegis/pkg/token"
	"github.com/aegismesh/aegis/pkg/transport"
)

type testServer struct {
	ts       *httptest.Server
	wsURL    string
	rootSign *crypto.Ed25519Signer
	keyring  *crypto.KeyRing
	tokens   *token.Service
	log      audit.Log
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rootSigner, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	keyring := crypto.NewKeyRing()
	tokens := token.NewService(rootSigner)
	log := audit.NewMemoryLog()
	validator := envelope.NewValidator(envelope.NewReplayWindow(time.Minute))
	router := transport.NewRouter(nil)
	rateLimiter := transport.NewRateLimiter(100, 100)
	monitor := transport.NewSecurityMonitor(log)

	srv := transport.NewServer("trust-root", rootSigner, keyring, tokens, validator, rateLimiter, monitor, log, router)

	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	return &testServer{ts: ts, wsURL: wsURL, rootSign: rootSigner, keyring: keyring, tokens: tokens, log: log}
}

func (s *testServer) close() { s.ts.Close() }

func connectRaw(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return ws
}

func TestConnectionRequestEstablishesSession(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	deviceSigner, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	require.NoError(t, srv.keyring.Enroll("device-a", deviceSigner.PublicKey()))

	tok, err := srv.tokens.Generate(token.KindAccess, "user-1", "device-a", time.Hour)
	require.NoError(t, err)

	ws := connectRaw(t, srv.wsURL)
	defer ws.Close()

	reqPayload, err := json.Marshal(transport.ConnectionRequestPayload{DeviceID: "device-a", UserID: "user-1", Token: tok.String})
	require.NoError(t, err)
	nonce, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	req := &envelope.Envelope{
		MessageType: envelope.TypeConnectionRequest, MessageID: "msg-1", SourceDeviceID: "device-a",
		Payload: reqPayload, Timestamp: time.Now().Unix(), ProtocolVersion: 1, Nonce: nonce,
	}
	req.Sign(deviceSigner)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, req.Encode()))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, err := envelope.Decode(data)
	require.NoError(t, err)
	require.Equal(t, envelope.TypeConnectionResponse, resp.MessageType)
	require.Equal(t, "msg-1", resp.MessageID)

	var cr transport.ConnectionResponsePayload
	require.NoError(t, json.Unmarshal(resp.Payload, &cr))
	require.NotEmpty(t, cr.SessionID)
}

func TestConnectionRequestRejectsInvalidToken(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	deviceSigner, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	require.NoError(t, srv.keyring.Enroll("device-a", deviceSigner.PublicKey()))

	ws := connectRaw(t, srv.wsURL)
	defer ws.Close()

	reqPayload, err := json.Marshal(transport.ConnectionRequestPayload{DeviceID: "device-a", UserID: "user-1", Token: "not-a-real-token"})
	require.NoError(t, err)
	nonce, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	req := &envelope.Envelope{
		MessageType: envelope.TypeConnectionRequest, MessageID: "msg-1", SourceDeviceID: "device-a",
		Payload: reqPayload, Timestamp: time.Now().Unix(), ProtocolVersion: 1, Nonce: nonce,
	}
	req.Sign(deviceSigner)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, req.Encode()))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, err := envelope.Decode(data)
	require.NoError(t, err)
	require.Equal(t, envelope.TypeError, resp.MessageType)
}

func TestUnsignedEnvelopeIsRejected(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	deviceSigner, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	require.NoError(t, srv.keyring.Enroll("device-a", deviceSigner.PublicKey()))

	ws := connectRaw(t, srv.wsURL)
	defer ws.Close()

	imposter, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	nonce, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	req := &envelope.Envelope{
		MessageType: envelope.TypeConnectionRequest, MessageID: "msg-1", SourceDeviceID: "device-a",
		Payload: []byte("{}"), Timestamp: time.Now().Unix(), ProtocolVersion: 1, Nonce: nonce,
	}
	req.Sign(imposter) // signed by the wrong key

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, req.Encode()))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, err := envelope.Decode(data)
	require.NoError(t, err)
	require.Equal(t, envelope.TypeError, resp.MessageType)
}
