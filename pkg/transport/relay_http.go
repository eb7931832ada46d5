package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aegismesh/aegis/pkg/auth"
)

// RelayServer exposes a Router over HTTP so a peer node can forward a
// frame to a device this node has a local connection to but the peer
// does not (spec §4.11's primary/secondary relay chain).
type RelayServer struct {
	router *Router
}

// NewRelayServer wraps router for relay delivery over HTTP.
func NewRelayServer(router *Router) *RelayServer {
	return &RelayServer{router: router}
}

// Handler builds the chi mux for the relay HTTP surface:
// POST /relay/{deviceID} with the raw envelope frame as the request body.
func (s *RelayServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(auth.CORSMiddleware(nil))
	r.Post("/relay/{deviceID}", s.handleRelay)
	return r
}

func (s *RelayServer) handleRelay(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	requestID := auth.GetRequestID(r.Context())
	frame, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := s.router.RouteMessage(deviceID, frame); err != nil {
		slog.Warn("relay: delivery failed", "target_device", deviceID, "request_id", requestID, "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HTTPRelayClient is a RelayClient that forwards frames to a peer node's
// RelayServer over plain HTTP.
type HTTPRelayClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRelayClient targets a peer relay server at baseURL (e.g.
// "https://relay2.example.mesh").
func NewHTTPRelayClient(baseURL string) *HTTPRelayClient {
	return &HTTPRelayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// RouteMessage POSTs frame to the peer's /relay/{targetDeviceID} endpoint.
func (c *HTTPRelayClient) RouteMessage(targetDeviceID string, frame []byte) error {
	url := fmt.Sprintf("%s/relay/%s", c.baseURL, targetDeviceID)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("transport: build relay request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: relay request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("transport: relay peer returned %d", resp.StatusCode)
	}
	return nil
}
