// Package handshake implements the three-message Ed25519 challenge-response
// authentication protocol (spec §4.3): ChallengeRequest, ChallengeResponse,
// ChallengeProof. On success the trust root issues a token triple via
// pkg/token.
package handshake

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/aegismesh/aegis/pkg/crypto"
	"github.com/aegismesh/aegis/pkg/token"
)

// State is a device's position in the authentication state machine.
type State string

const (
	StateUnauthenticated State = "Unauthenticated"
	StateChallengeIssued State = "ChallengeIssued"
	StateAuthenticated   State = "Authenticated"
	StateExpired         State = "Expired"
	StateRevoked         State = "Revoked"
)

// ErrorKind categorizes a handshake failure.
type ErrorKind string

const (
	ErrWrongType        ErrorKind = "WrongType"
	ErrMissingField     ErrorKind = "MissingField"
	ErrInvalidSignature ErrorKind = "InvalidSignature"
	ErrExpired          ErrorKind = "Expired"
)

// Error is the typed error surfaced by every handshake operation.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string { return fmt.Sprintf("handshake: %s", e.Kind) }

func fail(kind ErrorKind) *Error { return &Error{Kind: kind} }

const challengeSize = 32

// ChallengeRequest is message 1: client to server.
type ChallengeRequest struct {
	SourceDeviceID string
	TargetDeviceID string
	PublicKey      ed25519.PublicKey
	Timestamp      int64
	Signature      []byte
}

// signedPayload returns the canonical string signed by a ChallengeRequest:
// source|target|timestamp|base64(public_key).
func (r *ChallengeRequest) signedPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s", r.SourceDeviceID, r.TargetDeviceID, r.Timestamp,
		base64.StdEncoding.EncodeToString(r.PublicKey)))
}

// BuildChallengeRequest is the client-side constructor: signs
// source|target|timestamp|public_key with the client's own key.
func BuildChallengeRequest(source, target string, pub ed25519.PublicKey, signer *crypto.Ed25519Signer, now time.Time) *ChallengeRequest {
	req := &ChallengeRequest{
		SourceDeviceID: source,
		TargetDeviceID: target,
		PublicKey:      pub,
		Timestamp:      now.Unix(),
	}
	req.Signature = signer.Sign(req.signedPayload())
	return req
}

// ChallengeResponse is message 2: server to client.
type ChallengeResponse struct {
	Challenge []byte
	ExpiresAt int64
	Signature []byte
}

// signedPayload returns the canonical string signed by a ChallengeResponse:
// challenge|expires_at|source|target.
func (r *ChallengeResponse) signedPayload(source, target string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s|%s", base64.StdEncoding.EncodeToString(r.Challenge), r.ExpiresAt, source, target))
}

// ChallengeProof is message 3: client to server.
type ChallengeProof struct {
	Challenge []byte
	Signature []byte
}

type pendingChallenge struct {
	challenge []byte
	expiresAt int64
	source    string
	target    string
	publicKey ed25519.PublicKey
}

// Server is the trust-root side of the handshake: it issues challenges,
// tracks per-device state, verifies proofs, and mints tokens on success.
type Server struct {
	signer *crypto.Ed25519Signer
	tokens *token.Service
	clock  func() time.Time

	mu          sync.Mutex
	outstanding map[string]*pendingChallenge // keyed by the proving device's id
	state       map[string]State
}

// NewServer creates a handshake server backed by the trust root's signing
// key and a token service for issuing post-auth credentials.
func NewServer(signer *crypto.Ed25519Signer, tokens *token.Service) *Server {
	return &Server{
		signer:      signer,
		tokens:      tokens,
		clock:       time.Now,
		outstanding: make(map[string]*pendingChallenge),
		state:       make(map[string]State),
	}
}

// WithClock overrides the time source for deterministic testing.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.clock = now
	return s
}

// StateOf returns the proving device's current state (Unauthenticated if
// never seen).
func (s *Server) StateOf(deviceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[deviceID]; ok {
		return st
	}
	return StateUnauthenticated
}

// HandleChallengeRequest verifies the request's self-signature and issues a
// fresh, server-signed challenge valid for ttl. The outstanding challenge is
// keyed by the requesting (proving) device's id — the device whose identity
// this handshake is establishing — so a second in-flight request from the
// same device supersedes the first (single-use, spec §3 Challenge).
func (s *Server) HandleChallengeRequest(req *ChallengeRequest, ttl time.Duration) (*ChallengeResponse, error) {
	if req.SourceDeviceID == "" || req.TargetDeviceID == "" || len(req.PublicKey) != ed25519.PublicKeySize {
		return nil, fail(ErrMissingField)
	}
	if !crypto.Verify(req.PublicKey, req.signedPayload(), req.Signature) {
		return nil, fail(ErrInvalidSignature)
	}

	now := s.clock()
	challenge, err := crypto.RandomBytes(challengeSize)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate challenge: %w", err)
	}
	expiresAt := now.Add(ttl).Unix()

	resp := &ChallengeResponse{Challenge: challenge, ExpiresAt: expiresAt}
	resp.Signature = s.signer.Sign(resp.signedPayload(req.SourceDeviceID, req.TargetDeviceID))

	s.mu.Lock()
	s.outstanding[req.SourceDeviceID] = &pendingChallenge{
		challenge: challenge,
		expiresAt: expiresAt,
		source:    req.SourceDeviceID,
		target:    req.TargetDeviceID,
		publicKey: req.PublicKey,
	}
	s.state[req.SourceDeviceID] = StateChallengeIssued
	s.mu.Unlock()

	return resp, nil
}

// Identity is the outcome of a successful ProveIdentity call: the tokens
// minted for the now-authenticated device.
type Identity struct {
	Access  token.SignedToken
	Refresh token.SignedToken
	Session token.SignedToken
}

// ProveIdentity validates a ChallengeProof for deviceID against the
// outstanding challenge issued to it, and on success transitions the
// device to Authenticated and issues a session/access/refresh token triple.
// The proof is single-use: it is consumed (removed from outstanding)
// whether it succeeds or fails.
func (s *Server) ProveIdentity(deviceID string, proof *ChallengeProof, accessTTL, refreshTTL, sessionTTL time.Duration) (*Identity, error) {
	s.mu.Lock()
	pending, ok := s.outstanding[deviceID]
	if ok {
		delete(s.outstanding, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fail(ErrMissingField)
	}

	if s.clock().Unix() > pending.expiresAt {
		s.mu.Lock()
		s.state[deviceID] = StateExpired
		s.mu.Unlock()
		return nil, fail(ErrExpired)
	}

	if !crypto.ConstantTimeEqual(proof.Challenge, pending.challenge) {
		return nil, fail(ErrInvalidSignature)
	}
	if !crypto.Verify(pending.publicKey, pending.challenge, proof.Signature) {
		return nil, fail(ErrInvalidSignature)
	}

	s.mu.Lock()
	s.state[deviceID] = StateAuthenticated
	s.mu.Unlock()

	access, err := s.tokens.Generate(token.KindAccess, pending.source, deviceID, accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.Generate(token.KindRefresh, pending.source, deviceID, refreshTTL)
	if err != nil {
		return nil, err
	}
	session, err := s.tokens.Generate(token.KindSession, pending.source, deviceID, sessionTTL)
	if err != nil {
		return nil, err
	}

	return &Identity{Access: access, Refresh: refresh, Session: session}, nil
}

// Revoke sets deviceID to Revoked and drops any outstanding challenge,
// whatever the prior state. A later ChallengeRequest from the device is not
// refused and moves it to ChallengeIssued.
func (s *Server) Revoke(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[deviceID] = StateRevoked
	delete(s.outstanding, deviceID)
}

// BuildChallengeProof is the client-side constructor: signs the received
// challenge with the client's own signing key.
func BuildChallengeProof(challenge []byte, signer *crypto.Ed25519Signer) *ChallengeProof {
	return &ChallengeProof{
		Challenge: challenge,
		Signature: signer.Sign(challenge),
	}
}

// VerifyChallengeResponse lets the client confirm the server actually holds
// the claimed signing key before trusting the challenge it returned.
func VerifyChallengeResponse(resp *ChallengeResponse, source, target string, serverPub ed25519.PublicKey) bool {
	return crypto.Verify(serverPub, resp.signedPayload(source, target), resp.Signature)
}
