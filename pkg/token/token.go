// Package token implements the signed opaque bearer tokens issued by the
// trust root after a successful authentication handshake: access, refresh,
// session, and heimdall (device/user-scoped) tokens.
//
// Wire format (spec §6, §4.2): base64(payload-json) "." base64(ed25519_sig).
// The source left the base64 alphabet unspecified; this implementation uses
// the standard alphabet (with padding), matching the original Rust
// implementation's use of base64::engine::general_purpose::STANDARD.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegismesh/aegis/pkg/crypto"
)

// Kind is the token's declared purpose.
type Kind string

const (
	KindAccess   Kind = "access"
	KindRefresh  Kind = "refresh"
	KindSession  Kind = "session"
	KindHeimdall Kind = "heimdall"
)

// ValidationKind categorizes why Validate rejected a token.
type ValidationKind string

const (
	ValidationMalformed        ValidationKind = "Malformed"
	ValidationInvalidSignature ValidationKind = "InvalidSignature"
	ValidationExpired          ValidationKind = "Expired"
	ValidationRevoked          ValidationKind = "Revoked"
)

// ValidationError is returned by Validate/Refresh on rejection.
type ValidationError struct {
	Kind ValidationKind
}

func (e *ValidationError) Error() string { return fmt.Sprintf("token: %s", e.Kind) }

func rejectErr(kind ValidationKind) *ValidationError { return &ValidationError{Kind: kind} }

// payload is the JSON structure signed inside every token.
type payload struct {
	Sub      string `json:"sub"`
	DeviceID string `json:"device_id"`
	Exp      int64  `json:"exp"`
	Type     Kind   `json:"type"`
	JTI      string `json:"jti"`
}

// SignedToken is the result of a successful Generate call.
type SignedToken struct {
	String    string
	ExpiresAt int64
}

// ValidatedToken is the result of a successful Validate call.
type ValidatedToken struct {
	Sub      string
	DeviceID string
	Type     Kind
	JTI      string
	Exp      int64
}

// RevocationChecker reports whether a jti has been revoked. A nil checker
// means "nothing is revoked" — callers that never revoke tokens may pass nil.
type RevocationChecker func(jti string) bool

// Service issues and validates tokens, signed by a single trust-root key.
// now is overridable for deterministic tests.
type Service struct {
	signer *crypto.Ed25519Signer
	now    func() time.Time
}

// NewService creates a token service backed by signer.
func NewService(signer *crypto.Ed25519Signer) *Service {
	return &Service{signer: signer, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Generate issues a new signed token of the given kind for subject+device,
// valid for ttl starting now.
func (s *Service) Generate(kind Kind, subject, deviceID string, ttl time.Duration) (SignedToken, error) {
	exp := s.now().Add(ttl).Unix()
	p := payload{
		Sub:      subject,
		DeviceID: deviceID,
		Exp:      exp,
		Type:     kind,
		JTI:      uuid.NewString(),
	}
	return s.sign(p)
}

func (s *Service) sign(p payload) (SignedToken, error) {
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return SignedToken{}, fmt.Errorf("token: marshal payload: %w", err)
	}
	sig := s.signer.Sign(payloadJSON)

	payloadB64 := base64.StdEncoding.EncodeToString(payloadJSON)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	return SignedToken{
		String:    payloadB64 + "." + sigB64,
		ExpiresAt: p.Exp,
	}, nil
}

// Validate parses and verifies a token string, checking signature, expiry,
// and (if isRevoked is non-nil) revocation. Validation is O(1) aside from
// the revocation lookup the caller supplies.
func (s *Service) Validate(tokenString string, isRevoked RevocationChecker) (ValidatedToken, error) {
	parts := strings.SplitN(tokenString, ".", 2)
	if len(parts) != 2 {
		return ValidatedToken{}, rejectErr(ValidationMalformed)
	}

	payloadJSON, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return ValidatedToken{}, rejectErr(ValidationMalformed)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return ValidatedToken{}, rejectErr(ValidationMalformed)
	}

	var p payload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return ValidatedToken{}, rejectErr(ValidationMalformed)
	}
	if p.Sub == "" || p.DeviceID == "" || p.JTI == "" || p.Type == "" {
		return ValidatedToken{}, rejectErr(ValidationMalformed)
	}

	if !s.signer.Verify(payloadJSON, sig) {
		return ValidatedToken{}, rejectErr(ValidationInvalidSignature)
	}

	if s.now().Unix() >= p.Exp {
		return ValidatedToken{}, rejectErr(ValidationExpired)
	}

	if isRevoked != nil && isRevoked(p.JTI) {
		return ValidatedToken{}, rejectErr(ValidationRevoked)
	}

	return ValidatedToken{
		Sub:      p.Sub,
		DeviceID: p.DeviceID,
		Type:     p.Type,
		JTI:      p.JTI,
		Exp:      p.Exp,
	}, nil
}

// Refresh validates a refresh token and issues a fresh access/refresh pair
// for the same subject and device.
func (s *Service) Refresh(refreshToken string, isRevoked RevocationChecker, accessTTL, refreshTTL time.Duration) (access, refresh SignedToken, err error) {
	validated, err := s.Validate(refreshToken, isRevoked)
	if err != nil {
		return SignedToken{}, SignedToken{}, err
	}
	if validated.Type != KindRefresh {
		return SignedToken{}, SignedToken{}, fmt.Errorf("token: not a refresh token")
	}

	access, err = s.Generate(KindAccess, validated.Sub, validated.DeviceID, accessTTL)
	if err != nil {
		return SignedToken{}, SignedToken{}, err
	}
	refresh, err = s.Generate(KindRefresh, validated.Sub, validated.DeviceID, refreshTTL)
	if err != nil {
		return SignedToken{}, SignedToken{}, err
	}
	return access, refresh, nil
}

// ShouldRenewProactively reports whether a token with the given expiry
// should be renewed now, given a renewal threshold: true iff
// now + threshold >= exp.
func ShouldRenewProactively(now time.Time, exp int64, threshold time.Duration) bool {
	return now.Add(threshold).Unix() >= exp
}

// RevocationSet is an in-memory jti revocation list keyed for O(1) lookup,
// guarded by a reader-writer lock per the shared-cache convention used
// throughout the mesh (capability cache, provider cache, connection map).
type RevocationSet struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewRevocationSet creates an empty revocation set.
func NewRevocationSet() *RevocationSet {
	return &RevocationSet{revoked: make(map[string]struct{})}
}

// Revoke marks jti as revoked; idempotent.
func (r *RevocationSet) Revoke(jti string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = struct{}{}
}

// IsRevoked satisfies RevocationChecker.
func (r *RevocationSet) IsRevoked(jti string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[jti]
	return ok
}
