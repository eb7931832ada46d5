// Package envelope implements the mesh's wire message format (spec §4.7):
// a binary, length-prefixed, typed frame that every transport connection
// exchanges. Every envelope is signed over a canonical serialization with
// its own signature field cleared.
package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/aegismesh/aegis/pkg/crypto"
)

// MessageType identifies the kind of payload an Envelope carries.
type MessageType uint8

const (
	TypeConnectionRequest  MessageType = 1
	TypeConnectionResponse MessageType = 2
	TypeBusinessRequest    MessageType = 3
	TypeBusinessResponse   MessageType = 4
	TypeHeartbeat          MessageType = 5
	TypeDisconnect         MessageType = 6
	TypeError              MessageType = 7
)

func (t MessageType) known() bool {
	switch t {
	case TypeConnectionRequest, TypeConnectionResponse, TypeBusinessRequest, TypeBusinessResponse,
		TypeHeartbeat, TypeDisconnect, TypeError:
		return true
	default:
		return false
	}
}

// DefaultSkewWindow bounds how far an envelope's timestamp may drift from
// the validator's clock, in either direction.
const DefaultSkewWindow = 5 * time.Minute

// Envelope is the typed frame exchanged over every mesh connection.
type Envelope struct {
	MessageType     MessageType
	MessageID       string
	SourceDeviceID  string
	TargetDeviceID  string
	Payload         []byte
	Timestamp       int64
	ProtocolVersion uint32
	Nonce           []byte
	Signature       []byte
}

// Encode serializes e to its binary length-prefixed wire form. signature
// bytes are written as-is — callers that need the "signature cleared"
// canonical form for signing should call Encode on a copy with Signature
// set to nil.
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 0, 64+len(e.Payload))
	buf = append(buf, byte(e.MessageType))
	buf = appendLP(buf, []byte(e.MessageID))
	buf = appendLP(buf, []byte(e.SourceDeviceID))
	buf = appendLP(buf, []byte(e.TargetDeviceID))
	buf = appendLP(buf, e.Payload)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	buf = append(buf, ts[:]...)

	var pv [4]byte
	binary.BigEndian.PutUint32(pv[:], e.ProtocolVersion)
	buf = append(buf, pv[:]...)

	buf = appendLP(buf, e.Nonce)
	buf = appendLP(buf, e.Signature)
	return buf
}

// Decode parses the binary wire form produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < 1 {
		return nil, errors.New("envelope: empty frame")
	}
	e := &Envelope{MessageType: MessageType(data[0])}
	rest := data[1:]

	var err error
	var messageID, source, target []byte
	if messageID, rest, err = readLP(rest); err != nil {
		return nil, err
	}
	e.MessageID = string(messageID)
	if source, rest, err = readLP(rest); err != nil {
		return nil, err
	}
	e.SourceDeviceID = string(source)
	if target, rest, err = readLP(rest); err != nil {
		return nil, err
	}
	e.TargetDeviceID = string(target)
	if e.Payload, rest, err = readLP(rest); err != nil {
		return nil, err
	}

	if len(rest) < 8 {
		return nil, errors.New("envelope: truncated timestamp")
	}
	e.Timestamp = int64(binary.BigEndian.Uint64(rest[:8]))
	rest = rest[8:]

	if len(rest) < 4 {
		return nil, errors.New("envelope: truncated protocol version")
	}
	e.ProtocolVersion = binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	if e.Nonce, rest, err = readLP(rest); err != nil {
		return nil, err
	}
	if e.Signature, _, err = readLP(rest); err != nil {
		return nil, err
	}
	return e, nil
}

func appendLP(buf, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func readLP(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errors.New("envelope: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, errors.New("envelope: truncated field")
	}
	return data[:n], data[n:], nil
}

// signedBytes returns the canonical bytes a signature is computed over: the
// wire encoding with Signature cleared.
func (e *Envelope) signedBytes() []byte {
	clone := *e
	clone.Signature = nil
	return clone.Encode()
}

// Sign sets e.Signature to signer's signature over e's canonical bytes.
func (e *Envelope) Sign(signer *crypto.Ed25519Signer) {
	e.Signature = signer.Sign(e.signedBytes())
}

// Kind categorizes a validation rejection.
type Kind string

const (
	KindUnknownType      Kind = "UnknownType"
	KindClockSkew        Kind = "ClockSkew"
	KindReplayedNonce    Kind = "ReplayedNonce"
	KindInvalidSignature Kind = "InvalidSignature"
)

// Error is returned by Validator.Validate on rejection.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string { return fmt.Sprintf("envelope: %s", e.Kind) }

// Validator enforces spec §4.7's four rejection rules: unknown message
// type, clock skew, nonce replay, bad signature.
type Validator struct {
	skewWindow time.Duration
	clock      func() time.Time
	replay     *ReplayWindow
}

// NewValidator creates a Validator with the default 5-minute skew window.
func NewValidator(replay *ReplayWindow) *Validator {
	return &Validator{skewWindow: DefaultSkewWindow, clock: time.Now, replay: replay}
}

// WithSkewWindow overrides the default skew tolerance.
func (v *Validator) WithSkewWindow(d time.Duration) *Validator {
	v.skewWindow = d
	return v
}

// WithClock overrides the time source for deterministic testing.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.clock = now
	return v
}

// Validate checks e against the public key of its claimed source device.
func (v *Validator) Validate(e *Envelope, sourcePublicKey func(deviceID string) (ed25519.PublicKey, bool)) error {
	if !e.MessageType.known() {
		return &Error{Kind: KindUnknownType}
	}

	now := v.clock()
	skew := now.Sub(time.Unix(e.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.skewWindow {
		return &Error{Kind: KindClockSkew}
	}

	if v.replay != nil && !v.replay.Accept(e.SourceDeviceID+"\x00"+string(e.Nonce)) {
		return &Error{Kind: KindReplayedNonce}
	}

	pub, ok := sourcePublicKey(e.SourceDeviceID)
	if !ok || !crypto.Verify(pub, e.signedBytes(), e.Signature) {
		return &Error{Kind: KindInvalidSignature}
	}
	return nil
}
