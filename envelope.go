package substrate

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType is the closed set of peer message types.
type EnvelopeType string

const (
	EnvAnnounce  EnvelopeType = "announce"
	EnvDiscover  EnvelopeType = "discover"
	EnvRequest   EnvelopeType = "request"
	EnvResponse  EnvelopeType = "response"
	EnvPublish   EnvelopeType = "publish"
	EnvSubscribe EnvelopeType = "subscribe"
	EnvVerify    EnvelopeType = "verify"
	EnvAck       EnvelopeType = "ack"
	EnvError     EnvelopeType = "error"
)

// Valid reports whether t is in the closed envelope type set.
func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvAnnounce, EnvDiscover, EnvRequest, EnvResponse, EnvPublish,
		EnvSubscribe, EnvVerify, EnvAck, EnvError:
		return true
	}
	return false
}

// Envelope is one signed peer-to-peer message. Sender is the hex encoding
// of the sender's ed25519 public key; the detached signature covers the
// canonical JSON of the envelope minus the signature field itself.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EnvelopeType    `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`
	InReplyTo string          `json:"inReplyTo,omitempty"`
}

// envelopeWirePrefix is the literal prefix of the webhook delivery form.
const envelopeWirePrefix = "[AGORA_ENVELOPE]"

// NewEnvelope builds an unsigned envelope with a fresh UUID and the current
// timestamp. The payload is marshalled once here.
func NewEnvelope(typ EnvelopeType, senderPub ed25519.PublicKey, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope payload: %w", err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Sender:    Fingerprint(senderPub),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Fingerprint returns the hex identity of an ed25519 public key.
func Fingerprint(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// signingBytes is the canonical byte form covered by the signature:
// sorted-key JSON of the envelope minus the signature field. Marshalling a
// map gives the sorted key order; absent optional fields are omitted.
func (e Envelope) signingBytes() ([]byte, error) {
	canonical := map[string]any{
		"id":        e.ID,
		"type":      e.Type,
		"sender":    e.Sender,
		"timestamp": e.Timestamp,
	}
	if len(e.Payload) > 0 {
		canonical["payload"] = e.Payload
	}
	if e.InReplyTo != "" {
		canonical["inReplyTo"] = e.InReplyTo
	}
	return json.Marshal(canonical)
}

// Sign computes the detached signature with the sender's private key.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	msg, err := e.signingBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, msg))
	return nil
}

// Verify checks the envelope's structure and signature against its claimed
// sender. The sender field must decode to a valid ed25519 public key.
func (e Envelope) Verify() error {
	if e.ID == "" {
		return errors.New("envelope: missing id")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	pub, err := hex.DecodeString(e.Sender)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("envelope: sender is not a valid public key")
	}
	if e.Signature == "" {
		return errors.New("envelope: missing signature")
	}
	sig, err := base64.RawURLEncoding.DecodeString(e.Signature)
	if err != nil {
		return errors.New("envelope: malformed signature")
	}
	msg, err := e.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return errors.New("envelope: signature mismatch")
	}
	return nil
}

// EncodeWire renders the webhook delivery form: the literal
// [AGORA_ENVELOPE] prefix followed by the base64url-encoded envelope.
func (e Envelope) EncodeWire() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return envelopeWirePrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeWire parses the webhook delivery form back into an envelope.
func DecodeWire(s string) (Envelope, error) {
	if !strings.HasPrefix(s, envelopeWirePrefix) {
		return Envelope{}, errors.New("envelope: missing wire prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, envelopeWirePrefix))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: wire decode: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: wire decode: %w", err)
	}
	return e, nil
}

// TextPayload extracts a best-effort human-readable text from an envelope
// payload: a bare JSON string, or the "text"/"message" field of an object.
func (e Envelope) TextPayload() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(e.Payload, &s) == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Payload, &obj) == nil {
		if obj.Text != "" {
			return obj.Text
		}
		return obj.Message
	}
	return string(e.Payload)
}
