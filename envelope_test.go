package substrate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := testKey(t)
	env, err := NewEnvelope(EnvRequest, pub, map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID == "" || env.Timestamp == 0 {
		t.Error("envelope missing id or timestamp")
	}
	if env.Sender != Fingerprint(pub) {
		t.Errorf("sender %q is not the key fingerprint", env.Sender)
	}
	if err := env.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := env.Verify(); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestSigningBytesSortedKeys(t *testing.T) {
	env := Envelope{
		ID:        "id-1",
		Type:      EnvRequest,
		Sender:    "ab",
		Timestamp: 42,
		Payload:   json.RawMessage(`{"text":"x"}`),
		InReplyTo: "id-0",
		Signature: "never covered",
	}
	got, err := env.signingBytes()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"id-1","inReplyTo":"id-0","payload":{"text":"x"},"sender":"ab","timestamp":42,"type":"request"}`
	if string(got) != want {
		t.Errorf("canonical form:\n got %s\nwant %s", got, want)
	}

	// Optional fields absent are omitted, not encoded as null.
	bare := Envelope{ID: "id-2", Type: EnvAck, Sender: "cd", Timestamp: 7}
	got, err = bare.signingBytes()
	if err != nil {
		t.Fatal(err)
	}
	want = `{"id":"id-2","sender":"cd","timestamp":7,"type":"ack"}`
	if string(got) != want {
		t.Errorf("canonical form:\n got %s\nwant %s", got, want)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	pub, priv := testKey(t)
	env, _ := NewEnvelope(EnvPublish, pub, map[string]string{"text": "original"})
	if err := env.Sign(priv); err != nil {
		t.Fatal(err)
	}

	tampered := env
	tampered.Payload = []byte(`{"text":"altered"}`)
	if err := tampered.Verify(); err == nil {
		t.Error("payload tampering must fail verification")
	}

	_, otherPriv := testKey(t)
	reSigned := env
	if err := reSigned.Sign(otherPriv); err != nil {
		t.Fatal(err)
	}
	if err := reSigned.Verify(); err == nil {
		t.Error("signature from a different key must fail against the claimed sender")
	}
}

func TestVerifyStructuralChecks(t *testing.T) {
	pub, priv := testKey(t)
	good, _ := NewEnvelope(EnvAck, pub, nil)
	good.Sign(priv)

	cases := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"unknown type", func(e *Envelope) { e.Type = "gossip" }},
		{"bad sender", func(e *Envelope) { e.Sender = "not-hex" }},
		{"missing signature", func(e *Envelope) { e.Signature = "" }},
		{"garbage signature", func(e *Envelope) { e.Signature = "!!!" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := good
			c.mutate(&env)
			if err := env.Verify(); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}

func TestWireFormRoundTrip(t *testing.T) {
	pub, priv := testKey(t)
	env, _ := NewEnvelope(EnvAnnounce, pub, map[string]string{"text": "on the wire"})
	env.Sign(priv)

	wire, err := env.EncodeWire()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(wire, "[AGORA_ENVELOPE]") {
		t.Errorf("wire form missing prefix: %q", wire[:20])
	}

	decoded, err := DecodeWire(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != env.ID || decoded.Sender != env.Sender {
		t.Error("wire round trip lost fields")
	}
	if err := decoded.Verify(); err != nil {
		t.Errorf("decoded envelope no longer verifies: %v", err)
	}

	if _, err := DecodeWire("no prefix here"); err == nil {
		t.Error("expected missing prefix to fail")
	}
}

func TestTextPayload(t *testing.T) {
	pub, _ := testKey(t)
	cases := []struct {
		payload any
		want    string
	}{
		{"bare string", "bare string"},
		{map[string]string{"text": "from text"}, "from text"},
		{map[string]string{"message": "from message"}, "from message"},
		{map[string]int{"n": 3}, `{"n":3}`},
	}
	for _, c := range cases {
		env, err := NewEnvelope(EnvRequest, pub, c.payload)
		if err != nil {
			t.Fatal(err)
		}
		if got := env.TextPayload(); got != c.want {
			t.Errorf("payload %v: got %q, want %q", c.payload, got, c.want)
		}
	}
}

func TestEnvelopeTypeSet(t *testing.T) {
	for _, typ := range []EnvelopeType{EnvAnnounce, EnvDiscover, EnvRequest, EnvResponse, EnvPublish, EnvSubscribe, EnvVerify, EnvAck, EnvError} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if EnvelopeType("broadcast").Valid() {
		t.Error("unknown type should be invalid")
	}
}
