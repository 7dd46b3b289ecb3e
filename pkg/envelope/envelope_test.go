package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestBuildFillsRequiredFields(t *testing.T) {
	env, err := Build("alpha", "bravo", TypeNotification, "status update", "all good", BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if env.Protocol != Protocol {
		t.Errorf("protocol = %q, want %q", env.Protocol, Protocol)
	}
	if !strings.HasPrefix(env.ID, "msg_") {
		t.Errorf("id = %q, want msg_ prefix", env.ID)
	}
	for name, val := range map[string]string{
		"timestamp": env.Timestamp,
		"from":      env.From,
		"to":        env.To,
		"type":      env.Type,
		"nonce":     env.Nonce,
		"subject":   env.Payload.Subject,
	} {
		if val == "" {
			t.Errorf("%s is empty", name)
		}
	}
	if env.TTL != DefaultTTLSeconds {
		t.Errorf("ttl = %d, want %d", env.TTL, DefaultTTLSeconds)
	}
	if env.Priority != PriorityNormal {
		t.Errorf("priority = %q, want normal", env.Priority)
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		subject string
		opts    BuildOptions
	}{
		{"request without replyTo", TypeRequest, "s", BuildOptions{}},
		{"response without correlationId", TypeResponse, "s", BuildOptions{}},
		{"empty subject", TypeNotification, "", BuildOptions{}},
		{"unknown type", "gibberish", "s", BuildOptions{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build("a", "b", tt.typ, tt.subject, "body", tt.opts); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestBuildRequestSetsReplyTo(t *testing.T) {
	env, err := Build("alpha", "bravo", TypeRequest, "count", "count tanks", BuildOptions{
		ReplyTo: &ReplyTo{URL: "http://10.0.0.1:8900/hooks/bravo", Token: "tok"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.ReplyTo.URL == "" || env.ReplyTo.Token == "" {
		t.Fatalf("replyTo incomplete: %+v", env.ReplyTo)
	}
}

func TestNonceUniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		n := NewNonce()
		if seen[n] {
			t.Fatalf("duplicate nonce after %d draws", i)
		}
		seen[n] = true
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	env, err := Build("alpha", "bravo", TypeNotification, "signed", "body", BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := Sign(env, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(env.Signature, "sha256:") {
		t.Fatalf("signature = %q, want sha256: prefix", env.Signature)
	}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := Verify(raw, key); err != nil {
		t.Fatalf("verify after round trip: %v", err)
	}

	// Field reordering on the wire must not break verification.
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	reordered, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if err := Verify(reordered, key); err != nil {
		t.Fatalf("verify after reorder: %v", err)
	}
}

func TestVerifyRejectsTamper(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	env, _ := Build("alpha", "bravo", TypeNotification, "signed", "the truth", BuildOptions{})
	if err := Sign(env, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Payload.Body = "a lie"
	raw, _ := env.Marshal()
	if err := Verify(raw, key); err == nil {
		t.Fatal("verify accepted tampered body")
	}

	env.Payload.Body = "the truth"
	raw, _ = env.Marshal()
	if err := Verify(raw, []byte("ffffffffffffffffffffffffffffffff")); err == nil {
		t.Fatal("verify accepted wrong key")
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	env, _ := Build("alpha", "bravo", TypeNotification, "unsigned", "", BuildOptions{})
	raw, _ := env.Marshal()
	if err := Verify(raw, []byte("0123456789abcdef0123456789abcdef")); err != ErrSignatureMissing {
		t.Fatalf("err = %v, want ErrSignatureMissing", err)
	}
}

func TestExpired(t *testing.T) {
	env, _ := Build("a", "b", TypeNotification, "s", "", BuildOptions{TTL: 1})
	now := env.Sent()
	if env.Expired(now) {
		t.Fatal("fresh envelope reported expired")
	}
	if !env.Expired(now.Add(2 * time.Second)) {
		t.Fatal("envelope past ttl not reported expired")
	}
}

func TestEncryptDecryptBody(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	env, _ := Build("a", "b", TypeNotification, "secret", "attack at dawn", BuildOptions{})

	if err := EncryptBody(env, key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !env.Payload.Encrypted {
		t.Fatal("encrypted flag not set")
	}
	if strings.Contains(env.Payload.Body, "attack") {
		t.Fatal("ciphertext contains plaintext")
	}
	var record struct {
		Enc string `json:"enc"`
	}
	if err := json.Unmarshal([]byte(env.Payload.Body), &record); err != nil || record.Enc != "aes-256-cbc" {
		t.Fatalf("body record malformed: %s", env.Payload.Body)
	}

	if err := DecryptBody(env, key); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if env.Payload.Body != "attack at dawn" {
		t.Fatalf("round trip = %q", env.Payload.Body)
	}
	if env.Payload.Encrypted {
		t.Fatal("encrypted flag still set after decrypt")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	other := []byte("fedcba9876543210fedcba9876543210")
	env, _ := Build("a", "b", TypeNotification, "secret", "attack at dawn", BuildOptions{})
	if err := EncryptBody(env, key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := DecryptBody(env, other); err == nil && env.Payload.Body == "attack at dawn" {
		t.Fatal("wrong key produced correct plaintext")
	}
}

func TestSessionKeyExtraction(t *testing.T) {
	env, _ := Build("a", "b", TypeNotification, "s", "", BuildOptions{
		ReplyContext: json.RawMessage(`{"sessionKey":"ops-review","round":2}`),
	})
	if got := env.SessionKey(); got != "ops-review" {
		t.Fatalf("sessionKey = %q, want ops-review", got)
	}

	env.Session = &Session{Key: "direct"}
	if got := env.SessionKey(); got != "direct" {
		t.Fatalf("sessionKey = %q, want direct (session.key wins)", got)
	}
}

func TestReplyContextEchoByteEqual(t *testing.T) {
	rc := json.RawMessage(`{"conversationId":"conv_1","participants":["b","c"],"round":1}`)
	req, _ := Build("a", "b", TypeRequest, "q", "count", BuildOptions{
		ReplyTo:      &ReplyTo{URL: "http://x/hooks/b", Token: "t"},
		ReplyContext: rc,
	})

	resp, err := Build("b", "a", TypeResponse, "Re: q", "47", BuildOptions{
		CorrelationID: req.ID,
		ReplyContext:  req.ReplyContext,
	})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	if string(resp.ReplyContext) != string(rc) {
		t.Fatalf("replyContext not byte-equal: %s vs %s", resp.ReplyContext, rc)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	now := time.Now()
	s := FormatTimestamp(now)
	parsed, err := ParseTimestamp(s)
	if err != nil {
		t.Fatalf("parse own format: %v", err)
	}
	if parsed.UTC().Truncate(time.Millisecond).Equal(now.UTC().Truncate(time.Millisecond)) == false {
		t.Fatalf("round trip lost precision: %v vs %v", parsed, now)
	}
	if _, err := ParseTimestamp("2026-08-05T12:00:00Z"); err != nil {
		t.Fatalf("rfc3339 fallback: %v", err)
	}
}
