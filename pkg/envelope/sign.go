package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256:"

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureMissing = errors.New("signature missing")
)

// CanonicalBytes derives the signing input from an envelope's JSON: the
// document decoded into a generic map, the signature key removed, and the
// result re-encoded compact. encoding/json sorts map keys, so both ends
// derive identical bytes from identical envelope JSON regardless of the
// field order on the wire.
func CanonicalBytes(raw []byte) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	delete(m, "signature")
	return json.Marshal(m)
}

func computeSignature(canonical, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return signaturePrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign computes the HMAC over the envelope without its signature field and
// stores it on the envelope.
func Sign(e *Envelope, key []byte) error {
	e.Signature = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return err
	}
	e.Signature = computeSignature(canonical, key)
	return nil
}

// Verify checks the signature embedded in raw against key. raw is the byte
// sequence as received.
func Verify(raw, key []byte) error {
	var probe struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("parse envelope for verify: %w", err)
	}
	if probe.Signature == "" {
		return ErrSignatureMissing
	}
	if !strings.HasPrefix(probe.Signature, signaturePrefix) {
		return fmt.Errorf("%w: unsupported scheme", ErrSignatureInvalid)
	}
	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return err
	}
	want := computeSignature(canonical, key)
	if !hmac.Equal([]byte(want), []byte(probe.Signature)) {
		return ErrSignatureInvalid
	}
	return nil
}
