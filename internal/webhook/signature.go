package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrBadSignature is returned for missing, malformed, or mismatched
// webhook signatures.
var ErrBadSignature = errors.New("webhook signature verification failed")

// ComputeSignature returns the X-Hub-Signature-256 value for a payload.
func ComputeSignature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a GitHub HMAC-SHA256 signature header against the
// raw request body. Comparison is constant-time.
func VerifySignature(secret, payload []byte, header string) error {
	if !strings.HasPrefix(header, "sha256=") {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	want := mac.Sum(nil)

	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
