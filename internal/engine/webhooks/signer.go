package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const secretPrefix = "whsec_"

// NewSecret returns a signing secret for a webhook endpoint. Shown once at
// creation; senders keep it, we keep it, nobody else sees it.
func NewSecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return secretPrefix + hex.EncodeToString(raw), nil
}

// NewSlug returns the random path segment the endpoint is mounted under.
func NewSlug() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Sign computes the hex HMAC-SHA256 of the payload under the secret. Senders
// put this in X-Forge-Signature.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
