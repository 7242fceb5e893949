package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"forge/internal/platform/models"
)

const (
	prefixSandbox    = "frg_test_"
	prefixProduction = "frg_live_"

	secretBytes    = 20
	hashIterations = 4096
	hashLength     = 32
)

// GenerateSecret returns a fresh plaintext secret for the environment. The
// prefix encodes the environment so it can be inferred without a lookup.
func GenerateSecret(environmentName string) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	prefix := prefixSandbox
	if environmentName == models.EnvProduction {
		prefix = prefixProduction
	}
	return prefix + hex.EncodeToString(buf), nil
}

// EnvironmentFromSecret infers the environment from the key prefix. The empty
// string means the prefix is malformed.
func EnvironmentFromSecret(secret string) string {
	switch {
	case strings.HasPrefix(secret, prefixSandbox):
		return models.EnvSandbox
	case strings.HasPrefix(secret, prefixProduction):
		return models.EnvProduction
	}
	return ""
}

// HashSecret derives the stored one-way hash. Deterministic for a given salt
// so the hash doubles as the lookup index; the plaintext is never persisted.
func HashSecret(secret, salt string) string {
	key := pbkdf2.Key([]byte(secret), []byte(salt), hashIterations, hashLength, sha256.New)
	return hex.EncodeToString(key)
}

// DisplayPrefix is the redacted form shown in key listings.
func DisplayPrefix(secret string) string {
	if len(secret) < 12 {
		return secret
	}
	return secret[:12] + "..."
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
