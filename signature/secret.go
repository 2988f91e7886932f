package signature

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SecretPrefix marks secrets issued by GenerateSecret.
const SecretPrefix = "whsec_"

// GenerateSecret returns SecretPrefix followed by 32 random bytes in hex.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("signature: generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}
