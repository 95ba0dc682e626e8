package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateSeed creates a random 32 byte secret (hex) used as the top of a
// freshly provisioned chain. It must never be published.
func GenerateSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Next hashes the ASCII hex form of h, the link function of the chain.
func Next(h string) string {
	sum := sha256.Sum256([]byte(h))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether revealed is the pre-image of linked, i.e. whether a
// round hash revealed at crash time links to the hash of the round before it
// (or to the genesis anchor).
func Verify(revealed, linked string) bool {
	return Next(revealed) == linked
}
