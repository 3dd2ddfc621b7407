package rewrite

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NewSalt returns a random per-program salt. The salt is stored with a paused
// execution so a resumed run derives the same site ids.
func NewSalt() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// siteID derives a stable id for a source position. Ids depend only on the
// salt and the offset, so re-running the same rewritten source yields the
// same ids at every site.
func siteID(salt string, offset int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", salt, offset)))
	return hex.EncodeToString(sum[:4])
}
