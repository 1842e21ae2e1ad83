// ABOUTME: Invitation token generation and hashing.
// ABOUTME: Raw tokens travel only inside the invitation link; only sha256 stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateInviteToken creates a new invitation token. Returns the raw token
// (embedded in the invitation link, shown once) and the sha256 hex hash that
// is stored.
func GenerateInviteToken() (rawToken, tokenHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate invite token: %w", err)
	}
	rawToken = hex.EncodeToString(b)
	tokenHash = HashInviteToken(rawToken)
	return rawToken, tokenHash, nil
}

// HashInviteToken returns the sha256 hex hash of rawToken.
func HashInviteToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
