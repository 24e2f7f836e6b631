package utils

import (
	"crypto/sha256"
	"encoding/hex"

	"themesync/shared/types"
)

// HashContent returns the SHA-256 content hash of a file's bytes
func HashContent(content []byte) shared.Hash {
	hash := sha256.Sum256(content)
	return shared.Hash(hex.EncodeToString(hash[:]))
}

// IsValidHash checks that h looks like a SHA-256 hex digest
func IsValidHash(h shared.Hash) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}
