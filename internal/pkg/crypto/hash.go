package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeSHA256 returns the lowercase hex SHA-256 digest of data. It is the
// checksum format clients send and cloud vendors report.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateSHA256 reports whether s is a hex SHA-256 digest, in either case.
func ValidateSHA256(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ChecksumsEqual compares two hex checksums case-insensitively.
func ChecksumsEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
