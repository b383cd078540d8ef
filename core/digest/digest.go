package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// JCS canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func JCS(input []byte) (string, error) {
	canonical, err := CanonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ChainLink computes the content hash of one audit chain entry over its
// parent hash, class, description, and timestamp. The parent hash is empty
// for the first entry of a session.
func ChainLink(parentHash, class, description string, createdAt time.Time) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", parentHash, class, description, createdAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Fold reduces an ordered list of entry hashes into one summary hash.
// The fold is order-sensitive: changing or reordering any input hash
// changes the result.
func Fold(hashes []string) string {
	summary := ""
	for _, h := range hashes {
		raw := fmt.Sprintf("%s:%s", summary, h)
		sum := sha256.Sum256([]byte(raw))
		summary = hex.EncodeToString(sum[:])
	}
	return summary
}

// IsHex reports whether value is a well-formed sha256 hex digest.
func IsHex(value string) bool {
	if len(value) != 64 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
