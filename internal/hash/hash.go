package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Size is the length in hex characters of every digest produced by this package.
const Size = sha256.Size * 2

func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func DigestString(data string) string {
	return Digest([]byte(data))
}

// Commit turns a content identifier into the commitment stored in blocks.
// Raw identifiers never enter the chain.
func Commit(cid string) string {
	return DigestString(cid)
}

// IsDigest reports whether s looks like a digest produced by Digest.
func IsDigest(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// LeadingZeros counts the leading '0' hex characters of a digest.
func LeadingZeros(digest string) int {
	n := 0
	for n < len(digest) && digest[n] == '0' {
		n++
	}
	return n
}
