package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashLen is the length of a hex-encoded SHA-256 digest.
const HashLen = 64

// ZeroHash is the predecessor reference carried by the genesis block.
var ZeroHash = strings.Repeat("0", HashLen)

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the raw SHA-256 digest of data.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashConcat hashes the concatenation of already-hex-encoded digests.
// Each part is length-prefixed so ("ab","c") and ("a","bc") differ.
func HashConcat(parts ...string) string {
	h := sha256.New()
	var prefix [4]byte
	for _, p := range parts {
		n := len(p)
		prefix[0], prefix[1], prefix[2], prefix[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		h.Write(prefix[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsHash reports whether s is a well-formed lowercase hex digest.
func IsHash(s string) bool {
	return len(s) == HashLen && isLowerHex(s)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
