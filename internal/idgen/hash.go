// Package idgen generates deterministic, content-derived identifiers used
// throughout ThemisDB: content ids, checkpoint names, and transaction tags.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of specified length.
func EncodeBase36(data []byte, length int) string {
	// Convert bytes to big integer
	num := new(big.Int).SetBytes(data)

	// Convert to base36
	var result strings.Builder
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	// Build the string in reverse
	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	// Reverse the string
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	// Pad with zeros if needed
	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}

	// Truncate to exact length if needed (keep least significant digits)
	if len(str) > length {
		str = str[len(str)-length:]
	}

	return str
}

// ContentID derives a stable content id from a hex SHA-256 digest. Two
// imports of byte-identical blobs produce the same id, which is what lets
// the content pipeline's dedup step (spec §4.7) key a lookup by hash before
// minting anything new.
func ContentID(sha256Hex string, length int) string {
	return EncodeBase36([]byte(sha256Hex), length)
}

// NonceID mixes a caller-supplied seed, a wall-clock timestamp, and a nonce
// into a short base36 identifier. Used for checkpoint directory names and
// saga-log entry tags where uniqueness (not content-addressing) is the goal.
func NonceID(prefix, seed string, timestamp time.Time, nonce int, length int) string {
	content := fmt.Sprintf("%s|%d|%d", seed, timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))
	numBytes := bytesForLength(length)
	short := EncodeBase36(hash[:numBytes], length)
	if prefix == "" {
		return short
	}
	return fmt.Sprintf("%s-%s", prefix, short)
}

// bytesForLength picks how many hash bytes feed EncodeBase36 for a target
// string length: 2 bytes up to length 3, 4 bytes for 4-5, 5 bytes for
// 6-7, and 6 bytes for anything longer.
func bytesForLength(length int) int {
	switch {
	case length <= 3:
		return 2
	case length <= 5:
		return 4
	case length <= 7:
		return 5
	default:
		return 6
	}
}
