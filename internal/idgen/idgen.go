// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// idLength is the number of base62 characters after the prefix.
const idLength = 20

// WithPrefix generates a random ID with a prefix (e.g. "acc_", "agt_", "txn_").
// Result is prefix + 20 base62 chars.
func WithPrefix(prefix string) string {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	out := make([]byte, idLength)
	for i, v := range b {
		out[i] = base62[int(v)%len(base62)]
	}
	return prefix + string(out)
}

// Hex generates a random hex string of the given byte length.
// Used for API key material, where the full 256 bits matter.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
