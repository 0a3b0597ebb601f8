package util

import "github.com/zeebo/blake3"

// DigestSize is the length of a frame digest.
const DigestSize = 32

// Digest returns the BLAKE3-256 digest of data. The mirror uses it to skip
// frames whose pixels did not change and the viewer uses it to verify them.
func Digest(data []byte) [DigestSize]byte {
	return blake3.Sum256(data)
}
