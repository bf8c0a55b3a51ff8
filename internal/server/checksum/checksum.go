// Package checksum computes the content digests that address stored blobs.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a fixed-size content hash. Equal inputs always produce equal
// digests.
type Digest [Size]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

// Bytes returns the digest as a slice, suitable for BYTEA columns.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Hex returns the lowercase hexadecimal form used in link templates.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// Equal reports whether d matches a stored hash.
func (d Digest) Equal(stored []byte) bool {
	return bytes.Equal(d[:], stored)
}

// FromBytes converts a stored hash back into a Digest. ok is false when
// the length does not match.
func FromBytes(b []byte) (d Digest, ok bool) {
	if len(b) != Size {
		return d, false
	}
	copy(d[:], b)
	return d, true
}
