package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte content digest, used for block ids, operation ids and
// datastore keys. Kept as its own type (rather than a bare [32]byte alias
// everywhere) so the wire codec and map keys stay unambiguous.
type Hash [32]byte

// HashBytes hashes an arbitrary byte slice with SHA-256, the single digest
// primitive used for every identifier in this package.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// Hex renders the hash as a lowercase hex string for logs and map keys.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Short prints the first and last two bytes, used for truncated log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:2]) + "…" + hex.EncodeToString(h[30:])
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromBytes copies 32 raw bytes into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("hash: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockId is the hash of a block's signed header.
type BlockId = Hash

// OperationId is the hash of a signed operation.
type OperationId = Hash
