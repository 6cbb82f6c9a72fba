package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// Address is a 32-byte content-addressed identifier derived from a public
// key by hashing. The full hash width is kept (no truncation) and a
// base58-checksum textual form is used for human I/O.
type Address [32]byte

// AddressZero is the sentinel empty address; treated as read-only.
var AddressZero = Address{}

// NewAddressFromPublicKey derives the content-addressed identifier for pk by
// hashing it with sha256.
func NewAddressFromPublicKey(pk []byte) Address {
	return Address(sha256.Sum256(pk))
}

// addressChecksumLen is the number of trailing checksum bytes appended to an
// address before base58 encoding, following the common base58-check layout.
const addressChecksumLen = 4

func addressChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:addressChecksumLen]
}

// String renders the address as base58-checksum text for human I/O.
func (a Address) String() string {
	payload := append(append([]byte{}, a[:]...), addressChecksum(a[:])...)
	return base58.Encode(payload)
}

// Bytes returns the raw 32-byte wire form.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether a is the sentinel zero address.
func (a Address) IsZero() bool { return a == AddressZero }

// ParseAddress decodes the base58-checksum textual form produced by String.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(raw) != len(a)+addressChecksumLen {
		return a, fmt.Errorf("parse address: bad length %d", len(raw))
	}
	payload, sum := raw[:len(a)], raw[len(a):]
	want := addressChecksum(payload)
	for i := range want {
		if sum[i] != want[i] {
			return a, fmt.Errorf("parse address: checksum mismatch")
		}
	}
	copy(a[:], payload)
	return a, nil
}

// AddressFromBytes copies 32 raw wire bytes into an Address, as used when
// decoding wire-format messages.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, fmt.Errorf("address: expected %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}
