package tieredcache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest of a stored record.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// MarshalText encodes the digest as hex so L2 records stay readable JSON.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex digest written by MarshalText.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	var decoded Hash
	if _, err := hex.Decode(decoded[:], text); err != nil {
		return fmt.Errorf("invalid digest: %w", err)
	}
	*h = decoded
	return nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashVector computes the BLAKE3 hash of the little-endian float32 encoding
// of v. Two vectors hash equal only if every component is bit-identical.
func HashVector(v []float32) Hash {
	h := blake3.New()
	var buf [4]byte
	for _, x := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		_, _ = h.Write(buf[:])
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash
}
