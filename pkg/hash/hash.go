// Package hash provides 256-bit content hashing and Zstd
// compression/decompression for block payloads.
package hash

import (
	"encoding/hex"
	"fmt"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// Size is the length in bytes of a Hash.
const Size = 32

// Hash is a 32-byte BLAKE3 digest. It is a comparable array so it can be
// used directly as a map key (refcount.Map, block-tree level stacks).
type Hash [Size]byte

// String renders the hash as lowercase hex, the form used in object keys
// (blocks/<hex-hash>).
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash, used to represent "no root"
// for an empty file or empty block tree.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("hash %q has %d bytes, want %d", s, len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Sum returns the BLAKE3 hash of b in a single call.
func Sum(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// Hasher incrementally computes a BLAKE3 hash, so chunkers and the
// block-tree builder need not buffer a whole chunk or branch concatenation
// before finalizing.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a new incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Write implements io.Writer, feeding bytes into the running digest.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum finalizes the digest. The Hasher may keep being written to and
// summed again; BLAKE3's tree construction supports this without
// invalidating prior sums.
func (h *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], h.h.Sum(nil))
	return out
}

// Compress encodes b as a Zstd frame at the given level (1-19).
func Compress(b []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("constructing zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
}

// Decompress decodes a Zstd frame. It fails with ErrCorruptBlock if b is
// not a valid Zstd payload.
func Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", cubisterr.ErrCorruptBlock)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("constructing zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cubisterr.ErrCorruptBlock, err)
	}
	return out, nil
}
