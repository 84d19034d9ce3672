// Package blocktree builds and walks the Merkle tree of blocks that
// represents one file's contents. Leaves hold Zstd-compressed chunk data;
// a branch holds the concatenated hashes of its children, all one level
// below it. The builder is streaming: it keeps one small vector of hashes
// per level and never materializes the whole tree.
package blocktree

import (
	"context"
	"fmt"

	"github.com/cubist-backup/cubist/pkg/hash"
)

// Sink receives each sealed block exactly once, in the order it is
// produced. level 0 payloads are compressed leaf data; level N >= 1
// payloads are raw hash concatenations. Implementations decide whether
// the block actually needs uploading (the refcount map is the oracle).
type Sink interface {
	StoreBlock(ctx context.Context, h hash.Hash, payload []byte, level int) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, h hash.Hash, payload []byte, level int) error

func (f SinkFunc) StoreBlock(ctx context.Context, h hash.Hash, payload []byte, level int) error {
	return f(ctx, h, payload, level)
}

// Params configures a Builder.
type Params struct {
	// BranchCap bounds the byte length of a branch payload. A level is
	// sealed only when appending one more hash would exceed the cap;
	// landing exactly on it does not seal. With 32-byte hashes and a
	// 1 MiB cap the fanout is up to 32768.
	BranchCap int

	// CompressionLevel is the Zstd level applied to leaf payloads, 1-19.
	CompressionLevel int
}

// Root identifies a finished block tree.
type Root struct {
	// Hash is the root block's hash. For a single-leaf file it is the
	// leaf hash itself; no branch is created.
	Hash hash.Hash

	// Depth is the level of the root: 0 means the root is a leaf. The
	// walker needs it to know whether a fetched payload is compressed
	// data or a hash concatenation.
	Depth uint8
}

// Builder accumulates leaves into a bounded-fanout tree. It is not safe
// for concurrent use: one builder serves one file on the producer worker.
type Builder struct {
	params Params
	sink   Sink

	// levels[i] holds the unsealed hashes at level i.
	levels [][]hash.Hash

	leaves    int
	rawBytes  uint64
	compBytes uint64
}

// NewBuilder returns a Builder emitting sealed blocks into sink.
func NewBuilder(params Params, sink Sink) *Builder {
	return &Builder{params: params, sink: sink}
}

// AddLeaf compresses one chunk, hashes the compressed payload, hands the
// block to the sink, and threads the hash into the level stacks. The
// returned hash addresses the stored (compressed) bytes.
func (b *Builder) AddLeaf(ctx context.Context, data []byte) (hash.Hash, error) {
	compressed, err := hash.Compress(data, b.params.CompressionLevel)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("compressing leaf: %w", err)
	}
	h := hash.Sum(compressed)

	if err := b.sink.StoreBlock(ctx, h, compressed, 0); err != nil {
		return hash.Hash{}, err
	}

	b.leaves++
	b.rawBytes += uint64(len(data))
	b.compBytes += uint64(len(compressed))

	if err := b.push(ctx, 0, h); err != nil {
		return hash.Hash{}, err
	}
	return h, nil
}

// push appends h at level, sealing the level first if one more hash
// would push its concatenation past the cap.
func (b *Builder) push(ctx context.Context, level int, h hash.Hash) error {
	for len(b.levels) <= level {
		b.levels = append(b.levels, nil)
	}

	if (len(b.levels[level])+1)*hash.Size > b.params.BranchCap {
		if err := b.seal(ctx, level); err != nil {
			return err
		}
	}

	b.levels[level] = append(b.levels[level], h)
	return nil
}

// seal concatenates the pending hashes at level into a branch payload,
// stores it one level up, and clears the level.
func (b *Builder) seal(ctx context.Context, level int) error {
	pending := b.levels[level]
	if len(pending) == 0 {
		return nil
	}

	payload := make([]byte, 0, len(pending)*hash.Size)
	for _, h := range pending {
		payload = append(payload, h[:]...)
	}
	branchHash := hash.Sum(payload)

	if err := b.sink.StoreBlock(ctx, branchHash, payload, level+1); err != nil {
		return err
	}

	b.levels[level] = b.levels[level][:0]
	return b.push(ctx, level+1, branchHash)
}

// Finish seals the remaining levels bottom-up and returns the root. ok is
// false for an empty stream: an empty file has no block tree at all.
func (b *Builder) Finish(ctx context.Context) (root Root, ok bool, err error) {
	for level := 0; level < len(b.levels); level++ {
		n := len(b.levels[level])
		if n == 0 {
			continue
		}

		if n == 1 && b.topLevel(level) {
			return Root{Hash: b.levels[level][0], Depth: uint8(level)}, true, nil
		}

		// More than one hash here, or a single hash with siblings waiting
		// above: seal so this level's hashes join the level above.
		if err := b.seal(ctx, level); err != nil {
			return Root{}, false, err
		}
	}

	return Root{}, false, nil
}

// topLevel reports whether every level above the given one is empty.
func (b *Builder) topLevel(level int) bool {
	for i := level + 1; i < len(b.levels); i++ {
		if len(b.levels[i]) > 0 {
			return false
		}
	}
	return true
}

// Leaves returns the number of leaves added so far.
func (b *Builder) Leaves() int {
	return b.leaves
}

// RawBytes returns the total uncompressed bytes added so far.
func (b *Builder) RawBytes() uint64 {
	return b.rawBytes
}

// CompressedBytes returns the total compressed bytes produced so far.
func (b *Builder) CompressedBytes() uint64 {
	return b.compBytes
}
