package blocktree

import (
	"context"
	"fmt"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/hash"
)

// Fetch retrieves the raw stored payload of a block by hash.
type Fetch func(ctx context.Context, h hash.Hash) ([]byte, error)

// Emit receives one leaf's uncompressed bytes. Leaves arrive in file
// order; the callback owns the slice.
type Emit func(data []byte) error

// Walk streams the uncompressed contents of the tree at root through
// emit. Every fetched payload is verified against the hash it was
// requested under before use: a branch re-hashes the raw bytes, a leaf
// hashes the compressed payload. A mismatch fails with HashMismatch; a
// leaf that is not valid Zstd fails with CorruptBlock.
func Walk(ctx context.Context, fetch Fetch, root Root, emit Emit) error {
	return walk(ctx, fetch, root.Hash, int(root.Depth), emit)
}

func walk(ctx context.Context, fetch Fetch, h hash.Hash, depth int, emit Emit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", cubisterr.ErrCancelled, err)
	}

	payload, err := fetch(ctx, h)
	if err != nil {
		return fmt.Errorf("fetching block %s: %w", h, err)
	}

	if got := hash.Sum(payload); got != h {
		return fmt.Errorf("block %s: stored payload hashes to %s: %w", h, got, cubisterr.ErrHashMismatch)
	}

	if depth == 0 {
		data, err := hash.Decompress(payload)
		if err != nil {
			return fmt.Errorf("leaf %s: %w", h, err)
		}
		return emit(data)
	}

	children, err := SplitBranch(payload)
	if err != nil {
		return fmt.Errorf("branch %s: %w", h, err)
	}
	for _, child := range children {
		if err := walk(ctx, fetch, child, depth-1, emit); err != nil {
			return err
		}
	}
	return nil
}

// SplitBranch decodes a branch payload into its ordered child hashes.
func SplitBranch(payload []byte) ([]hash.Hash, error) {
	if len(payload) == 0 || len(payload)%hash.Size != 0 {
		return nil, fmt.Errorf("branch payload of %d bytes is not a hash multiple: %w",
			len(payload), cubisterr.ErrCorruptBlock)
	}

	children := make([]hash.Hash, len(payload)/hash.Size)
	for i := range children {
		copy(children[i][:], payload[i*hash.Size:])
	}
	return children, nil
}

// Hashes walks the tree at root and collects every block hash it
// references, branches included, in visit order.
func Hashes(ctx context.Context, fetch Fetch, root Root) ([]hash.Hash, error) {
	var out []hash.Hash
	err := visitHashes(ctx, fetch, root.Hash, int(root.Depth), &out)
	return out, err
}

func visitHashes(ctx context.Context, fetch Fetch, h hash.Hash, depth int, out *[]hash.Hash) error {
	*out = append(*out, h)
	if depth == 0 {
		return nil
	}

	payload, err := fetch(ctx, h)
	if err != nil {
		return fmt.Errorf("fetching branch %s: %w", h, err)
	}
	children, err := SplitBranch(payload)
	if err != nil {
		return fmt.Errorf("branch %s: %w", h, err)
	}
	for _, child := range children {
		if err := visitHashes(ctx, fetch, child, depth-1, out); err != nil {
			return err
		}
	}
	return nil
}
