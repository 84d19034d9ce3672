// Package objectstore defines the object-store abstraction cubist backs
// every archive and block onto: a flat key/value namespace with
// get, conditional put, overwrite put, prefix listing, and delete. Two
// implementations are provided: memory, for tests, and s3, for any
// S3-compatible bucket.
package objectstore

import (
	"context"
)

// Key prefixes partition the flat namespace. An archive's manifest
// lives at ArchivePrefix+name; a content-addressed block lives at
// BlockPrefix+hex(hash); the two metadata documents are singletons.
const (
	ArchivePrefix = "archives/"
	BlockPrefix   = "blocks/"

	MetadataArchivesKey = "metadata/archives"
	MetadataBlocksKey   = "metadata/blocks"
)

// ArchiveKey returns the object key for an archive manifest named name.
func ArchiveKey(name string) string {
	return ArchivePrefix + name
}

// BlockKey returns the object key for a block identified by its hex-encoded
// content hash.
func BlockKey(hexHash string) string {
	return BlockPrefix + hexHash
}

// Store is the abstraction every subsystem uses to talk to the backing
// bucket. Implementations must be safe for concurrent use: the I/O engine
// calls these methods from many goroutines at once.
type Store interface {
	// Get returns the full contents of key, or ErrNotFound if it does not
	// exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// PutIfAbsent writes data to key only if key does not already exist.
	// Returns ErrAlreadyExists if it does. Used for blocks, where a racing
	// writer producing identical content is fine, and for archive names,
	// where it is not.
	PutIfAbsent(ctx context.Context, key string, data []byte) error

	// Put writes data to key, overwriting any existing object. Used for the
	// two metadata singletons, which are always wholesale-replaced.
	Put(ctx context.Context, key string, data []byte) error

	// List returns every key with the given prefix, in no particular
	// order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// DeleteBatchSize is the most keys a single batched delete may carry,
// matching the S3 DeleteObjects per-call limit.
const DeleteBatchSize = 1000

// BatchDeleter is implemented by stores that can remove many keys in one
// backend call. The delete and cleanup drivers reclaim blocks through it
// so a large orphan sweep costs one request per thousand keys instead of
// one per key.
type BatchDeleter interface {
	DeleteBatch(ctx context.Context, keys []string) error
}

// DeleteAll removes keys through the store's batch capability when it
// has one, falling back to per-key deletes otherwise.
func DeleteAll(ctx context.Context, store Store, keys []string) error {
	if bd, ok := store.(BatchDeleter); ok {
		return bd.DeleteBatch(ctx, keys)
	}
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
