// Package ops implements the five cubist operations: backup, restore,
// delete, archives, and cleanup. Each driver is a plain function over an
// object store and an I/O engine; the CLI layer only parses flags, builds
// an Env, and renders the returned result.
package ops

import (
	"context"
	"fmt"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/ioengine"
	"github.com/cubist-backup/cubist/pkg/objectstore"
	"github.com/cubist-backup/cubist/pkg/refcount"
)

// Env carries the per-run collaborators every driver needs.
type Env struct {
	// Store is the bucket, already wrapped with metrics instrumentation
	// when enabled. Drivers route mutations through an engine's run store
	// on top of this.
	Store objectstore.Store

	// Tasks is the I/O engine concurrency.
	Tasks int
}

// loadRefcounts fetches the block refcount map for a mutating operation.
// A missing metadata object is only acceptable when the bucket holds no
// blocks at all (a fresh bucket); otherwise the bucket has diverged and
// only cleanup may proceed.
func loadRefcounts(ctx context.Context, store objectstore.Store) (*refcount.Map, error) {
	refs, err := refcount.Load(ctx, store)
	if err != nil {
		return nil, err
	}

	if refs.Len() == 0 {
		keys, err := store.List(ctx, objectstore.BlockPrefix)
		if err != nil {
			return nil, fmt.Errorf("listing blocks: %w", err)
		}
		if len(keys) > 0 {
			return nil, fmt.Errorf(
				"bucket holds %d blocks but no refcount metadata, run cleanup: %w",
				len(keys), cubisterr.ErrInconsistency)
		}
	}
	return refs, nil
}

// submitBlockDeletes queues DELETE jobs for keys, grouped up to the
// store's batched-delete limit so a large reclamation sweep costs one
// request per thousand keys against backends that support it.
func submitBlockDeletes(eng *ioengine.Engine, store objectstore.Store, keys []string) error {
	for start := 0; start < len(keys); start += objectstore.DeleteBatchSize {
		end := start + objectstore.DeleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		if err := eng.Submit(ioengine.Job{
			Desc: fmt.Sprintf("delete %d blocks", len(batch)),
			Run: func(jctx context.Context) error {
				return objectstore.DeleteAll(jctx, store, batch)
			},
		}); err != nil {
			return err
		}
	}
	return nil
}
