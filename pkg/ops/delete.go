package ops

import (
	"context"
	"fmt"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/archive"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/cubist-backup/cubist/pkg/ioengine"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// DeleteOptions configures one delete run.
type DeleteOptions struct {
	// Archives names the archives to remove.
	Archives []string

	// DryRun reports what would be removed without writing anything.
	DryRun bool
}

// DeleteResult summarizes a completed delete.
type DeleteResult struct {
	Deleted       []string                 `json:"deleted"`
	Missing       []string                 `json:"missing,omitempty"`
	BlocksRemoved int                      `json:"blocks_removed"`
	DryRun        bool                     `json:"dry_run,omitempty"`
	Store         ioengine.CounterSnapshot `json:"store"`
}

// Delete removes the named archives and reclaims every block whose
// refcount reaches zero. An archive that does not exist is reported in
// the result but does not abort the others; the run only fails when no
// named archive exists at all. Ordering matters for crash safety: the
// archive objects go first, then the rewritten metadata, then the
// orphaned blocks, so an interruption leaves at worst unreferenced
// blocks for cleanup to sweep, never a metadata entry pointing at a
// deleted block.
func Delete(ctx context.Context, env Env, opts DeleteOptions) (*DeleteResult, error) {
	if len(opts.Archives) == 0 {
		return nil, fmt.Errorf("no archives to delete: %w", cubisterr.ErrBadConfig)
	}

	eng, err := ioengine.New(env.Store, ioengine.Config{Tasks: env.Tasks, DryRun: opts.DryRun})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	defer eng.Cancel()

	store := eng.Store()
	refs, err := loadRefcounts(ctx, store)
	if err != nil {
		return nil, err
	}
	idx, err := archive.LoadIndex(ctx, store)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{DryRun: opts.DryRun}
	var zeroed []hash.Hash

	for _, name := range opts.Archives {
		data, err := store.Get(ctx, objectstore.ArchiveKey(name))
		if err != nil {
			if cubisterr.Classify(err) == cubisterr.KindNotFound {
				logger.WarnCtx(ctx, "archive not found", logger.Archive(name))
				result.Missing = append(result.Missing, name)
				continue
			}
			return nil, err
		}

		arch, err := archive.Decode(data)
		if err != nil {
			return nil, err
		}

		negated := make(map[hash.Hash]int64, len(arch.Delta))
		for h, c := range arch.Delta {
			negated[h] = -c
		}
		zeroed = append(zeroed, refs.Apply(ctx, negated)...)

		if err := store.Delete(ctx, objectstore.ArchiveKey(name)); err != nil {
			return nil, err
		}
		idx.Remove(name)
		result.Deleted = append(result.Deleted, name)
		logger.InfoCtx(ctx, "archive deleted", logger.Archive(name), logger.BlockCount(len(arch.Delta)))
	}

	if len(result.Deleted) == 0 {
		return result, fmt.Errorf("none of the named archives exist: %w", cubisterr.ErrNotFound)
	}

	if err := refs.Flush(ctx, store); err != nil {
		return nil, err
	}
	if err := idx.Flush(ctx, store); err != nil {
		return nil, err
	}

	orphanKeys := make([]string, 0, len(zeroed))
	for _, h := range zeroed {
		orphanKeys = append(orphanKeys, objectstore.BlockKey(h.String()))
	}
	if err := submitBlockDeletes(eng, store, orphanKeys); err != nil {
		return nil, err
	}

	if err := eng.Wait(); err != nil {
		return nil, err
	}

	result.BlocksRemoved = len(zeroed)
	result.Store = eng.Counters()
	logger.InfoCtx(ctx, "delete complete",
		"archives", len(result.Deleted),
		logger.BlockCount(result.BlocksRemoved),
		logger.DryRun(opts.DryRun))
	return result, nil
}
