package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/archive"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/cubist-backup/cubist/pkg/ioengine"
	"github.com/cubist-backup/cubist/pkg/objectstore"
	"github.com/cubist-backup/cubist/pkg/refcount"
)

// CleanupOptions configures one cleanup run.
type CleanupOptions struct {
	// DryRun reports what would be repaired without writing anything.
	DryRun bool
}

// CleanupResult summarizes what cleanup found and repaired.
type CleanupResult struct {
	ArchiveCount   int                      `json:"archive_count"`
	BlockCount     int                      `json:"block_count"`
	OrphansRemoved int                      `json:"orphans_removed"`
	MissingBlocks  []string                 `json:"missing_blocks,omitempty"`
	StaleRefcounts bool                     `json:"stale_refcounts"`
	DryRun         bool                     `json:"dry_run,omitempty"`
	Store          ioengine.CounterSnapshot `json:"store"`
}

// Cleanup is the recovery tool for a bucket whose metadata has diverged
// from its contents: after a crash between an archive commit and its
// metadata flush, after an interrupted delete, or after any metadata
// corruption. It rebuilds the refcount map from the archives themselves
// (the source of truth), deletes orphaned blocks, rewrites stale
// metadata, and reports blocks that are referenced but gone. Missing
// blocks cannot be repaired; their presence fails the run with
// Inconsistency after all repairs are applied. Running cleanup twice in
// a row performs no second-round mutations.
func Cleanup(ctx context.Context, env Env, opts CleanupOptions) (*CleanupResult, error) {
	eng, err := ioengine.New(env.Store, ioengine.Config{Tasks: env.Tasks, DryRun: opts.DryRun})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	defer eng.Cancel()

	store := eng.Store()

	// Fail open: a missing or corrupt refcount map is exactly what
	// cleanup exists to rebuild.
	stored, err := refcount.Load(ctx, store)
	if err != nil {
		logger.WarnCtx(ctx, "stored refcount map unreadable, rebuilding from archives", logger.Err(err))
		stored = refcount.New()
	}

	// Rebuild the authoritative counts by summing every archive's delta.
	archiveKeys, err := store.List(ctx, objectstore.ArchivePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}

	rebuilt := make(map[hash.Hash]uint64)
	idx := &archive.Index{}
	for _, key := range archiveKeys {
		data, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		arch, err := archive.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("archive %q: %w", strings.TrimPrefix(key, objectstore.ArchivePrefix), err)
		}
		for h, c := range arch.Delta {
			if c < 0 {
				return nil, fmt.Errorf("archive %q carries negative delta for %s: %w",
					arch.Name, h, cubisterr.ErrCorruptArchive)
			}
			rebuilt[h] += uint64(c)
		}
		idx.Add(archive.IndexEntry{
			Name:       arch.Name,
			CreatedAt:  arch.CreatedAt,
			BlockCount: uint64(len(arch.Delta)),
			DataSize:   arch.DataSize,
		})
	}

	// Cross-reference the rebuilt counts with the blocks actually present.
	blockKeys, err := store.List(ctx, objectstore.BlockPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}

	present := make(map[hash.Hash]bool, len(blockKeys))
	result := &CleanupResult{
		ArchiveCount: len(archiveKeys),
		BlockCount:   len(blockKeys),
		DryRun:       opts.DryRun,
	}

	var orphanKeys []string
	for _, key := range blockKeys {
		hexHash := strings.TrimPrefix(key, objectstore.BlockPrefix)
		h, err := hash.ParseHash(hexHash)
		if err != nil {
			logger.WarnCtx(ctx, "ignoring foreign key under blocks/", logger.Key(key))
			continue
		}
		present[h] = true

		if rebuilt[h] == 0 {
			orphanKeys = append(orphanKeys, key)
		}
	}

	result.OrphansRemoved = len(orphanKeys)
	if err := submitBlockDeletes(eng, store, orphanKeys); err != nil {
		return nil, err
	}

	for h := range rebuilt {
		if !present[h] {
			result.MissingBlocks = append(result.MissingBlocks, h.String())
		}
	}

	if !stored.Equal(rebuilt) {
		result.StaleRefcounts = true
		fresh := refcount.New()
		fresh.Apply(ctx, toSigned(rebuilt))
		if err := fresh.Flush(ctx, store); err != nil {
			return nil, err
		}
		logger.InfoCtx(ctx, "rewrote stale refcount metadata", logger.BlockCount(len(rebuilt)))
	}

	storedIdx, err := archive.LoadIndex(ctx, store)
	if err != nil || !indexesEqual(storedIdx, idx) {
		if err := idx.Flush(ctx, store); err != nil {
			return nil, err
		}
		logger.InfoCtx(ctx, "rewrote stale archive index", "archives", len(idx.Entries))
	}

	if err := eng.Wait(); err != nil {
		return nil, err
	}
	result.Store = eng.Counters()

	logger.InfoCtx(ctx, "cleanup complete",
		"archives", result.ArchiveCount,
		"orphans_removed", result.OrphansRemoved,
		"missing_blocks", len(result.MissingBlocks),
		"stale_refcounts", result.StaleRefcounts)

	if len(result.MissingBlocks) > 0 {
		return result, fmt.Errorf("%d referenced blocks are missing from the bucket: %w",
			len(result.MissingBlocks), cubisterr.ErrInconsistency)
	}
	return result, nil
}

func indexesEqual(a, b *archive.Index) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Entries) != len(b.Entries) {
		return false
	}
	for i, e := range a.Entries {
		if e != b.Entries[i] {
			return false
		}
	}
	return true
}

func toSigned(counts map[hash.Hash]uint64) map[hash.Hash]int64 {
	out := make(map[hash.Hash]int64, len(counts))
	for h, c := range counts {
		out[h] = int64(c)
	}
	return out
}
