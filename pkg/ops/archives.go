package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cubist-backup/cubist/pkg/archive"
	"github.com/cubist-backup/cubist/pkg/objectstore"
	"golang.org/x/sync/errgroup"
)

// ArchivesResult is the bucket's archive listing, sorted by creation
// time.
type ArchivesResult struct {
	Archives []archive.IndexEntry `json:"archives"`
}

// Archives lists every archive in the bucket. It scans archives/ and
// reads each object's plaintext header rather than trusting the
// metadata/archives index, so the listing stays correct even when a
// crashed run left the index stale. Header fetches are read-only, so a
// plain bounded errgroup serves here instead of the full I/O engine.
func Archives(ctx context.Context, env Env) (*ArchivesResult, error) {
	keys, err := env.Store.List(ctx, objectstore.ArchivePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := env.Tasks
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	entries := make([]archive.IndexEntry, 0, len(keys))

	for _, key := range keys {
		key := key
		g.Go(func() error {
			data, err := env.Store.Get(gctx, key)
			if err != nil {
				return err
			}
			header, err := archive.DecodeHeader(data)
			if err != nil {
				return fmt.Errorf("archive %q: %w", strings.TrimPrefix(key, objectstore.ArchivePrefix), err)
			}
			mu.Lock()
			entries = append(entries, archive.IndexEntry{
				Name:       header.Name,
				CreatedAt:  header.CreatedAt,
				BlockCount: header.BlockCount,
				DataSize:   header.DataSize,
			})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Name < entries[j].Name
	})
	return &ArchivesResult{Archives: entries}, nil
}
