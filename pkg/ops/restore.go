package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/archive"
	"github.com/cubist-backup/cubist/pkg/blocktree"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/filetree"
	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/cubist-backup/cubist/pkg/ioengine"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// RestoreOptions configures one restore run.
type RestoreOptions struct {
	// ArchiveName names the archive to restore.
	ArchiveName string

	// Target is the directory to restore into; created if missing.
	Target string

	// Order selects the traversal schedule. The on-disk result is the
	// same either way.
	Order filetree.Order
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	Archive     string                   `json:"archive"`
	Target      string                   `json:"target"`
	Files       int                      `json:"files"`
	Symlinks    int                      `json:"symlinks"`
	Directories int                      `json:"directories"`
	DataSize    uint64                   `json:"data_size"`
	Store       ioengine.CounterSnapshot `json:"store"`
}

// Restore recreates an archive's file tree under opts.Target. Directory
// and symlink creation happens on the producer in traversal order; each
// file's block-tree walk runs as one engine job, so file downloads
// proceed in parallel while any block failing decompression or hash
// verification aborts the whole run.
func Restore(ctx context.Context, env Env, opts RestoreOptions) (*RestoreResult, error) {
	data, err := env.Store.Get(ctx, objectstore.ArchiveKey(opts.ArchiveName))
	if err != nil {
		if cubisterr.Classify(err) == cubisterr.KindNotFound {
			return nil, fmt.Errorf("archive %q: %w", opts.ArchiveName, cubisterr.ErrNotFound)
		}
		return nil, err
	}
	arch, err := archive.Decode(data)
	if err != nil {
		return nil, err
	}

	eng, err := ioengine.New(env.Store, ioengine.Config{Tasks: env.Tasks})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	defer eng.Cancel()

	store := eng.Store()
	fetch := func(fctx context.Context, h hash.Hash) ([]byte, error) {
		return store.Get(fctx, objectstore.BlockKey(h.String()))
	}

	if err := os.MkdirAll(opts.Target, 0o755); err != nil {
		return nil, fmt.Errorf("creating target %s: %v: %w", opts.Target, err, cubisterr.ErrIO)
	}

	// Directories whose metadata must be applied after every child write,
	// deepest first, so file creation does not disturb restored mtimes.
	var dirs []restoredDir

	err = filetree.Walk(arch.Root, ".", opts.Order, func(rel string, n *filetree.Node) error {
		path := filepath.Join(opts.Target, rel)

		switch n.Kind {
		case filetree.KindDirectory:
			if rel != "." {
				if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
					return fmt.Errorf("creating directory %s: %v: %w", path, err, cubisterr.ErrIO)
				}
			}
			dirs = append(dirs, restoredDir{path: path, node: n, depth: pathDepth(rel)})
			return nil

		case filetree.KindSymlink:
			if err := os.Symlink(n.Target, path); err != nil {
				return fmt.Errorf("creating symlink %s: %v: %w", path, err, cubisterr.ErrIO)
			}
			return filetree.ApplyMetadata(path, n)

		case filetree.KindFile:
			node := n
			return eng.Submit(ioengine.Job{
				Desc: "restore " + path,
				Run: func(jctx context.Context) error {
					return restoreFile(jctx, fetch, path, node)
				},
			})

		default:
			return fmt.Errorf("archive %q: unknown node kind at %s: %w",
				arch.Name, rel, cubisterr.ErrCorruptArchive)
		}
	})
	if err != nil {
		_ = eng.Wait()
		return nil, err
	}

	if err := eng.Wait(); err != nil {
		return nil, err
	}

	// Deepest directories first, so touching a child cannot reset an
	// already-applied parent mtime.
	sortDirsDeepestFirst(dirs)
	for _, d := range dirs {
		if err := filetree.ApplyMetadata(d.path, d.node); err != nil {
			return nil, err
		}
	}

	files, symlinks, dirCount := filetree.Count(arch.Root)
	result := &RestoreResult{
		Archive:     arch.Name,
		Target:      opts.Target,
		Files:       files,
		Symlinks:    symlinks,
		Directories: dirCount,
		DataSize:    arch.DataSize,
		Store:       eng.Counters(),
	}

	logger.InfoCtx(ctx, "restore complete",
		logger.Archive(arch.Name),
		logger.Path(opts.Target),
		logger.Size(result.DataSize))
	return result, nil
}

type restoredDir struct {
	path  string
	node  *filetree.Node
	depth int
}

func pathDepth(rel string) int {
	if rel == "." {
		return 0
	}
	depth := 1
	for _, r := range rel {
		if r == filepath.Separator {
			depth++
		}
	}
	return depth
}

func sortDirsDeepestFirst(dirs []restoredDir) {
	sort.SliceStable(dirs, func(i, j int) bool {
		return dirs[i].depth > dirs[j].depth
	})
}

// restoreFile streams one file's block tree into path. Every payload is
// verified against its hash inside the walk before a byte is written.
func restoreFile(ctx context.Context, fetch blocktree.Fetch, path string, n *filetree.Node) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %v: %w", path, err, cubisterr.ErrIO)
	}

	if n.HasContent() {
		err = blocktree.Walk(ctx, fetch, n.Root, func(data []byte) error {
			if _, werr := f.Write(data); werr != nil {
				return fmt.Errorf("writing %s: %v: %w", path, werr, cubisterr.ErrIO)
			}
			return nil
		})
		if err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %v: %w", path, err, cubisterr.ErrIO)
	}
	return filetree.ApplyMetadata(path, n)
}
