package ops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/archive"
	"github.com/cubist-backup/cubist/pkg/blocktree"
	"github.com/cubist-backup/cubist/pkg/bufpool"
	"github.com/cubist-backup/cubist/pkg/chunk"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/filetree"
	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/cubist-backup/cubist/pkg/ioengine"
	"github.com/cubist-backup/cubist/pkg/objectstore"
	"github.com/cubist-backup/cubist/pkg/refcount"
)

// archiveNameLayout is the default archive name: an ISO-8601 UTC second
// timestamp.
const archiveNameLayout = "2006-01-02T15:04:05Z"

// maxNameCollisions bounds the "-2", "-3", ... suffix search for an
// auto-generated name before giving up.
const maxNameCollisions = 100

// BackupOptions configures one backup run.
type BackupOptions struct {
	// Paths are the filesystem roots to capture. Each becomes a child of
	// the archive root, named by its base name.
	Paths []string

	// Name is the archive name; empty uses a UTC timestamp, retrying
	// with a numeric suffix on collision. An explicit name that collides
	// fails with AlreadyExists.
	Name string

	// ChunkTargetSize is the CDC target chunk size in bytes.
	ChunkTargetSize uint64

	// CompressionLevel is the Zstd level for leaf payloads.
	CompressionLevel int

	// BranchCap bounds branch payload size in bytes.
	BranchCap int

	// DryRun reports what would be uploaded without writing anything.
	DryRun bool

	// Transient runs the full backup, then rolls every write back,
	// leaving the bucket bitwise identical. Useful for exercising a
	// pipeline against a production bucket without committing.
	Transient bool
}

// BackupResult summarizes a completed backup for the stats sink.
type BackupResult struct {
	Archive       string                   `json:"archive"`
	CreatedAt     time.Time                `json:"created_at"`
	Files         int                      `json:"files"`
	Symlinks      int                      `json:"symlinks"`
	Directories   int                      `json:"directories"`
	DataSize      uint64                   `json:"data_size"`
	BlocksNew     int                      `json:"blocks_new"`
	BlocksReused  int                      `json:"blocks_reused"`
	BytesRaw      uint64                   `json:"bytes_raw"`
	BytesStored   uint64                   `json:"bytes_stored"`
	DryRun        bool                     `json:"dry_run,omitempty"`
	Transient     bool                     `json:"transient,omitempty"`
	Store         ioengine.CounterSnapshot `json:"store"`
}

// Backup captures opts.Paths into a new archive. The archive object PUT
// is the commit point: the refcount map and archive index are flushed
// strictly after it, so a crash in between leaves only an over-count
// that cleanup reconciles.
func Backup(ctx context.Context, env Env, opts BackupOptions) (*BackupResult, error) {
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("no paths to back up: %w", cubisterr.ErrBadConfig)
	}

	eng, err := ioengine.New(env.Store, ioengine.Config{
		Tasks:     env.Tasks,
		DryRun:    opts.DryRun,
		Transient: opts.Transient,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	finished := false
	defer func() {
		if !finished {
			// Rollback must run even after cancellation or failure.
			_ = eng.Finish(context.WithoutCancel(ctx))
		}
	}()

	store := eng.Store()
	refs, err := loadRefcounts(ctx, store)
	if err != nil {
		return nil, err
	}

	b := &backupRun{
		engine:    eng,
		store:     store,
		refs:      refs,
		opts:      opts,
		delta:     make(map[hash.Hash]int64),
		scheduled: make(map[hash.Hash]bool),
	}

	root, err := b.buildRoot(ctx)
	if err != nil {
		return nil, err
	}

	// All block PUTs must be acknowledged before the archive commit.
	if err := eng.Wait(); err != nil {
		return nil, err
	}

	zeroed := refs.Apply(ctx, b.delta)
	if len(zeroed) != 0 {
		// A backup only adds references; reaching zero means the delta
		// went negative somewhere, which cannot happen.
		return nil, fmt.Errorf("backup produced negative refcounts: %w", cubisterr.ErrInconsistency)
	}

	arch := &archive.Archive{
		Name:      opts.Name,
		CreatedAt: time.Now().UTC(),
		Root:      root,
		Delta:     b.delta,
		DataSize:  filetree.TotalSize(root),
	}

	name, err := commitArchive(ctx, store, arch, opts.Name == "")
	if err != nil {
		return nil, err
	}
	arch.Name = name

	if err := refs.Flush(ctx, store); err != nil {
		return nil, err
	}

	idx, err := archive.LoadIndex(ctx, store)
	if err != nil {
		return nil, err
	}
	idx.Add(archive.IndexEntry{
		Name:       arch.Name,
		CreatedAt:  arch.CreatedAt,
		BlockCount: uint64(len(arch.Delta)),
		DataSize:   arch.DataSize,
	})
	if err := idx.Flush(ctx, store); err != nil {
		return nil, err
	}

	finished = true
	if err := eng.Finish(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	files, symlinks, dirs := filetree.Count(root)
	result := &BackupResult{
		Archive:      arch.Name,
		CreatedAt:    arch.CreatedAt,
		Files:        files,
		Symlinks:     symlinks,
		Directories:  dirs,
		DataSize:     arch.DataSize,
		BlocksNew:    b.blocksNew,
		BlocksReused: b.blocksReused,
		BytesRaw:     b.bytesRaw,
		BytesStored:  b.bytesStored,
		DryRun:       opts.DryRun,
		Transient:    opts.Transient,
		Store:        eng.Counters(),
	}

	logger.InfoCtx(ctx, "backup complete",
		logger.Archive(result.Archive),
		logger.BlockCount(result.BlocksNew),
		logger.Size(result.DataSize),
		logger.DryRun(opts.DryRun))
	return result, nil
}

// backupRun holds the single-producer state threading through one backup.
type backupRun struct {
	engine *ioengine.Engine
	store  objectstore.Store
	refs   *refcount.Map
	opts   BackupOptions

	// delta is this archive's refcount contribution. Only the producer
	// touches it; workers never see it.
	delta map[hash.Hash]int64

	// scheduled marks hashes already queued for upload in this run, so a
	// block new to the bucket but referenced twice uploads once.
	scheduled map[hash.Hash]bool

	blocksNew    int
	blocksReused int
	bytesRaw     uint64
	bytesStored  uint64
}

// buildRoot walks every input path into a synthetic root directory whose
// children are the paths' base names.
func (b *backupRun) buildRoot(ctx context.Context) (*filetree.Node, error) {
	builder := filetree.NewBuilder(b.processFile)

	root := &filetree.Node{
		Kind: filetree.KindDirectory,
		Meta: filetree.Metadata{
			Mode:  uint32(os.ModeDir | 0o755),
			Atime: time.Now().UTC(),
			Ctime: time.Now().UTC(),
			Mtime: time.Now().UTC(),
		},
	}

	seen := make(map[string]string, len(b.opts.Paths))
	for _, path := range b.opts.Paths {
		name := filepath.Base(filepath.Clean(path))
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("paths %q and %q both map to archive entry %q: %w",
				prev, path, name, cubisterr.ErrBadConfig)
		}
		seen[name] = path

		logger.InfoCtx(ctx, "backing up path", logger.Path(path))
		node, err := builder.Build(ctx, path)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		root.Children = append(root.Children, filetree.Child{Name: name, Node: node})
	}

	root.SortChildren()
	return root, nil
}

// processFile streams one file through the chunker and block-tree
// builder. It runs on the producer; only the PUT jobs it spawns execute
// on workers.
func (b *backupRun) processFile(ctx context.Context, path string) (blocktree.Root, bool, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return blocktree.Root{}, false, 0, fmt.Errorf("opening %s: %v: %w", path, err, cubisterr.ErrIO)
	}
	defer f.Close()

	builder := blocktree.NewBuilder(blocktree.Params{
		BranchCap:        b.opts.BranchCap,
		CompressionLevel: b.opts.CompressionLevel,
	}, blocktree.SinkFunc(b.storeBlock))

	ck := chunk.New(f, b.opts.ChunkTargetSize)
	for {
		c, err := ck.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return blocktree.Root{}, false, 0, fmt.Errorf("chunking %s: %w", path, err)
		}
		if _, err := builder.AddLeaf(ctx, c.Data); err != nil {
			bufpool.Put(c.Data)
			return blocktree.Root{}, false, 0, err
		}
		bufpool.Put(c.Data)
	}

	root, ok, err := builder.Finish(ctx)
	if err != nil {
		return blocktree.Root{}, false, 0, err
	}

	b.bytesRaw += builder.RawBytes()
	logger.DebugCtx(ctx, "file chunked",
		logger.Path(path),
		logger.BlockCount(builder.Leaves()),
		logger.Size(builder.RawBytes()))
	return root, ok, builder.RawBytes(), nil
}

// storeBlock is the block-tree sink: count the reference, then decide
// whether the block needs an upload. Presence in the refcount map means
// the block already exists remotely; presence in scheduled means this
// run is already uploading it.
func (b *backupRun) storeBlock(ctx context.Context, h hash.Hash, payload []byte, level int) error {
	b.delta[h]++

	if b.refs.Count(h) > 0 || b.scheduled[h] {
		b.blocksReused++
		return nil
	}
	b.scheduled[h] = true
	b.blocksNew++
	b.bytesStored += uint64(len(payload))

	key := objectstore.BlockKey(h.String())
	return b.engine.Submit(ioengine.Job{
		Desc: "put " + key,
		Run: func(jctx context.Context) error {
			err := b.store.PutIfAbsent(jctx, key, payload)
			// A block appearing out from under us is fine: content
			// addressing makes the existing object byte-identical.
			if err != nil && cubisterr.Classify(err) == cubisterr.KindAlreadyExists {
				return nil
			}
			return err
		},
	})
}

// commitArchive writes the archive object under a collision-free name.
// autoName enables the numeric-suffix retry for generated names.
func commitArchive(ctx context.Context, store objectstore.Store, arch *archive.Archive, autoName bool) (string, error) {
	base := arch.Name
	if base == "" {
		base = arch.CreatedAt.Format(archiveNameLayout)
	}

	name := base
	for attempt := 2; ; attempt++ {
		arch.Name = name
		data, err := archive.Encode(arch)
		if err != nil {
			return "", err
		}

		err = store.PutIfAbsent(ctx, objectstore.ArchiveKey(name), data)
		if err == nil {
			return name, nil
		}
		if cubisterr.Classify(err) != cubisterr.KindAlreadyExists {
			return "", err
		}
		if !autoName {
			return "", fmt.Errorf("archive %q already exists: %w", name, cubisterr.ErrAlreadyExists)
		}
		if attempt > maxNameCollisions {
			return "", fmt.Errorf("no free archive name after %d attempts at %q: %w",
				maxNameCollisions, base, cubisterr.ErrAlreadyExists)
		}
		name = fmt.Sprintf("%s-%d", base, attempt)
	}
}
