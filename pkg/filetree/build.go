package filetree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/blocktree"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
)

// ProcessFile streams one regular file's contents into a block tree and
// returns its root. ok is false for an empty file. The backup driver
// supplies this; Build never touches file contents itself.
type ProcessFile func(ctx context.Context, path string) (root blocktree.Root, ok bool, size uint64, err error)

// inodeKey identifies a file across hardlinks within one backup run.
type inodeKey struct {
	dev uint64
	ino uint64
}

type inodeEntry struct {
	root blocktree.Root
	ok   bool
	size uint64
}

// Builder walks local paths into file-tree nodes. Files seen twice under
// the same device+inode reuse the first block tree instead of re-reading
// the content.
type Builder struct {
	process ProcessFile
	seen    map[inodeKey]inodeEntry
}

// NewBuilder returns a Builder that delegates file content to process.
func NewBuilder(process ProcessFile) *Builder {
	return &Builder{
		process: process,
		seen:    make(map[inodeKey]inodeEntry),
	}
}

// Build produces the node for path. The path itself is resolved through
// symlinks (backing up a symlink to a directory backs up the directory);
// anything below it is inspected literally, so nested symlinks become
// symlink nodes. Directory children are captured in byte-lexicographic
// order.
func (b *Builder) Build(ctx context.Context, path string) (*Node, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %v: %w", path, err, cubisterr.ErrIO)
	}
	return b.build(ctx, path, info)
}

func (b *Builder) build(ctx context.Context, path string, info os.FileInfo) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", cubisterr.ErrCancelled, err)
	}

	meta, dev := metadataFromFileInfo(info)

	switch {
	case info.Mode().IsRegular():
		return b.buildFile(ctx, path, meta, dev)

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %v: %w", path, err, cubisterr.ErrIO)
		}
		return &Node{Kind: KindSymlink, Meta: meta, Target: target}, nil

	case info.IsDir():
		return b.buildDir(ctx, path, meta)

	default:
		// Sockets, devices, fifos: not representable in an archive.
		logger.WarnCtx(ctx, "skipping special file", logger.Path(path), logger.TypeStr(info.Mode().String()))
		return nil, nil
	}
}

func (b *Builder) buildFile(ctx context.Context, path string, meta Metadata, dev uint64) (*Node, error) {
	key := inodeKey{dev: dev, ino: meta.Inode}
	if entry, found := b.seen[key]; found && key.ino != 0 {
		logger.DebugCtx(ctx, "reusing block tree for hardlinked file",
			logger.Path(path), logger.Inode(meta.Inode))
		return &Node{Kind: KindFile, Meta: meta, Root: rootOrZero(entry), Size: entry.size}, nil
	}

	root, ok, size, err := b.process(ctx, path)
	if err != nil {
		return nil, err
	}

	entry := inodeEntry{root: root, ok: ok, size: size}
	if key.ino != 0 {
		b.seen[key] = entry
	}
	return &Node{Kind: KindFile, Meta: meta, Root: rootOrZero(entry), Size: size}, nil
}

func rootOrZero(e inodeEntry) blocktree.Root {
	if !e.ok {
		return blocktree.Root{}
	}
	return e.root
}

func (b *Builder) buildDir(ctx context.Context, path string, meta Metadata) (*Node, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %v: %w", path, err, cubisterr.ErrIO)
	}

	// os.ReadDir sorts by filename already; re-sort defensively in case a
	// platform returns raw order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	node := &Node{Kind: KindDirectory, Meta: meta}
	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		info, err := os.Lstat(childPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %v: %w", childPath, err, cubisterr.ErrIO)
		}
		child, err := b.build(ctx, childPath, info)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		node.Children = append(node.Children, Child{Name: entry.Name(), Node: child})
	}
	node.SortChildren()
	return node, nil
}
