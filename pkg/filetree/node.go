// Package filetree models the directory structure captured by an archive:
// files, symlinks, and directories, each with its filesystem metadata.
// The backup walker produces a tree from local paths; the restore walker
// recreates local entries from a tree.
//
// Hardlinks are detected during backup (identical device+inode pairs
// reuse the already-built block tree) but are NOT reconstructed on
// restore: every file node restores as an independent regular file. The
// inode number is carried as plain metadata.
package filetree

import (
	"sort"
	"time"

	"github.com/cubist-backup/cubist/pkg/blocktree"
)

// Kind discriminates the three node shapes.
type Kind uint8

const (
	KindFile Kind = iota
	KindSymlink
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Metadata carries the per-node filesystem attributes captured at backup
// time. Timestamps are UTC with nanosecond precision.
type Metadata struct {
	Inode uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime time.Time
	Ctime time.Time
	Mtime time.Time
}

// Node is one entry in the file tree. Exactly one of the shape-specific
// field groups is meaningful, selected by Kind.
type Node struct {
	Kind Kind
	Meta Metadata

	// File fields. A file with no content (zero length) has a zero Root.
	Root blocktree.Root
	Size uint64

	// Symlink target, stored as the raw link bytes, never resolved.
	Target string

	// Directory children, ordered lexicographically by name.
	Children []Child
}

// Child pairs a directory entry's name with its node.
type Child struct {
	Name string
	Node *Node
}

// HasContent reports whether a file node carries a block tree.
func (n *Node) HasContent() bool {
	return n.Kind == KindFile && !n.Root.Hash.IsZero()
}

// Child returns the named child of a directory node, or nil.
func (n *Node) Child(name string) *Node {
	i := sort.Search(len(n.Children), func(i int) bool {
		return n.Children[i].Name >= name
	})
	if i < len(n.Children) && n.Children[i].Name == name {
		return n.Children[i].Node
	}
	return nil
}

// SortChildren enforces the canonical byte-lexicographic child order.
func (n *Node) SortChildren() {
	sort.Slice(n.Children, func(i, j int) bool {
		return n.Children[i].Name < n.Children[j].Name
	})
}

// Equal reports deep equality of two trees, metadata included. Used by
// round-trip tests.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Kind != other.Kind || n.Meta != other.Meta {
		return false
	}
	switch n.Kind {
	case KindFile:
		return n.Root == other.Root && n.Size == other.Size
	case KindSymlink:
		return n.Target == other.Target
	case KindDirectory:
		if len(n.Children) != len(other.Children) {
			return false
		}
		for i, c := range n.Children {
			o := other.Children[i]
			if c.Name != o.Name || !c.Node.Equal(o.Node) {
				return false
			}
		}
		return true
	}
	return false
}
