package filetree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
)

// Order selects the traversal schedule of a restore walk. The on-disk
// result is identical either way; only the sequence of visits differs.
type Order int

const (
	// DepthFirst finishes a subtree before starting the next sibling.
	DepthFirst Order = iota
	// BreadthFirst visits every entry at depth D before any at depth D+1.
	BreadthFirst
)

// ParseOrder maps the CLI flag values onto an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "depth-first", "dfs":
		return DepthFirst, nil
	case "breadth-first", "bfs":
		return BreadthFirst, nil
	default:
		return 0, fmt.Errorf("unknown traversal order %q: %w", s, cubisterr.ErrBadConfig)
	}
}

func (o Order) String() string {
	if o == BreadthFirst {
		return "breadth-first"
	}
	return "depth-first"
}

// Visit receives each node with its path relative to the walk root.
// Parents are always visited before their children in both orders.
type Visit func(relPath string, n *Node) error

// Walk traverses the tree rooted at n in the given order. relRoot names
// the root node's own relative path ("." for an archive root).
func Walk(n *Node, relRoot string, order Order, visit Visit) error {
	if order == BreadthFirst {
		return walkBreadth(n, relRoot, visit)
	}
	return walkDepth(n, relRoot, visit)
}

func walkDepth(n *Node, rel string, visit Visit) error {
	if err := visit(rel, n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := walkDepth(c.Node, filepath.Join(rel, c.Name), visit); err != nil {
			return err
		}
	}
	return nil
}

func walkBreadth(n *Node, rel string, visit Visit) error {
	type item struct {
		rel  string
		node *Node
	}
	queue := []item{{rel: rel, node: n}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		if err := visit(it.rel, it.node); err != nil {
			return err
		}
		for _, c := range it.node.Children {
			queue = append(queue, item{rel: filepath.Join(it.rel, c.Name), node: c.Node})
		}
	}
	return nil
}

// ApplyMetadata restores mode bits, timestamps, and ownership onto the
// entry at path. Ownership needs privilege; when chown fails with
// permission denied the restored entry keeps the restoring user's
// ownership and the failure is logged once per entry, not escalated.
// Symlink nodes only receive ownership (their mode and times are those
// of the target on most platforms).
func ApplyMetadata(path string, n *Node) error {
	if n.Kind == KindSymlink {
		if err := os.Lchown(path, int(n.Meta.UID), int(n.Meta.GID)); err != nil {
			logChownFallback(path, err)
		}
		return nil
	}

	if err := os.Chmod(path, os.FileMode(n.Meta.Mode).Perm()); err != nil {
		return fmt.Errorf("chmod %s: %v: %w", path, err, cubisterr.ErrIO)
	}
	if err := os.Chtimes(path, n.Meta.Atime, n.Meta.Mtime); err != nil {
		return fmt.Errorf("chtimes %s: %v: %w", path, err, cubisterr.ErrIO)
	}
	if err := os.Chown(path, int(n.Meta.UID), int(n.Meta.GID)); err != nil {
		logChownFallback(path, err)
	}
	return nil
}

func logChownFallback(path string, err error) {
	if os.IsPermission(err) {
		logger.Debug("chown requires privilege, keeping current ownership", logger.Path(path))
		return
	}
	logger.Warn("chown failed, keeping current ownership", logger.Path(path), logger.Err(err))
}

// Count tallies the nodes in a tree by kind, for stats reporting.
func Count(n *Node) (files, symlinks, dirs int) {
	_ = walkDepth(n, ".", func(_ string, node *Node) error {
		switch node.Kind {
		case KindFile:
			files++
		case KindSymlink:
			symlinks++
		case KindDirectory:
			dirs++
		}
		return nil
	})
	return
}

// TotalSize sums the uncompressed sizes of every file in the tree.
func TotalSize(n *Node) uint64 {
	var total uint64
	_ = walkDepth(n, ".", func(_ string, node *Node) error {
		if node.Kind == KindFile {
			total += node.Size
		}
		return nil
	})
	return total
}
