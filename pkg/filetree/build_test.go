package filetree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cubist-backup/cubist/pkg/blocktree"
	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess records processed paths and returns a content-derived root.
type fakeProcess struct {
	calls []string
}

func (p *fakeProcess) process(_ context.Context, path string) (blocktree.Root, bool, uint64, error) {
	p.calls = append(p.calls, path)
	data, err := os.ReadFile(path)
	if err != nil {
		return blocktree.Root{}, false, 0, err
	}
	if len(data) == 0 {
		return blocktree.Root{}, false, 0, nil
	}
	return blocktree.Root{Hash: hash.Sum(data)}, true, uint64(len(data)), nil
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestBuild_CapturesTreeShape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.txt"), []byte("bravo"))
	writeFile(t, filepath.Join(dir, "a.txt"), []byte("alpha"))
	writeFile(t, filepath.Join(dir, "sub", "c.txt"), []byte("charlie"))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(dir, "link")))

	p := &fakeProcess{}
	node, err := NewBuilder(p.process).Build(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, KindDirectory, node.Kind)

	names := make([]string, 0, len(node.Children))
	for _, c := range node.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "link", "sub"}, names)

	link := node.Child("link")
	require.NotNil(t, link)
	assert.Equal(t, KindSymlink, link.Kind)
	assert.Equal(t, "a.txt", link.Target)

	sub := node.Child("sub")
	require.NotNil(t, sub)
	require.Len(t, sub.Children, 1)
	assert.Equal(t, KindFile, sub.Children[0].Node.Kind)
	assert.EqualValues(t, 7, sub.Children[0].Node.Size)
}

func TestBuild_EmptyFileHasNoRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "empty"), nil)

	node, err := NewBuilder((&fakeProcess{}).process).Build(context.Background(), dir)
	require.NoError(t, err)

	empty := node.Child("empty")
	require.NotNil(t, empty)
	assert.False(t, empty.HasContent())
	assert.EqualValues(t, 0, empty.Size)
}

func TestBuild_EmptyDirectoryChain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d", "e", "f"), 0o755))

	p := &fakeProcess{}
	node, err := NewBuilder(p.process).Build(context.Background(), dir)
	require.NoError(t, err)

	assert.Empty(t, p.calls)

	d := node.Child("d")
	require.NotNil(t, d)
	e := d.Child("e")
	require.NotNil(t, e)
	f := e.Child("f")
	require.NotNil(t, f)
	assert.Equal(t, KindDirectory, f.Kind)
	assert.Empty(t, f.Children)
}

func TestBuild_HardlinksProcessOnce(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "original")
	writeFile(t, original, []byte("shared content"))
	require.NoError(t, os.Link(original, filepath.Join(dir, "linked")))

	p := &fakeProcess{}
	node, err := NewBuilder(p.process).Build(context.Background(), dir)
	require.NoError(t, err)

	// The content is read once; both nodes carry the same root.
	assert.Len(t, p.calls, 1)
	a := node.Child("linked")
	b := node.Child("original")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.Root, b.Root)
	assert.Equal(t, a.Meta.Inode, b.Meta.Inode)
}

func TestBuild_TopLevelSymlinkIsResolved(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real")
	writeFile(t, filepath.Join(real, "inside.txt"), []byte("data"))
	link := filepath.Join(base, "via-link")
	require.NoError(t, os.Symlink(real, link))

	node, err := NewBuilder((&fakeProcess{}).process).Build(context.Background(), link)
	require.NoError(t, err)

	// Backing up a symlink to a directory captures the directory.
	assert.Equal(t, KindDirectory, node.Kind)
	require.NotNil(t, node.Child("inside.txt"))
}

func TestWalk_Orders(t *testing.T) {
	// root -> {a/ -> {x}, b}
	x := &Node{Kind: KindFile, Meta: sampleMeta(1)}
	a := &Node{Kind: KindDirectory, Meta: sampleMeta(2), Children: []Child{{Name: "x", Node: x}}}
	b := &Node{Kind: KindFile, Meta: sampleMeta(3)}
	root := &Node{Kind: KindDirectory, Meta: sampleMeta(4), Children: []Child{
		{Name: "a", Node: a},
		{Name: "b", Node: b},
	}}

	visit := func(order Order) []string {
		var got []string
		err := Walk(root, ".", order, func(rel string, _ *Node) error {
			got = append(got, rel)
			return nil
		})
		require.NoError(t, err)
		return got
	}

	assert.Equal(t, []string{".", "a", filepath.Join("a", "x"), "b"}, visit(DepthFirst))
	assert.Equal(t, []string{".", "a", "b", filepath.Join("a", "x")}, visit(BreadthFirst))
}

func TestParseOrder(t *testing.T) {
	for s, want := range map[string]Order{
		"depth-first":   DepthFirst,
		"dfs":           DepthFirst,
		"breadth-first": BreadthFirst,
		"bfs":           BreadthFirst,
	} {
		got, err := ParseOrder(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseOrder("sideways")
	assert.Error(t, err)
}

func TestCount_And_TotalSize(t *testing.T) {
	tree := sampleTree()
	files, symlinks, dirs := Count(tree)
	assert.Equal(t, 2, files)
	assert.Equal(t, 1, symlinks)
	assert.Equal(t, 2, dirs)
	assert.EqualValues(t, 4096, TotalSize(tree))
}
