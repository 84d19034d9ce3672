package blocktree

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSink captures every sealed block for inspection and replay.
type memSink struct {
	blocks map[hash.Hash][]byte
	levels map[hash.Hash]int
	order  []hash.Hash
}

func newMemSink() *memSink {
	return &memSink{
		blocks: make(map[hash.Hash][]byte),
		levels: make(map[hash.Hash]int),
	}
}

func (s *memSink) StoreBlock(_ context.Context, h hash.Hash, payload []byte, level int) error {
	copied := make([]byte, len(payload))
	copy(copied, payload)
	s.blocks[h] = copied
	s.levels[h] = level
	s.order = append(s.order, h)
	return nil
}

func (s *memSink) fetch(_ context.Context, h hash.Hash) ([]byte, error) {
	data, ok := s.blocks[h]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rng := rand.New(rand.NewSource(seed))
	_, err := rng.Read(b)
	require.NoError(t, err)
	return b
}

// chunkUp splits data into fixed-size pieces to feed the builder; the
// tree shape only depends on leaf count and the branch cap.
func chunkUp(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func buildTree(t *testing.T, sink *memSink, params Params, leaves [][]byte) (Root, bool) {
	t.Helper()
	b := NewBuilder(params, sink)
	for _, leaf := range leaves {
		_, err := b.AddLeaf(context.Background(), leaf)
		require.NoError(t, err)
	}
	root, ok, err := b.Finish(context.Background())
	require.NoError(t, err)
	return root, ok
}

func TestBuilder_EmptyStreamHasNoRoot(t *testing.T) {
	sink := newMemSink()
	_, ok := buildTree(t, sink, Params{BranchCap: 1024, CompressionLevel: 3}, nil)

	assert.False(t, ok)
	assert.Empty(t, sink.blocks)
}

func TestBuilder_SingleLeafRootIsLeafHash(t *testing.T) {
	sink := newMemSink()
	root, ok := buildTree(t, sink, Params{BranchCap: 1024, CompressionLevel: 3},
		[][]byte{bytes.Repeat([]byte{0}, 1024)})

	require.True(t, ok)
	assert.EqualValues(t, 0, root.Depth)
	assert.Len(t, sink.blocks, 1)

	// The root hash addresses the stored (compressed) payload.
	payload := sink.blocks[root.Hash]
	require.NotNil(t, payload)
	assert.Equal(t, root.Hash, hash.Sum(payload))

	decompressed, err := hash.Decompress(payload)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0}, 1024), decompressed)
}

func TestBuilder_RoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		dataSize  int
		chunkSize int
		branchCap int
	}{
		{"two leaves one branch", 8 * 1024, 4 * 1024, 1024},
		{"many leaves", 256 * 1024, 4 * 1024, 1024},
		{"deep tree", 256 * 1024, 1024, hash.Size * 4},
		{"single big leaf", 64 * 1024, 64 * 1024, 1024},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := randomBytes(t, 42, tc.dataSize)
			sink := newMemSink()
			root, ok := buildTree(t, sink,
				Params{BranchCap: tc.branchCap, CompressionLevel: 3},
				chunkUp(data, tc.chunkSize))
			require.True(t, ok)

			var rebuilt []byte
			err := Walk(context.Background(), sink.fetch, root, func(leaf []byte) error {
				rebuilt = append(rebuilt, leaf...)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, data, rebuilt)
		})
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	data := randomBytes(t, 7, 128*1024)
	params := Params{BranchCap: hash.Size * 8, CompressionLevel: 3}

	root1, ok1 := buildTree(t, newMemSink(), params, chunkUp(data, 4096))
	root2, ok2 := buildTree(t, newMemSink(), params, chunkUp(data, 4096))

	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, root1, root2)
}

// A level seals only when one more hash would exceed the cap: with a cap
// of exactly N hashes, N leaves produce one branch of fanout N, and N+1
// leaves overflow into a second branch plus a higher level.
func TestBuilder_SealBoundary(t *testing.T) {
	const fanout = 4
	params := Params{BranchCap: hash.Size * fanout, CompressionLevel: 3}

	leaves := func(n int) [][]byte {
		out := make([][]byte, n)
		for i := range out {
			out[i] = []byte{byte(i), byte(i >> 8), 1, 2, 3}
		}
		return out
	}

	t.Run("exactly at cap", func(t *testing.T) {
		sink := newMemSink()
		root, ok := buildTree(t, sink, params, leaves(fanout))
		require.True(t, ok)

		assert.EqualValues(t, 1, root.Depth)
		children, err := SplitBranch(sink.blocks[root.Hash])
		require.NoError(t, err)
		assert.Len(t, children, fanout)
	})

	t.Run("one past cap", func(t *testing.T) {
		sink := newMemSink()
		root, ok := buildTree(t, sink, params, leaves(fanout+1))
		require.True(t, ok)

		assert.EqualValues(t, 2, root.Depth)
		topChildren, err := SplitBranch(sink.blocks[root.Hash])
		require.NoError(t, err)
		require.Len(t, topChildren, 2)

		first, err := SplitBranch(sink.blocks[topChildren[0]])
		require.NoError(t, err)
		assert.Len(t, first, fanout)

		second, err := SplitBranch(sink.blocks[topChildren[1]])
		require.NoError(t, err)
		assert.Len(t, second, 1)
	})
}

func TestBuilder_BranchHashesRawConcatenation(t *testing.T) {
	sink := newMemSink()
	params := Params{BranchCap: hash.Size * 2, CompressionLevel: 3}
	root, ok := buildTree(t, sink, params, [][]byte{{1}, {2}})
	require.True(t, ok)
	require.EqualValues(t, 1, root.Depth)

	payload := sink.blocks[root.Hash]
	assert.Equal(t, root.Hash, hash.Sum(payload))
	assert.Len(t, payload, 2*hash.Size)
}

func TestWalk_DetectsTamperedLeaf(t *testing.T) {
	sink := newMemSink()
	root, ok := buildTree(t, sink, Params{BranchCap: 1024, CompressionLevel: 3},
		[][]byte{[]byte("payload to tamper with")})
	require.True(t, ok)

	sink.blocks[root.Hash][0] ^= 0xFF

	err := Walk(context.Background(), sink.fetch, root, func([]byte) error { return nil })
	require.Error(t, err)
}

func TestHashes_CoversEveryBlock(t *testing.T) {
	data := randomBytes(t, 3, 64*1024)
	sink := newMemSink()
	root, ok := buildTree(t, sink,
		Params{BranchCap: hash.Size * 4, CompressionLevel: 3},
		chunkUp(data, 2048))
	require.True(t, ok)

	hashes, err := Hashes(context.Background(), sink.fetch, root)
	require.NoError(t, err)

	seen := make(map[hash.Hash]bool, len(hashes))
	for _, h := range hashes {
		seen[h] = true
	}
	for h := range sink.blocks {
		assert.True(t, seen[h], "block %s not reachable from root", h)
	}
}

func TestSplitBranch_RejectsBadPayloads(t *testing.T) {
	_, err := SplitBranch(nil)
	assert.Error(t, err)

	_, err = SplitBranch(make([]byte, hash.Size+1))
	assert.Error(t, err)
}
