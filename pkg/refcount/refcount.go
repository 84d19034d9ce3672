// Package refcount implements the global block reference-count map:
// how many archives currently reference each content-addressed
// block. A block is only safe to delete once its count reaches zero.
package refcount

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/hash"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

const (
	magic   = "CBRC"
	version = 1
)

// Map is a mutex-protected hash-to-refcount table. One Map represents the
// entire bucket's block reference counts; it is loaded once at the start
// of a run, mutated in memory, and flushed back wholesale.
type Map struct {
	mu     sync.Mutex
	counts map[hash.Hash]uint64
}

// New returns an empty Map.
func New() *Map {
	return &Map{counts: make(map[hash.Hash]uint64)}
}

// Load fetches and decodes metadata/blocks from store. A missing object is
// treated as an empty map, the state of a brand-new bucket.
func Load(ctx context.Context, store objectstore.Store) (*Map, error) {
	data, err := store.Get(ctx, objectstore.MetadataBlocksKey)
	if err != nil {
		if cubisterr.Classify(err) == cubisterr.KindNotFound {
			return New(), nil
		}
		return nil, fmt.Errorf("loading refcount map: %w", err)
	}

	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding refcount map: %w", err)
	}
	return m, nil
}

// Flush encodes the map and overwrites metadata/blocks in store. This is
// always a full overwrite, never an incremental patch: the run
// that flushes last wins, which is acceptable because cubist serializes
// writers via the archive-name put-if-absent.
func (m *Map) Flush(ctx context.Context, store objectstore.Store) error {
	m.mu.Lock()
	data := encode(m.counts)
	m.mu.Unlock()

	if err := store.Put(ctx, objectstore.MetadataBlocksKey, data); err != nil {
		return fmt.Errorf("flushing refcount map: %w", err)
	}
	return nil
}

// Count returns the current reference count for h.
func (m *Map) Count(h hash.Hash) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[h]
}

// Len returns the number of distinct blocks tracked.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}

// Insert records a reference to h, creating the entry if absent. It
// returns true if h was not previously tracked.
func (m *Map) Insert(h hash.Hash) (created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.counts[h]
	m.counts[h]++
	return !exists
}

// Increment adds one more reference to h and returns the new count.
func (m *Map) Increment(h hash.Hash) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[h]++
	return m.counts[h]
}

// Decrement removes one reference from h. If the count reaches zero the
// entry is removed entirely and the block becomes a cleanup candidate.
// Decrementing an untracked hash is a no-op that returns 0 and
// logs an inconsistency, since it indicates the bucket's metadata has
// drifted from its actual archive set.
func (m *Map) Decrement(ctx context.Context, h hash.Hash) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, ok := m.counts[h]
	if !ok {
		logger.WarnCtx(ctx, "decrementing untracked block", logger.Hash(h.String()))
		return 0
	}

	if count <= 1 {
		delete(m.counts, h)
		return 0
	}

	m.counts[h] = count - 1
	return m.counts[h]
}

// Apply folds a signed delta map into the counts: positive entries from
// a new archive, negative entries from a deleted one. Entries that reach
// zero are removed and returned so the caller can queue their blocks for
// deletion. A decrement past zero clamps to zero and logs the drift; the
// map never stores a negative count.
func (m *Map) Apply(ctx context.Context, delta map[hash.Hash]int64) (zeroed []hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h, d := range delta {
		if d == 0 {
			continue
		}
		current := int64(m.counts[h])
		next := current + d
		if next < 0 {
			logger.WarnCtx(ctx, "refcount underflow, clamping to zero",
				logger.Hash(h.String()), logger.Refcount(uint64(current)))
			next = 0
		}
		if next == 0 {
			if _, tracked := m.counts[h]; tracked {
				delete(m.counts, h)
				zeroed = append(zeroed, h)
			}
			continue
		}
		m.counts[h] = uint64(next)
	}
	return zeroed
}

// Snapshot returns a copy of the full hash-to-count table.
func (m *Map) Snapshot() map[hash.Hash]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[hash.Hash]uint64, len(m.counts))
	for h, c := range m.counts {
		out[h] = c
	}
	return out
}

// Equal reports whether m holds exactly the given counts. Used by the
// cleanup driver to decide whether the stored map is stale.
func (m *Map) Equal(counts map[hash.Hash]uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.counts) != len(counts) {
		return false
	}
	for h, c := range m.counts {
		if counts[h] != c {
			return false
		}
	}
	return true
}

func encode(counts map[hash.Hash]uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(version)

	var countBytes [8]byte
	binary.BigEndian.PutUint64(countBytes[:], uint64(len(counts)))
	buf.Write(countBytes[:])

	// Sorted so identical maps always encode to identical bytes.
	hashes := make([]hash.Hash, 0, len(counts))
	for h := range counts {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})

	for _, h := range hashes {
		buf.Write(h[:])
		var cb [8]byte
		binary.BigEndian.PutUint64(cb[:], counts[h])
		buf.Write(cb[:])
	}
	return buf.Bytes()
}

func decode(data []byte) (*Map, error) {
	if len(data) < len(magic)+1+8 {
		return nil, fmt.Errorf("truncated refcount map: %w", cubisterr.ErrCorruptArchive)
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("bad refcount map magic: %w", cubisterr.ErrCorruptArchive)
	}
	pos := len(magic)

	ver := data[pos]
	pos++
	if ver != version {
		return nil, fmt.Errorf("unsupported refcount map version %d: %w", ver, cubisterr.ErrCorruptArchive)
	}

	n := binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	counts := make(map[hash.Hash]uint64, n)
	for i := uint64(0); i < n; i++ {
		if pos+hash.Size+8 > len(data) {
			return nil, fmt.Errorf("truncated refcount entry: %w", cubisterr.ErrCorruptArchive)
		}
		var h hash.Hash
		copy(h[:], data[pos:pos+hash.Size])
		pos += hash.Size

		c := binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8

		counts[h] = c
	}

	return &Map{counts: counts}, nil
}
