// Package bufpool provides a tiered buffer pool for chunk and block
// payloads. A backup run allocates one buffer per chunk at full
// throughput; recycling them through sync.Pool keeps the garbage
// collector out of the hot path.
//
// Three size tiers cover the payload shapes cubist produces:
//   - small (64 KiB): metadata objects, branch payloads, tiny files
//   - medium (1 MiB): chunks around the default CDC target size
//   - large (4 MiB): chunks near the CDC maximum (4x the target)
//
// Requests beyond the large tier are allocated directly and never
// pooled, so an unusually configured chunk size cannot pin oversized
// buffers in memory indefinitely.
package bufpool

import (
	"sync"
)

// Default buffer size classes, aligned with the default chunking
// parameters. Override by constructing a custom pool with NewPool.
const (
	// DefaultSmallSize covers branch payloads and small files (64 KiB).
	DefaultSmallSize = 64 << 10

	// DefaultMediumSize covers chunks at the default CDC target (1 MiB).
	DefaultMediumSize = 1 << 20

	// DefaultLargeSize covers chunks at the CDC maximum (4 MiB).
	DefaultLargeSize = 4 << 20
)

// Pool manages byte-slice pools organized by size class. It selects the
// smallest class that fits a request and falls back to a direct
// allocation for oversized ones.
type Pool struct {
	small      sync.Pool
	medium     sync.Pool
	large      sync.Pool
	smallSize  int
	mediumSize int
	largeSize  int
}

// Config holds the tier sizes for a custom pool.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// DefaultConfig returns the default tier sizes.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

// NewPool creates a buffer pool with the given configuration. A nil
// config uses the defaults; zero fields are filled in individually.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		defaultCfg := DefaultConfig()
		cfg = &defaultCfg
	}

	if cfg.SmallSize <= 0 {
		cfg.SmallSize = DefaultSmallSize
	}
	if cfg.MediumSize <= 0 {
		cfg.MediumSize = DefaultMediumSize
	}
	if cfg.LargeSize <= 0 {
		cfg.LargeSize = DefaultLargeSize
	}

	p := &Pool{
		smallSize:  cfg.SmallSize,
		mediumSize: cfg.MediumSize,
		largeSize:  cfg.LargeSize,
	}

	// *[]byte rather than []byte to satisfy staticcheck SA6002
	// (sync.Pool prefers pointer types).
	p.small = sync.Pool{
		New: func() any {
			buf := make([]byte, p.smallSize)
			return &buf
		},
	}
	p.medium = sync.Pool{
		New: func() any {
			buf := make([]byte, p.mediumSize)
			return &buf
		},
	}
	p.large = sync.Pool{
		New: func() any {
			buf := make([]byte, p.largeSize)
			return &buf
		},
	}

	return p
}

// Get returns a byte slice of exactly the requested length, backed by a
// pooled buffer whose capacity may be larger. Pair every Get with a Put
// once the payload has been consumed; a dropped buffer is not an error,
// just a missed reuse.
//
// Sizes beyond the large tier allocate directly and are never pooled.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer obtained from Get to its pool. The buffer must
// not be used afterward. Buffers whose capacity matches no tier (the
// oversized direct allocations) are left for the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case p.smallSize:
		fullBuf := buf[:cap(buf)]
		p.small.Put(&fullBuf)
	case p.mediumSize:
		fullBuf := buf[:cap(buf)]
		p.medium.Put(&fullBuf)
	case p.largeSize:
		fullBuf := buf[:cap(buf)]
		p.large.Put(&fullBuf)
	}
}

// globalPool serves the package-level Get/Put used by the chunker and
// the restore writer.
var globalPool = NewPool(nil)

// Get returns a byte slice of exactly the requested length from the
// shared pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the shared pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
