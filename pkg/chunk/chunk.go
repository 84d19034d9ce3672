// Package chunk implements content-defined chunking so that identical
// byte runs across different files and different backups produce
// identical chunk boundaries, which is what makes dedup possible.
package chunk

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/cubist-backup/cubist/pkg/bufpool"
	"github.com/restic/chunker"
)

// polynomial is the Rabin fingerprint polynomial used by every cubist
// chunker. It must be fixed across the whole deployment: two backups
// using different polynomials would never produce matching chunk
// boundaries for the same bytes, defeating dedup entirely. Generated
// once with chunker.RandomPolynomial and frozen here.
const polynomial = chunker.Pol(0x3DA3358B4DC173)

// Chunk is one content-defined slice of a file being backed up.
type Chunk struct {
	// Offset is the chunk's starting byte offset within the stream.
	Offset uint64
	// Data is the chunk's bytes, taken from the shared buffer pool. The
	// caller owns it and returns it with bufpool.Put once the chunk has
	// been compressed and hashed.
	Data []byte
}

// Chunker splits a stream into content-defined chunks bounded to
// [min, max], where min = target/2 and max = target*4.
type Chunker struct {
	c      *chunker.Chunker
	offset uint64
	buf    []byte
}

// New returns a Chunker reading from r, targeting targetSize chunks.
// targetSize must be positive; min and max bounds and the average
// distance between content-defined cut points are derived from it.
func New(r io.Reader, targetSize uint64) *Chunker {
	min := targetSize / 2
	max := targetSize * 4
	c := chunker.NewWithBoundaries(r, polynomial, uint(min), uint(max))
	c.SetAverageBits(bits.Len64(targetSize) - 1)
	return &Chunker{
		c:   c,
		buf: make([]byte, max),
	}
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
func (ck *Chunker) Next() (Chunk, error) {
	c, err := ck.c.Next(ck.buf)
	if err == io.EOF {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("reading chunk: %w", err)
	}

	data := bufpool.Get(len(c.Data))
	copy(data, c.Data)

	out := Chunk{Offset: ck.offset, Data: data}
	ck.offset += uint64(c.Length)
	return out, nil
}

// All drains the chunker into a slice, for small inputs (metadata nodes,
// tests) where streaming one chunk at a time is unnecessary overhead.
func All(r io.Reader, targetSize uint64) ([]Chunk, error) {
	ck := New(r, targetSize)
	var chunks []Chunk
	for {
		c, err := ck.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}
