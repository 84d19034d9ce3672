// Package archive serializes snapshots. An archive object is one
// self-describing blob: a plaintext header (magic, version, name,
// creation time, size summary) followed by a Zstd envelope holding the
// file tree and the archive's refcount delta. Keeping the header outside
// the envelope lets the listing command read name and timestamp from an
// object prefix without decompressing anything.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/filetree"
	"github.com/cubist-backup/cubist/pkg/hash"
)

const (
	// Magic prefixes every archive object.
	Magic = "CBAR"

	// Version is the current archive format version.
	Version = 1

	// compressionLevel for the envelope. Archive bodies are small next to
	// block data, so a mid-level setting is plenty.
	compressionLevel = 3
)

// Archive is a named snapshot: a file tree plus this archive's
// contribution to the global block refcounts.
type Archive struct {
	// Name uniquely identifies the archive within the bucket.
	Name string

	// CreatedAt is the snapshot creation time, UTC, nanosecond precision.
	CreatedAt time.Time

	// Root is the snapshot's file tree.
	Root *filetree.Node

	// Delta maps every block hash this archive references to the number
	// of references this archive alone holds.
	Delta map[hash.Hash]int64

	// DataSize is the total uncompressed bytes of all files captured.
	DataSize uint64
}

// Header is the plaintext prefix of an archive object, decodable without
// fetching or decompressing the body.
type Header struct {
	Version    uint8
	Name       string
	CreatedAt  time.Time
	BlockCount uint64
	DataSize   uint64
}

// Encode serializes a into its wire form.
//
//	header = magic(4) version(1) len(uvarint) name created(8) blocks(8) size(8)
//	body   = zstd( filetree delta )
//	delta  = count(uvarint) { hash(32) count(varint) }*
func Encode(a *Archive) ([]byte, error) {
	var out bytes.Buffer
	out.WriteString(Magic)
	out.WriteByte(Version)
	writeString(&out, a.Name)
	writeUint64(&out, uint64(a.CreatedAt.UTC().UnixNano()))
	writeUint64(&out, uint64(len(a.Delta)))
	writeUint64(&out, a.DataSize)

	var body bytes.Buffer
	filetree.Encode(&body, a.Root)
	encodeDelta(&body, a.Delta)

	compressed, err := hash.Compress(body.Bytes(), compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("compressing archive body: %w", err)
	}
	out.Write(compressed)
	return out.Bytes(), nil
}

// Decode parses a full archive object. Unknown versions and truncation
// fail with CorruptArchive.
func Decode(data []byte) (*Archive, error) {
	header, bodyStart, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	body, err := hash.Decompress(data[bodyStart:])
	if err != nil {
		return nil, fmt.Errorf("archive %q body: %v: %w", header.Name, err, cubisterr.ErrCorruptArchive)
	}

	r := bytes.NewReader(body)
	root, err := filetree.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("archive %q: %w", header.Name, err)
	}
	delta, err := decodeDelta(r)
	if err != nil {
		return nil, fmt.Errorf("archive %q: %w", header.Name, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("archive %q has %d trailing bytes: %w", header.Name, r.Len(), cubisterr.ErrCorruptArchive)
	}

	return &Archive{
		Name:      header.Name,
		CreatedAt: header.CreatedAt,
		Root:      root,
		Delta:     delta,
		DataSize:  header.DataSize,
	}, nil
}

// DecodeHeader parses just the plaintext prefix. data may be a truncated
// prefix of the object as long as it covers the header.
func DecodeHeader(data []byte) (Header, error) {
	h, _, err := decodeHeader(data)
	return h, err
}

func decodeHeader(data []byte) (Header, int, error) {
	if len(data) < len(Magic)+1 {
		return Header{}, 0, fmt.Errorf("truncated archive header: %w", cubisterr.ErrCorruptArchive)
	}
	if string(data[:len(Magic)]) != Magic {
		return Header{}, 0, fmt.Errorf("bad archive magic: %w", cubisterr.ErrCorruptArchive)
	}

	version := data[len(Magic)]
	if version != Version {
		return Header{}, 0, fmt.Errorf("unsupported archive version %d: %w", version, cubisterr.ErrCorruptArchive)
	}

	r := bytes.NewReader(data[len(Magic)+1:])
	name, err := readString(r)
	if err != nil {
		return Header{}, 0, err
	}
	created, err := readUint64(r)
	if err != nil {
		return Header{}, 0, err
	}
	blocks, err := readUint64(r)
	if err != nil {
		return Header{}, 0, err
	}
	size, err := readUint64(r)
	if err != nil {
		return Header{}, 0, err
	}

	bodyStart := len(data) - r.Len()
	return Header{
		Version:    version,
		Name:       name,
		CreatedAt:  time.Unix(0, int64(created)).UTC(),
		BlockCount: blocks,
		DataSize:   size,
	}, bodyStart, nil
}

func encodeDelta(buf *bytes.Buffer, delta map[hash.Hash]int64) {
	writeUvarint(buf, uint64(len(delta)))

	// Sort by hash so encoding is deterministic; map iteration order is not.
	hashes := make([]hash.Hash, 0, len(delta))
	for h := range delta {
		hashes = append(hashes, h)
	}
	sortHashes(hashes)

	for _, h := range hashes {
		buf.Write(h[:])
		writeVarint(buf, delta[h])
	}
}

func decodeDelta(r *bytes.Reader) (map[hash.Hash]int64, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, truncated(err)
	}
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("delta claims %d entries in %d remaining bytes: %w",
			count, r.Len(), cubisterr.ErrCorruptArchive)
	}

	delta := make(map[hash.Hash]int64, count)
	for i := uint64(0); i < count; i++ {
		var h hash.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, truncated(err)
		}
		c, err := binary.ReadVarint(r)
		if err != nil {
			return nil, truncated(err)
		}
		delta[h] = c
	}
	return delta, nil
}

func sortHashes(hashes []hash.Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	buf.Write(b[:n])
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutVarint(b[:], v)
	buf.Write(b[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", truncated(err)
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string of %d bytes exceeds %d remaining: %w",
			n, r.Len(), cubisterr.ErrCorruptArchive)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", truncated(err)
	}
	return string(b), nil
}

func truncated(err error) error {
	return fmt.Errorf("truncated archive: %v: %w", err, cubisterr.ErrCorruptArchive)
}
