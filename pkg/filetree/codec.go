package filetree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cubist-backup/cubist/pkg/blocktree"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/hash"
)

// The node wire format is length-prefixed and self-delimiting so a tree
// embeds directly in the archive body with no framing around it:
//
//	node     = kind(1) metadata shape
//	metadata = inode(8) mode(4) uid(4) gid(4) atime(8) ctime(8) mtime(8)
//	file     = root(32) depth(1) size(8)
//	symlink  = len(uvarint) target
//	dir      = count(uvarint) { len(uvarint) name node }*
//
// Integers are big-endian; timestamps are UTC unix nanoseconds.

// Encode appends the wire form of n to buf.
func Encode(buf *bytes.Buffer, n *Node) {
	buf.WriteByte(byte(n.Kind))
	encodeMetadata(buf, n.Meta)

	switch n.Kind {
	case KindFile:
		buf.Write(n.Root.Hash[:])
		buf.WriteByte(n.Root.Depth)
		writeUint64(buf, n.Size)
	case KindSymlink:
		writeString(buf, n.Target)
	case KindDirectory:
		writeUvarint(buf, uint64(len(n.Children)))
		for _, c := range n.Children {
			writeString(buf, c.Name)
			Encode(buf, c.Node)
		}
	}
}

// Decode reads one node from r. Truncation and unknown kinds fail with
// CorruptArchive.
func Decode(r *bytes.Reader) (*Node, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, truncated(err)
	}
	kind := Kind(kindByte)

	n := &Node{Kind: kind}
	if n.Meta, err = decodeMetadata(r); err != nil {
		return nil, err
	}

	switch kind {
	case KindFile:
		var root hash.Hash
		if _, err := io.ReadFull(r, root[:]); err != nil {
			return nil, truncated(err)
		}
		depth, err := r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		size, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		n.Root = blocktree.Root{Hash: root, Depth: depth}
		n.Size = size

	case KindSymlink:
		target, err := readString(r)
		if err != nil {
			return nil, err
		}
		n.Target = target

	case KindDirectory:
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, truncated(err)
		}
		if count > uint64(r.Len()) {
			// A directory entry takes more than one byte; an impossible
			// count means the length prefix is garbage.
			return nil, fmt.Errorf("directory claims %d children in %d remaining bytes: %w",
				count, r.Len(), cubisterr.ErrCorruptArchive)
		}
		n.Children = make([]Child, 0, count)
		for i := uint64(0); i < count; i++ {
			name, err := readString(r)
			if err != nil {
				return nil, err
			}
			child, err := Decode(r)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, Child{Name: name, Node: child})
		}

	default:
		return nil, fmt.Errorf("unknown node kind %d: %w", kindByte, cubisterr.ErrCorruptArchive)
	}

	return n, nil
}

func encodeMetadata(buf *bytes.Buffer, m Metadata) {
	writeUint64(buf, m.Inode)
	writeUint32(buf, m.Mode)
	writeUint32(buf, m.UID)
	writeUint32(buf, m.GID)
	writeUint64(buf, uint64(m.Atime.UTC().UnixNano()))
	writeUint64(buf, uint64(m.Ctime.UTC().UnixNano()))
	writeUint64(buf, uint64(m.Mtime.UTC().UnixNano()))
}

func decodeMetadata(r *bytes.Reader) (Metadata, error) {
	var m Metadata
	var err error
	if m.Inode, err = readUint64(r); err != nil {
		return m, err
	}
	if m.Mode, err = readUint32(r); err != nil {
		return m, err
	}
	if m.UID, err = readUint32(r); err != nil {
		return m, err
	}
	if m.GID, err = readUint32(r); err != nil {
		return m, err
	}
	for _, t := range []*time.Time{&m.Atime, &m.Ctime, &m.Mtime} {
		nanos, err := readUint64(r)
		if err != nil {
			return m, err
		}
		*t = time.Unix(0, int64(nanos)).UTC()
	}
	return m, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	buf.Write(b[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
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
	return fmt.Errorf("truncated file tree: %v: %w", err, cubisterr.ErrCorruptArchive)
}
