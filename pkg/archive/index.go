package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

const (
	indexMagic   = "CBAI"
	indexVersion = 1
)

// IndexEntry summarizes one archive: a row of metadata/archives and of
// the archives listing.
type IndexEntry struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	BlockCount uint64    `json:"block_count"`
	DataSize   uint64    `json:"data_size"`
}

// Index is the content of metadata/archives: every archive in the
// bucket, sorted by creation time. Like the refcount map it is rewritten
// whole after each operation that changes the archive set. The archives
// listing does not read it; it scans archives/ and decodes each header.
type Index struct {
	Entries []IndexEntry
}

// LoadIndex fetches metadata/archives. A missing object yields an empty
// index, the state of a fresh bucket.
func LoadIndex(ctx context.Context, store objectstore.Store) (*Index, error) {
	data, err := store.Get(ctx, objectstore.MetadataArchivesKey)
	if err != nil {
		if cubisterr.Classify(err) == cubisterr.KindNotFound {
			return &Index{}, nil
		}
		return nil, fmt.Errorf("loading archive index: %w", err)
	}
	idx, err := decodeIndex(data)
	if err != nil {
		return nil, fmt.Errorf("decoding archive index: %w", err)
	}
	return idx, nil
}

// Flush sorts the index by creation time and overwrites metadata/archives.
func (idx *Index) Flush(ctx context.Context, store objectstore.Store) error {
	idx.sort()
	if err := store.Put(ctx, objectstore.MetadataArchivesKey, encodeIndex(idx)); err != nil {
		return fmt.Errorf("flushing archive index: %w", err)
	}
	return nil
}

// Add appends an entry, replacing any stale entry with the same name.
func (idx *Index) Add(entry IndexEntry) {
	idx.Remove(entry.Name)
	idx.Entries = append(idx.Entries, entry)
	idx.sort()
}

// Remove drops the named entry if present.
func (idx *Index) Remove(name string) {
	out := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	idx.Entries = out
}

func (idx *Index) sort() {
	sort.Slice(idx.Entries, func(i, j int) bool {
		if !idx.Entries[i].CreatedAt.Equal(idx.Entries[j].CreatedAt) {
			return idx.Entries[i].CreatedAt.Before(idx.Entries[j].CreatedAt)
		}
		return idx.Entries[i].Name < idx.Entries[j].Name
	})
}

func encodeIndex(idx *Index) []byte {
	var buf bytes.Buffer
	buf.WriteString(indexMagic)
	buf.WriteByte(indexVersion)
	writeUvarint(&buf, uint64(len(idx.Entries)))
	for _, e := range idx.Entries {
		writeString(&buf, e.Name)
		writeUint64(&buf, uint64(e.CreatedAt.UTC().UnixNano()))
		writeUint64(&buf, e.BlockCount)
		writeUint64(&buf, e.DataSize)
	}
	return buf.Bytes()
}

func decodeIndex(data []byte) (*Index, error) {
	if len(data) < len(indexMagic)+1 {
		return nil, fmt.Errorf("truncated archive index: %w", cubisterr.ErrCorruptArchive)
	}
	if string(data[:len(indexMagic)]) != indexMagic {
		return nil, fmt.Errorf("bad archive index magic: %w", cubisterr.ErrCorruptArchive)
	}
	if data[len(indexMagic)] != indexVersion {
		return nil, fmt.Errorf("unsupported archive index version %d: %w",
			data[len(indexMagic)], cubisterr.ErrCorruptArchive)
	}

	r := bytes.NewReader(data[len(indexMagic)+1:])
	count, err := readUvarint(r)
	if err != nil {
		return nil, err
	}

	capHint := count
	if capHint > 4096 {
		capHint = 4096
	}
	idx := &Index{Entries: make([]IndexEntry, 0, capHint)}
	for i := uint64(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		created, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		blocks, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		size, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		idx.Entries = append(idx.Entries, IndexEntry{
			Name:       name,
			CreatedAt:  time.Unix(0, int64(created)).UTC(),
			BlockCount: blocks,
			DataSize:   size,
		})
	}
	return idx, nil
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, truncated(err)
	}
	return v, nil
}
