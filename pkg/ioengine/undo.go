package ioengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// undoKind distinguishes the two reversible mutations.
type undoKind int

const (
	undoPut    undoKind = iota // reverse by deleting the key
	undoDelete                 // reverse by restoring the snapshot
)

// undoEntry records one successful mutation of a transient run.
type undoEntry struct {
	kind     undoKind
	key      string
	snapshot []byte // previous contents, for undoDelete and overwrites
	existed  bool   // whether the key existed before the mutation
}

// undoLog is the append-only record of a transient run's mutations. The
// log is applied in reverse order so an overwrite-then-delete sequence on
// the same key unwinds correctly. Applying the log empties it, making a
// second rollback a harmless no-op.
type undoLog struct {
	mu      sync.Mutex
	entries []undoEntry

	// metaSnapshots holds the byte-exact contents of the metadata
	// singletons at run start; nil value means the key did not exist.
	metaSnapshots map[string][]byte
}

func newUndoLog() *undoLog {
	return &undoLog{}
}

// snapshotMetadata captures metadata/blocks and metadata/archives before
// the run mutates anything, so rollback can restore them verbatim.
func (l *undoLog) snapshotMetadata(ctx context.Context, store objectstore.Store) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.metaSnapshots = make(map[string][]byte, 2)
	for _, key := range []string{objectstore.MetadataBlocksKey, objectstore.MetadataArchivesKey} {
		data, err := store.Get(ctx, key)
		if err != nil {
			if cubisterr.Classify(err) == cubisterr.KindNotFound {
				l.metaSnapshots[key] = nil
				continue
			}
			return fmt.Errorf("snapshotting %s: %w", key, err)
		}
		l.metaSnapshots[key] = data
	}
	return nil
}

func (l *undoLog) recordPut(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, undoEntry{kind: undoPut, key: key})
}

// snapshotBeforeDelete captures the current contents of key so a rollback
// can recreate it. A missing key records a tombstone so rollback knows
// there is nothing to restore.
func (l *undoLog) snapshotBeforeDelete(ctx context.Context, store objectstore.Store, key string) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		if cubisterr.Classify(err) == cubisterr.KindNotFound {
			l.mu.Lock()
			l.entries = append(l.entries, undoEntry{kind: undoDelete, key: key, existed: false})
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("snapshotting %s before delete: %w", key, err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, undoEntry{kind: undoDelete, key: key, snapshot: data, existed: true})
	l.mu.Unlock()
	return nil
}

// snapshotBeforeOverwrite is snapshotBeforeDelete for an overwrite Put of
// a non-metadata key; the prior contents, if any, are restored on rollback.
func (l *undoLog) snapshotBeforeOverwrite(ctx context.Context, store objectstore.Store, key string) error {
	return l.snapshotBeforeDelete(ctx, store, key)
}

// rollback reverses every recorded mutation, newest first, then restores
// the metadata snapshots. It runs against the raw store; failures are
// collected but do not stop the remaining entries from being applied.
func (l *undoLog) rollback(ctx context.Context, store objectstore.Store) error {
	l.mu.Lock()
	entries := l.entries
	metaSnapshots := l.metaSnapshots
	l.entries = nil
	l.metaSnapshots = nil
	l.mu.Unlock()

	if len(entries) == 0 && metaSnapshots == nil {
		return nil
	}

	logger.InfoCtx(ctx, "rolling back transient run", "mutations", len(entries))

	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		var err error
		switch e.kind {
		case undoPut:
			err = store.Delete(ctx, e.key)
		case undoDelete:
			if e.existed {
				err = store.Put(ctx, e.key, e.snapshot)
			}
		}
		if err != nil {
			logger.ErrorCtx(ctx, "rollback step failed", logger.Key(e.key), logger.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("rolling back %s: %w", e.key, err)
			}
		}
	}

	for key, snapshot := range metaSnapshots {
		var err error
		if snapshot == nil {
			err = store.Delete(ctx, key)
		} else {
			err = store.Put(ctx, key, snapshot)
		}
		if err != nil {
			logger.ErrorCtx(ctx, "metadata restore failed", logger.Key(key), logger.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("restoring %s: %w", key, err)
			}
		}
	}

	return firstErr
}
