package ioengine

import (
	"context"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// runStore is the run-scoped objectstore.Store handed to drivers. Reads
// pass straight through; mutations honor the run's dry-run or transient
// discipline and feed the run's counters. It is safe for concurrent use
// because the inner store is and the undo log locks internally.
type runStore struct {
	inner     objectstore.Store
	engine    *Engine
	dryRun    bool
	transient bool
	undo      *undoLog
}

func (s *runStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, key)
	if err == nil {
		s.engine.counters.addGet(len(data))
	}
	return data, err
}

func (s *runStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if s.dryRun {
		s.engine.counters.addPut(len(data))
		logger.DebugCtx(ctx, "dry-run: would put", logger.Key(key), logger.Size(uint64(len(data))))
		return nil
	}

	if err := s.inner.PutIfAbsent(ctx, key, data); err != nil {
		return err
	}
	s.engine.counters.addPut(len(data))
	if s.transient {
		s.undo.recordPut(key)
	}
	return nil
}

func (s *runStore) Put(ctx context.Context, key string, data []byte) error {
	if s.dryRun {
		s.engine.counters.addPut(len(data))
		logger.DebugCtx(ctx, "dry-run: would put", logger.Key(key), logger.Size(uint64(len(data))))
		return nil
	}

	// Overwrite puts against a non-metadata key would be unrecoverable in
	// transient mode; the undo log only snapshots the metadata singletons.
	if s.transient && !isMetadataKey(key) {
		if err := s.undo.snapshotBeforeOverwrite(ctx, s.inner, key); err != nil {
			return err
		}
	}

	if err := s.inner.Put(ctx, key, data); err != nil {
		return err
	}
	s.engine.counters.addPut(len(data))
	if s.transient {
		s.undo.recordPut(key)
	}
	return nil
}

func (s *runStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func (s *runStore) Delete(ctx context.Context, key string) error {
	if s.dryRun {
		s.engine.counters.addDelete()
		logger.DebugCtx(ctx, "dry-run: would delete", logger.Key(key))
		return nil
	}

	if s.transient {
		if err := s.undo.snapshotBeforeDelete(ctx, s.inner, key); err != nil {
			return err
		}
	}

	if err := s.inner.Delete(ctx, key); err != nil {
		return err
	}
	s.engine.counters.addDelete()
	return nil
}

// DeleteBatch implements objectstore.BatchDeleter so bulk reclamation
// keeps the backend's batched path while every key still flows through
// the run's dry-run, undo-log, and counter discipline.
func (s *runStore) DeleteBatch(ctx context.Context, keys []string) error {
	if s.dryRun {
		for _, key := range keys {
			s.engine.counters.addDelete()
			logger.DebugCtx(ctx, "dry-run: would delete", logger.Key(key))
		}
		return nil
	}

	if s.transient {
		for _, key := range keys {
			if err := s.undo.snapshotBeforeDelete(ctx, s.inner, key); err != nil {
				return err
			}
		}
	}

	if err := objectstore.DeleteAll(ctx, s.inner, keys); err != nil {
		return err
	}
	for range keys {
		s.engine.counters.addDelete()
	}
	return nil
}

func (s *runStore) Close() error {
	// The run does not own the inner store; the CLI closes it once per
	// process.
	return nil
}

func isMetadataKey(key string) bool {
	return key == objectstore.MetadataBlocksKey || key == objectstore.MetadataArchivesKey
}

var (
	_ objectstore.Store        = (*runStore)(nil)
	_ objectstore.BatchDeleter = (*runStore)(nil)
)
