package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so stats output
// and log aggregation can rely on stable names.
const (
	// ========================================================================
	// Run identity
	// ========================================================================
	KeyRunID     = "run_id"    // random ID distinguishing one CLI invocation's log lines
	KeyOperation = "operation" // backup, restore, delete, archives, cleanup
	KeyBucket    = "bucket"    // target bucket name
	KeyArchive   = "archive"   // archive name, when the operation is scoped to one

	// ========================================================================
	// Filesystem
	// ========================================================================
	KeyPath     = "path"     // Full file/directory path
	KeyFilename = "filename" // File or directory name (basename)
	KeyType     = "type"     // Node type: file, directory, symlink
	KeySize     = "size"     // Uncompressed byte length
	KeyMode     = "mode"     // File mode/permissions (Unix-style)
	KeyInode    = "inode"    // Inode number, used for hardlink detection

	// ========================================================================
	// Content addressing
	// ========================================================================
	KeyHash       = "hash"        // Block hash, hex-encoded
	KeyLevel      = "level"       // Block-tree level (0 = leaf)
	KeyChunkSize  = "chunk_size"  // Raw chunk size in bytes
	KeyCompressed = "compressed"  // Compressed payload size in bytes
	KeyRefcount   = "refcount"    // Reference count for a block hash
	KeyBlockCount = "block_count" // Number of blocks touched by an operation

	// ========================================================================
	// Object store
	// ========================================================================
	KeyKey        = "key"         // Object key in the bucket
	KeyStoreType  = "store_type"  // Store backend: memory, s3
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorKind  = "error_kind"  // Classified error kind (see cubisterr)
	KeyDryRun     = "dry_run"     // Whether the run is dry-run
	KeyTransient  = "transient"   // Whether the run is transient
	KeyTasks      = "tasks"       // Configured I/O engine concurrency
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// RunID returns a slog.Attr for the run identifier.
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

// Operation returns a slog.Attr for the driver operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Bucket returns a slog.Attr for the bucket name.
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Archive returns a slog.Attr for the archive name.
func Archive(name string) slog.Attr {
	return slog.String(KeyArchive, name)
}

// Path returns a slog.Attr for a filesystem path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Filename returns a slog.Attr for a basename.
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// TypeStr returns a slog.Attr for a file-tree node type.
func TypeStr(t string) slog.Attr {
	return slog.String(KeyType, t)
}

// Size returns a slog.Attr for an uncompressed byte length.
func Size(s uint64) slog.Attr {
	return slog.Uint64(KeySize, s)
}

// Mode returns a slog.Attr for file mode bits.
func Mode(m uint32) slog.Attr {
	return slog.Any(KeyMode, m)
}

// Inode returns a slog.Attr for an inode number.
func Inode(id uint64) slog.Attr {
	return slog.Uint64(KeyInode, id)
}

// Hash returns a slog.Attr for a hex-encoded block hash.
func Hash(hex string) slog.Attr {
	return slog.String(KeyHash, hex)
}

// BlockLevel returns a slog.Attr for a block-tree level.
func BlockLevel(level int) slog.Attr {
	return slog.Int(KeyLevel, level)
}

// ChunkSize returns a slog.Attr for a raw chunk size.
func ChunkSize(n int) slog.Attr {
	return slog.Int(KeyChunkSize, n)
}

// Compressed returns a slog.Attr for a compressed payload size.
func Compressed(n int) slog.Attr {
	return slog.Int(KeyCompressed, n)
}

// Refcount returns a slog.Attr for a block's reference count.
func Refcount(n uint64) slog.Attr {
	return slog.Uint64(KeyRefcount, n)
}

// BlockCount returns a slog.Attr for a count of blocks touched.
func BlockCount(n int) slog.Attr {
	return slog.Int(KeyBlockCount, n)
}

// Key returns a slog.Attr for an object store key.
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// StoreType returns a slog.Attr for the object store backend kind.
func StoreType(t string) slog.Attr {
	return slog.String(KeyStoreType, t)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for the retry ceiling.
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or a zero Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorKind returns a slog.Attr for a classified error kind.
func ErrorKind(kind fmt.Stringer) slog.Attr {
	return slog.String(KeyErrorKind, kind.String())
}

// DryRun returns a slog.Attr indicating whether the run is dry-run.
func DryRun(b bool) slog.Attr {
	return slog.Bool(KeyDryRun, b)
}

// Transient returns a slog.Attr indicating whether the run is transient.
func Transient(b bool) slog.Attr {
	return slog.Bool(KeyTransient, b)
}

// Tasks returns a slog.Attr for the configured I/O engine concurrency.
func Tasks(n int) slog.Attr {
	return slog.Int(KeyTasks, n)
}
