// Package cubisterr defines the error-kind taxonomy shared by every
// subsystem: the chunker and block-tree builder, the object store client,
// the I/O engine, and the operation drivers. Call sites wrap a sentinel
// with fmt.Errorf("...: %w", err); Kind classifies any wrapped error back
// to one of the kinds below so drivers and the CLI can decide retry/abort/
// exit-code behavior without string matching.
package cubisterr

import "errors"

// Kind identifies the class of an error for retry and exit-code policy.
type Kind int

const (
	// KindUnknown is returned by Kind for errors not wrapping one of the
	// sentinels below.
	KindUnknown Kind = iota
	KindIoError
	KindNetworkError
	KindAuthError
	KindNotFound
	KindAlreadyExists
	KindCorruptBlock
	KindCorruptArchive
	KindHashMismatch
	KindBadConfig
	KindCancelled
	KindInconsistency
)

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "IoError"
	case KindNetworkError:
		return "NetworkError"
	case KindAuthError:
		return "AuthError"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindCorruptBlock:
		return "CorruptBlock"
	case KindCorruptArchive:
		return "CorruptArchive"
	case KindHashMismatch:
		return "HashMismatch"
	case KindBadConfig:
		return "BadConfig"
	case KindCancelled:
		return "Cancelled"
	case KindInconsistency:
		return "Inconsistency"
	default:
		return "Unknown"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("doing X: %w", ErrXxx) at each layer
// so errors.Is and Kind keep working through the wrap chain.
var (
	// ErrIO covers local filesystem failures during traversal, read, or write.
	ErrIO = errors.New("io error")

	// ErrNetwork covers object-store transport failures, including timeouts.
	// Retryable with backoff.
	ErrNetwork = errors.New("network error")

	// ErrAuth covers object-store credential or permission failures.
	ErrAuth = errors.New("auth error")

	// ErrNotFound covers a missing key, archive, or block.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists covers archive name collisions under put-if-absent.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCorruptBlock covers a block payload that fails decompression or
	// whose content hash does not match its key.
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrCorruptArchive covers an archive object with an unknown version
	// magic or that is truncated mid-decode.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrHashMismatch covers downloaded content whose recomputed hash does
	// not match the hash under which it was requested.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrBadConfig covers invalid CLI flags or configuration values.
	ErrBadConfig = errors.New("bad config")

	// ErrCancelled covers a job or run cancelled via the run's single
	// cancellation token. Expected, not escalated to a run failure, when
	// the driver itself requested the cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrInconsistency covers refcount/bucket divergence detected by
	// cleanup: stale metadata, orphan blocks, or missing blocks.
	ErrInconsistency = errors.New("inconsistency")
)

var sentinelKinds = map[error]Kind{
	ErrIO:            KindIoError,
	ErrNetwork:       KindNetworkError,
	ErrAuth:          KindAuthError,
	ErrNotFound:      KindNotFound,
	ErrAlreadyExists: KindAlreadyExists,
	ErrCorruptBlock:  KindCorruptBlock,
	ErrCorruptArchive: KindCorruptArchive,
	ErrHashMismatch:  KindHashMismatch,
	ErrBadConfig:     KindBadConfig,
	ErrCancelled:     KindCancelled,
	ErrInconsistency: KindInconsistency,
}

// Classify walks the wrap chain of err, matching it against the sentinel
// errors above, and returns its Kind. Returns KindUnknown if err is nil or
// does not wrap any recognized sentinel.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Retryable reports whether an error of this kind should be retried with
// backoff by the I/O engine. Only network failures and timeouts
// are retryable; corruption and hash mismatches abort the run immediately.
func (k Kind) Retryable() bool {
	return k == KindNetworkError
}

// ExitCode maps a Kind to a process exit code: 0 success, 1 generic
// failure, 2 bad usage, 3 remote inconsistency, 130 cancelled by user.
func (k Kind) ExitCode() int {
	switch k {
	case KindBadConfig:
		return 2
	case KindInconsistency:
		return 3
	case KindCancelled:
		return 130
	case KindUnknown:
		return 1
	default:
		return 1
	}
}
