package wal

import "time"

// Collaborator is the capability set a segment consumes from the outer WAL object
// that owns cross-segment bookkeeping (flushed/written LSN, free-space reclamation,
// rotation policy). A segment never reaches upward into the outer WAL's internals;
// it only calls through this interface, so it can be tested with a fake collaborator
// and composed into a larger WAL without this package knowing about segment sets.
type Collaborator interface {
	// CommitDelay is the background flush interval; zero disables the periodic
	// flusher entirely (synchronous flush still works).
	CommitDelay() time.Duration

	// CheckFreeSpace is called after every flush, successful or not, as a hook for
	// disk-space housekeeping owned by the outer WAL.
	CheckFreeSpace()

	// WrittenLSN returns the highest LSN whose containing page is known to be on
	// disk, if any has been published yet.
	WrittenLSN() (LSN, bool)
	// SetWrittenLSN publishes a new written LSN. Must be non-decreasing.
	SetWrittenLSN(LSN)
	// SetFlushedLSN publishes a new flushed LSN. Must be non-decreasing.
	SetFlushedLSN(LSN)

	// IncrementCacheOverflowCount is telemetry for append() calls that had to
	// synchronously flush because the append buffer exceeded its page budget.
	IncrementCacheOverflowCount()
}

// Config carries the knobs a segment needs but does not own itself: fsync policy,
// shutdown timeout, cache thresholds, and file-handle TTL. Page size is not part of
// Config: it is the package-level PageSize variable.
type Config struct {
	// SyncOnPageFlush enables fsync after every flush's pages are written.
	SyncOnPageFlush bool
	// ShutdownTimeout bounds how long stop_flush waits for the executor to drain.
	ShutdownTimeout time.Duration
	// MaxPagesCached is the append-buffer threshold that triggers a synchronous
	// flush from inside append().
	MaxPagesCached uint64
	// FileTTL is the idle duration after which a lazily-opened file handle is
	// closed by the shared closer scheduler.
	FileTTL time.Duration
	// MaxCachedRecordBytes caps the Reader's single-entry last-read cache; beyond
	// this the cache is skipped rather than pinning a huge record in memory.
	MaxCachedRecordBytes int
}

// DefaultConfig returns sane production defaults that callers override selectively.
func DefaultConfig() Config {
	return Config{
		SyncOnPageFlush:      true,
		ShutdownTimeout:      5 * time.Second,
		MaxPagesCached:       4,
		FileTTL:              2 * time.Minute,
		MaxCachedRecordBytes: 1 << 20,
	}
}
