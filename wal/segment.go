package wal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// segmentNamePattern captures the ordinal from a segment's file name.
var segmentNamePattern = regexp.MustCompile(`^.*\.(\d+)\.wal$`)

// ParseOrder extracts the ordinal from a segment file name, or an error if the name
// doesn't match the expected pattern.
func ParseOrder(path string) (uint64, error) {
	m := segmentNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, errors.Errorf("wal: %q does not match segment name pattern", path)
	}
	order, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "wal: bad ordinal in %q", path)
	}
	return order, nil
}

// Segment is one WAL segment file: its append buffer, its paged on-disk layout, its
// background flusher, and the file handle it shares with its Reader. It owns no
// knowledge of sibling segments or rotation policy; those live in the Collaborator.
type Segment struct {
	path  string
	order uint64

	collaborator Collaborator
	cfg          Config
	logger       log.Logger
	metrics      *segmentMetrics

	handle *fileHandleHandler
	buf    *buffer
	flush  *flusher
	reader *reader

	mtx        sync.Mutex
	filledUpTo uint64
	last       LSN
	hasLast    bool
	flushedLSN LSN
	hasFlushed bool

	pending    *LSN
	closed     atomic.Bool
	flushDirty atomic.Bool
	active     bool
}

// NewSegment constructs a segment from a file path matching the `*.<N>.wal` naming
// convention. It does not touch the file; call Init before using the segment.
func NewSegment(path string, collaborator Collaborator, cfg Config, scheduler *Scheduler, logger log.Logger, reg prometheus.Registerer) (*Segment, error) {
	order, err := ParseOrder(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	s := &Segment{
		path:         path,
		order:        order,
		collaborator: collaborator,
		cfg:          cfg,
		logger:       logger,
		metrics:      newSegmentMetrics(reg, order),
		handle:       newFileHandleHandler(path, cfg.FileTTL, scheduler),
		buf:          newBuffer(),
	}
	s.reader = newReader(s)
	return s, nil
}

// Order returns the segment's ordinal.
func (s *Segment) Order() uint64 { return s.order }

// Path returns the segment's backing file path.
func (s *Segment) Path() string { return s.path }

// FilledUpTo returns the next free logical byte position in the segment.
func (s *Segment) FilledUpTo() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.filledUpTo
}

// Last returns the LSN of the most recently appended record.
func (s *Segment) Last() (LSN, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.last, s.hasLast
}

// ReadFlushedLSN returns the last LSN this segment knows to be durably flushed.
func (s *Segment) ReadFlushedLSN() (LSN, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.flushedLSN, s.hasFlushed
}

// Init truncates a torn tail left by a prior crash, then computes filled_up_to from
// the last physical page. Fails with ErrInvalidState if called on a segment whose
// buffer already holds un-flushed entries.
func (s *Segment) Init() error {
	if s.buf.len() != 0 {
		return ErrInvalidState
	}
	if err := s.selfCheck(); err != nil {
		return err
	}

	fi, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		s.mtx.Lock()
		s.filledUpTo = 0
		s.mtx.Unlock()
		return nil
	}
	if err != nil {
		return wrapIO(err, "stat segment")
	}

	pages := fi.Size() / int64(PageSize)
	if pages == 0 {
		s.mtx.Lock()
		s.filledUpTo = 0
		s.mtx.Unlock()
		return nil
	}

	page := newPage()
	if err := s.readPageInto(pages-1, page); err != nil {
		return err
	}

	s.mtx.Lock()
	if VerifyPage(page) {
		s.filledUpTo = uint64(pages-1)*uint64(PageSize) + uint64(PageSize-freeSpace(page))
	} else {
		s.filledUpTo = uint64(pages)*uint64(PageSize) + uint64(RecordsOffset)
	}
	s.mtx.Unlock()
	return nil
}

// selfCheck truncates any byte tail shorter than PageSize, the signature of a torn
// write from a prior crash, to the last whole page.
func (s *Segment) selfCheck() error {
	fi, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return wrapIO(err, "self-check stat")
	}

	tail := fi.Size() % int64(PageSize)
	if tail == 0 {
		return nil
	}

	truncated := fi.Size() - tail
	s.metrics.truncateTotal.Inc()
	if err := os.Truncate(s.path, truncated); err != nil {
		s.metrics.truncateFailures.Inc()
		return wrapIO(err, "truncate torn tail")
	}
	partial := &PartialLastPageErr{Path: s.path, OriginalLen: fi.Size(), TruncatedTo: truncated}
	s.logPartial(partial)
	return nil
}

func (s *Segment) logPartial(e *PartialLastPageErr) {
	_ = s.logger.Log("msg", "repaired torn segment tail", "path", e.Path,
		"original_len", e.OriginalLen, "truncated_to", e.TruncatedTo)
}

// StartFlush launches the background flusher and marks the file handle active, so
// the TTL closer leaves the handle open while appends are happening.
func (s *Segment) StartFlush() {
	s.active = true
	s.handle.SetActive(true)
	s.flush = newFlusher(s, s.collaborator.CommitDelay(), s.logger)
	s.flush.Start()
}

// StopFlush stops the background executor with a bounded wait, optionally running a
// final flush first.
func (s *Segment) StopFlush(flush bool) error {
	if s.flush == nil {
		return nil
	}
	s.handle.SetActive(false)
	s.active = false

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.flush.Stop(ctx, flush)
}

// Append plans the record's placement, advances filled_up_to, queues the entry, and
// triggers a synchronous flush if the append buffer has grown past the configured
// page budget.
func (s *Segment) Append(payload []byte) (LSN, error) {
	if s.closed.Load() {
		return LSN{}, ErrInvalidState
	}
	s.flushDirty.Store(true)

	s.mtx.Lock()
	placement := Plan(s.filledUpTo, uint64(len(payload)))
	s.filledUpTo = placement.WriteTo
	lsn := LSN{Segment: s.order, Position: placement.WriteFrom}
	s.last = lsn
	s.hasLast = true
	filled := s.filledUpTo
	s.mtx.Unlock()

	s.buf.push(Entry{Payload: payload, WriteFrom: placement.WriteFrom, WriteTo: placement.WriteTo})

	writtenPos := uint64(0)
	if wl, ok := s.collaborator.WrittenLSN(); ok && wl.Segment == s.order {
		writtenPos = wl.Position
	}
	if filled > writtenPos {
		pagesPending := (filled - writtenPos) / uint64(PageSize)
		if pagesPending > s.cfg.MaxPagesCached {
			if err := s.Flush(); err != nil {
				return lsn, err
			}
			s.metrics.cacheOverflows.Inc()
			s.collaborator.IncrementCacheOverflowCount()
		}
	}

	return lsn, nil
}

// Flush submits a one-shot flush task to the background executor and blocks until
// it completes, guaranteeing the caller's prior appends are durable to the
// configured fsync policy by the time it returns. If no flusher is running (the
// segment was never started, or the executor has already been stopped via
// StopFlush), the flush runs inline on the calling goroutine instead.
func (s *Segment) Flush() error {
	if s.flush == nil {
		return s.tryFlushOnce()
	}
	return s.flush.submitSync(s.tryFlushOnce)
}

// tryFlushOnce is the flush procedure itself: check-and-clear flush_dirty, drain the
// buffer, and materialize pages. Used by both the periodic tick and synchronous
// flush so repeated flush() calls with no intervening appends are a no-op.
func (s *Segment) tryFlushOnce() error {
	if !s.flushDirty.CompareAndSwap(true, false) {
		return nil
	}
	entries := s.buf.drain()
	if len(entries) == 0 {
		return nil
	}
	return s.flushEntries(entries)
}

// flushEntries is the page-materialization algorithm: load the partially-written
// tail page if one exists, write each entry's chunks in order, finalize and
// persist a page whenever it fills, then publish LSNs.
func (s *Segment) flushEntries(entries []Entry) error {
	defer s.collaborator.CheckFreeSpace()

	first := entries[0]
	pageIndex := int64(first.WriteFrom) / int64(PageSize)

	page := newPage()
	if err := s.loadTailPage(pageIndex, page); err != nil {
		return err
	}

	var lastToFlush bool
	var lastLSN LSN

	for _, e := range entries {
		pos := int(e.WriteFrom % uint64(PageSize))
		pageIndex = int64(e.WriteFrom) / int64(PageSize)
		lastLSN = e.LSN(s.order)
		written := 0

		for written < len(e.Payload) {
			chunkCap := CalculateRecordSize(PageSize - pos)
			if chunkCap < 0 {
				chunkCap = 0
			}
			chunkLen := len(e.Payload) - written
			if chunkLen > chunkCap {
				chunkLen = chunkCap
			}
			isLast := written+chunkLen == len(e.Payload)

			pos = WriteChunkHeader(page, pos, !isLast, isLast, e.Payload[written:written+chunkLen])
			written += chunkLen
			lastToFlush = true

			if PageSize-pos < MinRecordSize {
				if err := s.writePage(pageIndex, page); err != nil {
					return err
				}
				if s.pending != nil {
					s.collaborator.SetWrittenLSN(*s.pending)
				}
				pendingCopy := lastLSN
				s.pending = &pendingCopy
				lastToFlush = false
				pageIndex++
				page = newPage()
				pos = RecordsOffset
			}
		}
	}

	if lastToFlush {
		if err := s.writePage(pageIndex, page); err != nil {
			return err
		}
	}

	if s.cfg.SyncOnPageFlush {
		timer := prometheus.NewTimer(s.metrics.fsyncDuration)
		err := s.withFile(func(f *os.File) error { return f.Sync() })
		timer.ObserveDuration()
		if err != nil {
			return wrapIO(err, "fsync")
		}
	}

	s.collaborator.SetFlushedLSN(lastLSN)
	s.collaborator.SetWrittenLSN(lastLSN)
	s.pending = nil

	s.mtx.Lock()
	s.flushedLSN = lastLSN
	s.hasFlushed = true
	s.mtx.Unlock()

	s.metrics.pageFlushes.Inc()
	return nil
}

// loadTailPage reads back any page partially written by a previous flush before
// rewriting it, so bytes already on disk in that page are never zeroed.
func (s *Segment) loadTailPage(pageIndex int64, page []byte) error {
	return s.withFile(func(f *os.File) error {
		fi, err := f.Stat()
		if err != nil {
			return wrapIO(err, "stat segment")
		}
		if fi.Size()/int64(PageSize) <= pageIndex {
			return nil
		}
		_, err = f.ReadAt(page, pageIndex*int64(PageSize))
		if err != nil && err != io.EOF {
			return wrapIO(err, "read tail page")
		}
		return nil
	})
}

func (s *Segment) writePage(pageIndex int64, page []byte) error {
	FinalizePage(page)
	err := s.withFile(func(f *os.File) error {
		_, err := f.WriteAt(page, pageIndex*int64(PageSize))
		return err
	})
	if err != nil {
		s.metrics.writesFailed.Inc()
		return wrapIO(err, "write page")
	}
	s.metrics.pageCompletions.Inc()
	return nil
}

func (s *Segment) readPageInto(pageIndex int64, page []byte) error {
	return s.withFile(func(f *os.File) error {
		_, err := f.ReadAt(page, pageIndex*int64(PageSize))
		if err != nil && err != io.EOF {
			return wrapIO(err, "read page")
		}
		return nil
	})
}

// statFile stats the segment's backing path directly, without going through the
// file handle, so a plain existence/size check never forces the lazy O_CREATE open.
func (s *Segment) statFile() (os.FileInfo, error) {
	fi, err := os.Stat(s.path)
	return fi, wrapIO(err, "stat segment")
}

// withFile locks the file mutex, opens the handle lazily, and runs fn against it.
func (s *Segment) withFile(fn func(f *os.File) error) error {
	s.handle.Lock()
	defer s.handle.Unlock()
	f, err := s.handle.GetFile()
	if err != nil {
		return err
	}
	return fn(f)
}

// ReadRecord reassembles the record at lsn, flushing first if there are un-persisted
// appends pending.
func (s *Segment) ReadRecord(lsn LSN) ([]byte, error) {
	return s.reader.ReadRecord(lsn)
}

// NextLSN walks forward from lsn to the first position not inside its record.
func (s *Segment) NextLSN(lsn LSN) (LSN, bool, error) {
	return s.reader.NextLSN(lsn)
}

// Begin returns the first readable LSN, if the segment holds any bytes at all.
func (s *Segment) Begin() (LSN, bool) {
	return s.reader.Begin()
}

// End returns the LSN of the most recently appended record.
func (s *Segment) End() (LSN, bool) {
	return s.Last()
}

// Close stops the flusher (optionally flushing first) and closes the file handle.
func (s *Segment) Close(flush bool) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.active {
		err = s.StopFlush(flush)
	} else if flush {
		err = s.Flush()
	}
	if cerr := s.handle.Close(); err == nil {
		err = cerr
	}
	return err
}

// Delete closes the segment and unlinks its file, retrying on transient failure.
func (s *Segment) Delete(flush bool) error {
	if err := s.Close(flush); err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.Remove(s.path); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			lastErr = err
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return nil
	}
	return wrapIO(lastErr, "delete segment")
}

// Less orders segments by ordinal.
func (s *Segment) Less(other *Segment) bool {
	return s.order < other.order
}
