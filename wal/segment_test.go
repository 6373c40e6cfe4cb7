package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
)

// fakeCollaborator is a minimal outer-WAL stand-in: it just records the published
// LSNs and overflow count so tests can assert on them.
type fakeCollaborator struct {
	mtx        sync.Mutex
	delay      time.Duration
	written    LSN
	hasWritten bool
	flushed    LSN
	hasFlushed bool
	overflows  int
	checks     int
}

func (c *fakeCollaborator) CommitDelay() time.Duration { return c.delay }
func (c *fakeCollaborator) CheckFreeSpace() {
	c.mtx.Lock()
	c.checks++
	c.mtx.Unlock()
}

func (c *fakeCollaborator) WrittenLSN() (LSN, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.written, c.hasWritten
}

func (c *fakeCollaborator) SetWrittenLSN(l LSN) {
	c.mtx.Lock()
	c.written, c.hasWritten = l, true
	c.mtx.Unlock()
}

func (c *fakeCollaborator) SetFlushedLSN(l LSN) {
	c.mtx.Lock()
	c.flushed, c.hasFlushed = l, true
	c.mtx.Unlock()
}

func (c *fakeCollaborator) IncrementCacheOverflowCount() {
	c.mtx.Lock()
	c.overflows++
	c.mtx.Unlock()
}

func (c *fakeCollaborator) overflowCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.overflows
}

func newTestSegment(t *testing.T, order uint64, cfg Config) (*Segment, *fakeCollaborator, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, fmt.Sprintf("test.%d.wal", order))
	collab := &fakeCollaborator{}

	seg, err := NewSegment(path, collab, cfg, NewScheduler(), log.NewNopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, seg.Init())
	return seg, collab, path
}

func TestRoundtripAfterFlush(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		records := [][]byte{[]byte("hello"), []byte("world"), []byte("a longer record than the others")}
		lsns := make([]LSN, len(records))
		for i, r := range records {
			lsn, err := seg.Append(r)
			require.NoError(t, err)
			lsns[i] = lsn
		}
		require.NoError(t, seg.Flush())

		for i, r := range records {
			got, err := seg.ReadRecord(lsns[i])
			require.NoError(t, err)
			require.Equal(t, r, got)
		}
	})
}

func TestLSNMonotonicity(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		var prev LSN
		for i := 0; i < 30; i++ {
			lsn, err := seg.Append([]byte(fmt.Sprintf("record-%02d", i)))
			require.NoError(t, err)
			if i > 0 {
				require.True(t, prev.Less(lsn), "lsn %s must be strictly less than %s", prev, lsn)
			}
			prev = lsn
		}
	})
}

func TestNextLSNWalkCoversAllRecords(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		var want []LSN
		for i := 0; i < 12; i++ {
			lsn, err := seg.Append([]byte(fmt.Sprintf("r%d", i)))
			require.NoError(t, err)
			want = append(want, lsn)
		}
		require.NoError(t, seg.Flush())

		var got []LSN
		cur, ok := seg.Begin()
		require.True(t, ok)
		for {
			got = append(got, cur)
			next, ok, err := seg.NextLSN(cur)
			require.NoError(t, err)
			if !ok {
				break
			}
			cur = next
		}

		require.Equal(t, want, got)
	})
}

func TestCRCCorruptionDetected(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, path := newTestSegment(t, 1, cfg)

		first, err := seg.Append([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, seg.Flush())
		require.NoError(t, seg.Close(false))

		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xFF}, int64(RecordsOffset+3))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		seg2, _, _ := reopenSegment(t, path, cfg)
		defer seg2.Close(false)
		_, err = seg2.ReadRecord(first)
		require.Error(t, err)
		require.True(t, IsCorruption(err))
	})
}

func TestMagicCorruptionDetected(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, path := newTestSegment(t, 1, cfg)

		first, err := seg.Append([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, seg.Flush())
		require.NoError(t, seg.Close(false))

		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0x00}, int64(magicOffset))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		seg2, _, _ := reopenSegment(t, path, cfg)
		defer seg2.Close(false)
		_, err = seg2.ReadRecord(first)
		require.Error(t, err)
		require.True(t, IsCorruption(err))
	})
}

func TestTornTailRepairOnReopen(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, path := newTestSegment(t, 1, cfg)

		// A 41-byte payload exactly fills page 0's record capacity
		// (calculate_record_size(64 - 16) == 41), so flushing it closes and
		// persists page 0 in full before the second record ever touches page 1.
		full := make([]byte, 41)
		for i := range full {
			full[i] = byte('a' + i%26)
		}
		first, err := seg.Append(full)
		require.NoError(t, err)
		require.NoError(t, seg.Flush())

		_, err = seg.Append([]byte("second"))
		require.NoError(t, err)
		require.NoError(t, seg.Flush())
		require.NoError(t, seg.Close(false))

		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, int64(2*PageSize), fi.Size(), "both pages should be fully persisted")
		require.NoError(t, os.Truncate(path, fi.Size()-3))

		seg2, _, _ := reopenSegment(t, path, cfg)
		defer seg2.Close(false)

		fi2, err := os.Stat(path)
		require.NoError(t, err)
		require.Zero(t, fi2.Size()%int64(PageSize))
		require.Equal(t, int64(PageSize), fi2.Size(), "the torn second page must be dropped entirely")

		got, err := seg2.ReadRecord(first)
		require.NoError(t, err)
		require.Equal(t, full, got)
	})
}

func TestLargeRecordSpansPages(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		payload := make([]byte, 200)
		for i := range payload {
			payload[i] = byte(i)
		}
		lsn, err := seg.Append(payload)
		require.NoError(t, err)
		require.NoError(t, seg.Flush())

		got, err := seg.ReadRecord(lsn)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	})
}

func TestCacheOverflowTriggersSyncFlush(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 // flusher never started: background flush disabled
		seg, collab, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		for i := 0; i < 12; i++ {
			_, err := seg.Append([]byte(fmt.Sprintf("payload-%02d", i)))
			require.NoError(t, err)
		}

		require.GreaterOrEqual(t, collab.overflowCount(), 1)
	})
}

func TestFlushIsIdempotentWithNoNewAppends(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, collab, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		_, err := seg.Append([]byte("once"))
		require.NoError(t, err)
		require.NoError(t, seg.Flush())
		checksAfterFirst := collab.checks

		require.NoError(t, seg.Flush())
		require.NoError(t, seg.Flush())
		// tryFlushOnce short-circuits on a clear flush_dirty flag before ever
		// calling CheckFreeSpace again, so the count must not have moved.
		require.Equal(t, checksAfterFirst, collab.checks)
	})
}

func TestCloseAfterStopFlushDoesNotError(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		seg, _, _ := newTestSegment(t, 1, cfg)

		seg.StartFlush()
		_, err := seg.Append([]byte("started then stopped then closed"))
		require.NoError(t, err)

		require.NoError(t, seg.StopFlush(true))
		// Close must not try to resubmit a flush to the now-stopped executor.
		require.NoError(t, seg.Close(true))
	})
}

func TestFileHandleClosesAfterTTLAndReopens(t *testing.T) {
	withPageSize(t, 64, func() {
		cfg := DefaultConfig()
		cfg.MaxPagesCached = 1 << 20
		cfg.FileTTL = 20 * time.Millisecond
		seg, _, _ := newTestSegment(t, 1, cfg)
		defer seg.Close(false)

		lsn, err := seg.Append([]byte("ttl-test"))
		require.NoError(t, err)
		require.NoError(t, seg.Flush())

		require.Eventually(t, func() bool {
			return !seg.handle.isOpen()
		}, time.Second, 5*time.Millisecond, "file handle should auto-close after TTL")

		got, err := seg.ReadRecord(lsn)
		require.NoError(t, err)
		require.Equal(t, []byte("ttl-test"), got)
		require.True(t, seg.handle.isOpen(), "ReadRecord must transparently reopen the handle")
	})
}

func reopenSegment(t *testing.T, path string, cfg Config) (*Segment, *fakeCollaborator, string) {
	t.Helper()
	collab := &fakeCollaborator{}
	seg, err := NewSegment(path, collab, cfg, NewScheduler(), log.NewNopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, seg.Init())
	return seg, collab, path
}
