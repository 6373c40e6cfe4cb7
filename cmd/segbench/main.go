// Command segbench drives append throughput against a single WAL segment.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arekx/segwal/wal"
)

var (
	dir          string
	recordSize   int
	durationFlag time.Duration
	commitDelay  time.Duration
	syncOnFlush  bool
)

func init() {
	flag.StringVar(&dir, "dir", os.TempDir(), "directory to write the benchmark segment into")
	flag.IntVar(&recordSize, "record-size", 256, "payload bytes per appended record")
	flag.DurationVar(&durationFlag, "duration", 10*time.Second, "how long to append for")
	flag.DurationVar(&commitDelay, "commit-delay", 5*time.Millisecond, "background flush interval")
	flag.BoolVar(&syncOnFlush, "fsync", true, "fsync after every flush")
}

// memCollaborator is the smallest possible Collaborator: it tracks written/flushed
// LSNs in memory and does nothing for free-space housekeeping, enough for a
// throughput benchmark that never rotates segments.
type memCollaborator struct {
	mtx        sync.Mutex
	written    wal.LSN
	hasWritten bool
	flushed    wal.LSN
	hasFlushed bool
	overflows  int
}

func (c *memCollaborator) CommitDelay() time.Duration { return commitDelay }
func (c *memCollaborator) CheckFreeSpace()            {}

func (c *memCollaborator) WrittenLSN() (wal.LSN, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.written, c.hasWritten
}

func (c *memCollaborator) SetWrittenLSN(l wal.LSN) {
	c.mtx.Lock()
	c.written, c.hasWritten = l, true
	c.mtx.Unlock()
}

func (c *memCollaborator) SetFlushedLSN(l wal.LSN) {
	c.mtx.Lock()
	c.flushed, c.hasFlushed = l, true
	c.mtx.Unlock()
}

func (c *memCollaborator) IncrementCacheOverflowCount() {
	c.mtx.Lock()
	c.overflows++
	c.mtx.Unlock()
}

func main() {
	flag.Parse()

	path := filepath.Join(dir, fmt.Sprintf("segbench.%d.wal", time.Now().UnixNano()))
	collab := &memCollaborator{}
	cfg := wal.DefaultConfig()
	cfg.SyncOnPageFlush = syncOnFlush

	seg, err := wal.NewSegment(path, collab, cfg, wal.NewScheduler(), kitlog.NewNopLogger(), prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("new segment: %v", err)
	}
	if err := seg.Init(); err != nil {
		log.Fatalf("init: %v", err)
	}
	seg.StartFlush()
	defer os.Remove(path)

	payload := make([]byte, recordSize)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(payload)

	var count int64
	deadline := time.Now().Add(durationFlag)
	start := time.Now()

	for time.Now().Before(deadline) {
		if _, err := seg.Append(payload); err != nil {
			log.Fatalf("append: %v", err)
		}
		count++
	}

	if err := seg.StopFlush(true); err != nil {
		log.Fatalf("stop flush: %v", err)
	}
	if err := seg.Close(true); err != nil {
		log.Fatalf("close: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("appended %d records (%d bytes each) in %s -> %.0f records/sec, %.2f MiB/sec\n",
		count, recordSize, elapsed,
		float64(count)/elapsed.Seconds(),
		float64(count*int64(recordSize))/elapsed.Seconds()/(1<<20))
	fmt.Printf("cache overflow flushes: %d\n", collab.overflows)
}
