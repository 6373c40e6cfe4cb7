package wal

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// flusher is the single-consumer background executor that drains the append buffer
// and performs every page write. It drains a channel of funcs on one goroutine so
// page writes stay strictly ordered and the pending-flush LSN has a single writer,
// with no locking needed around the file cursor during a flush.
type flusher struct {
	seg      *Segment
	interval time.Duration
	logger   log.Logger

	tasks   chan func()
	stopc   chan struct{}
	donec   chan struct{}
	stopped atomic.Bool
}

func newFlusher(seg *Segment, interval time.Duration, logger log.Logger) *flusher {
	return &flusher{
		seg:      seg,
		interval: interval,
		logger:   logger,
		tasks:    make(chan func()),
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
}

// Start launches the executor goroutine. A zero interval disables the periodic
// tick; synchronous flush still works.
func (f *flusher) Start() {
	go f.run()
}

func (f *flusher) run() {
	defer close(f.donec)

	var tickc <-chan time.Time
	if f.interval > 0 {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		tickc = ticker.C
	}

	for {
		select {
		case <-tickc:
			if err := f.seg.tryFlushOnce(); err != nil {
				level.Error(f.logger).Log("msg", "background flush failed", "err", err)
			}
		case task := <-f.tasks:
			task()
		case <-f.stopc:
			return
		}
	}
}

// submitSync runs fn on the executor goroutine and blocks until it completes,
// guaranteeing that an append followed by flush() observes its own write durably on
// disk (to the configured fsync policy) by the time flush() returns. Once the
// executor has been stopped, fn runs inline on the caller's goroutine instead, since
// there is no longer anyone reading f.tasks.
func (f *flusher) submitSync(fn func() error) error {
	if f.stopped.Load() {
		return fn()
	}

	done := make(chan error, 1)
	task := func() { done <- fn() }

	select {
	case f.tasks <- task:
	case <-f.stopc:
		return fn()
	}

	return <-done
}

// Stop shuts the executor down with a bounded wait. If flush is true, a final
// synchronous flush runs first. Exceeding the wait returns ErrShutdownTimeout.
func (f *flusher) Stop(ctx context.Context, flush bool) error {
	if flush {
		if err := f.submitSync(f.seg.tryFlushOnce); err != nil {
			return err
		}
	}

	close(f.stopc)
	f.stopped.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-f.donec:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		return ErrShutdownTimeout
	}
	return nil
}
