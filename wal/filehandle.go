package wal

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// fileHandleHandler lazily opens the segment's backing file on first access and
// auto-closes it after ttl of inactivity unless the segment is active. All
// cross-goroutine flags use go.uber.org/atomic rather than ad hoc sync/atomic
// calls, since the closer goroutine and append path both read and write them
// without holding a common lock.
type fileHandleHandler struct {
	path string
	ttl  time.Duration

	scheduler *Scheduler

	mtx  sync.Mutex
	file *os.File

	closer *ScheduledTask

	preventAutoClose    atomic.Bool
	closeNextTime       atomic.Bool
	autoCloseInProgress atomic.Bool
}

func newFileHandleHandler(path string, ttl time.Duration, scheduler *Scheduler) *fileHandleHandler {
	return &fileHandleHandler{path: path, ttl: ttl, scheduler: scheduler}
}

// Lock guards every I/O operation on the handle: GetFile must be called while
// holding it. Callers lock, call GetFile, do their I/O, then unlock.
func (h *fileHandleHandler) Lock() { h.mtx.Lock() }

// Unlock releases the file mutex acquired by Lock.
func (h *fileHandleHandler) Unlock() { h.mtx.Unlock() }

// GetFile returns the open file, opening it lazily on first call. Must be called
// with the handle locked.
func (h *fileHandleHandler) GetFile() (*os.File, error) {
	if h.file != nil {
		h.closeNextTime.Store(false)
		return h.file, nil
	}

	f, err := os.OpenFile(h.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapIO(err, fmt.Sprintf("open segment file %s", h.path))
	}
	h.file = f

	if h.scheduler != nil && h.autoCloseInProgress.CompareAndSwap(false, true) {
		h.closeNextTime.Store(true)
		h.closer = h.scheduler.Schedule(h.ttl, h.onTick)
	}

	return h.file, nil
}

// SetActive marks the segment as currently being appended to (the flusher is
// running). While active, the closer fires but never closes the handle.
func (h *fileHandleHandler) SetActive(active bool) {
	h.preventAutoClose.Store(active)
}

// onTick implements the two-tick idle heuristic: close only if no access occurred
// since the previous tick, and never while the segment is active.
func (h *fileHandleHandler) onTick() {
	if h.preventAutoClose.Load() {
		h.closer.Rearm(h.ttl)
		return
	}

	if h.closeNextTime.Load() {
		h.mtx.Lock()
		if h.file != nil {
			_ = h.file.Close()
			h.file = nil
		}
		h.mtx.Unlock()
		h.autoCloseInProgress.Store(false)
		return
	}

	h.closeNextTime.Store(true)
	h.closer.Rearm(h.ttl)
}

// Close cancels any pending closer and closes the handle unconditionally, for
// segment shutdown.
func (h *fileHandleHandler) Close() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.closer != nil {
		h.closer.Cancel()
	}
	h.autoCloseInProgress.Store(false)

	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return wrapIO(err, "close segment file")
}

// isOpen reports whether the handle currently holds an open file, under the file
// mutex so callers (tests included) never race with the closer goroutine.
func (h *fileHandleHandler) isOpen() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.file != nil
}
