package exchange

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle controls the in-flight request of one exchange. Cancel aborts the
// request. Done is closed once the store lets go of the handle: when the
// request ends, when it is cancelled, or when its channel stops being
// active. Letting go never aborts the request by itself.
type Handle struct {
	cancel      context.CancelFunc
	requested   atomic.Bool
	cancelOnce  sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

func newHandle(cancel context.CancelFunc) *Handle {
	if cancel == nil {
		cancel = func() {}
	}
	return &Handle{cancel: cancel, done: make(chan struct{})}
}

// Cancel records that the user asked to stop the request and aborts it.
// Safe to call more than once.
func (h *Handle) Cancel() {
	h.requested.Store(true)
	h.cancelOnce.Do(h.cancel)
}

// CancelRequested reports whether Cancel was called. Errors produced by the
// aborted transport after this point must not replace the cancellation.
func (h *Handle) CancelRequested() bool {
	return h.requested.Load()
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// release detaches the handle from the store. The request keeps running.
func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		close(h.done)
	})
}

// abort stops a request that was superseded by a newer handle for the same
// exchange, without recording a user cancel.
func (h *Handle) abort() {
	h.cancelOnce.Do(h.cancel)
	h.release()
}
