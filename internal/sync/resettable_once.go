// Package sync provides synchronization primitives used by the cache and
// grid layers.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce is like sync.Once but f may fail and the Once can be reset.
//
// The asset cache uses it to create its root directory: a failed mkdir is
// retried on the next request instead of poisoning the manager.
//
// ResettableOnce is safe for concurrent use.
type ResettableOnce struct {
	done uint32
	m    sync.Mutex
}

// Do calls f if Do has not completed since the last Reset.
// Concurrent callers block until the running f returns.
func (o *ResettableOnce) Do(f func()) {
	if atomic.LoadUint32(&o.done) == 1 {
		return
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done == 0 {
		defer atomic.StoreUint32(&o.done, 1)
		f()
	}
}

// DoWithError calls f if Do has not completed since the last Reset.
// A non-nil error from f leaves the Once unset so the next call retries.
func (o *ResettableOnce) DoWithError(f func() error) error {
	if atomic.LoadUint32(&o.done) == 1 {
		return nil
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done == 0 {
		if err := f(); err != nil {
			return err
		}
		atomic.StoreUint32(&o.done, 1)
	}

	return nil
}

// Reset allows f to run again. It waits for an in-progress Do.
func (o *ResettableOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	atomic.StoreUint32(&o.done, 0)
}

// Done reports whether Do has completed since the last Reset.
func (o *ResettableOnce) Done() bool {
	return atomic.LoadUint32(&o.done) == 1
}
