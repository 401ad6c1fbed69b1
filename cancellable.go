package fileio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cancellable is a shared, one-shot cancellation token. Once Cancel has
// been called it stays cancelled for its lifetime.
//
// A *Cancellable is a context.Context, so a single token can be handed to
// any number of concurrent operations and all of them observe the trigger
// at their next cancellation point:
//
//	c := fileio.NewCancellable()
//	go engine.Copy(c, src, dst, fileio.CopyOverwrite, nil)
//	go engine.Delete(c, other, fileio.CopyRecursive)
//	c.Cancel() // both stop with ErrCancelled
//
// A nil *Cancellable is valid and never cancels. The zero value is ready
// to use.
type Cancellable struct {
	mu sync.Mutex
	// cancelled is set only after done is closed, so Err never reports
	// cancellation before Done does
	cancelled atomic.Bool
	done      chan struct{} // created lazily under mu
	callbacks []func()
}

var _ context.Context = (*Cancellable)(nil)

// NewCancellable returns a token that has not been triggered.
func NewCancellable() *Cancellable {
	return &Cancellable{}
}

// doneChan must be called with mu held
func (c *Cancellable) doneChan() chan struct{} {
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Cancel triggers the token and runs every registered callback once.
// Calling it again has no effect.
func (c *Cancellable) Cancel() {
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.cancelled.Load() {
		c.mu.Unlock()
		return
	}
	close(c.doneChan())
	c.cancelled.Store(true)
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

// IsCancelled reports whether Cancel has been called.
func (c *Cancellable) IsCancelled() bool {
	return c != nil && c.cancelled.Load()
}

// Check returns ErrCancelled once the token has been triggered.
func (c *Cancellable) Check() error {
	if c.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// OnCancel registers fn to run when the token is triggered. If it already
// has been, fn runs immediately. The returned function unregisters fn.
func (c *Cancellable) OnCancel(fn func()) (unregister func()) {
	if c == nil {
		return func() {}
	}

	c.mu.Lock()
	if c.cancelled.Load() {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	c.callbacks = append(c.callbacks, fn)
	index := len(c.callbacks) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if index < len(c.callbacks) {
			// nil out rather than remove so other indexes stay valid
			c.callbacks[index] = nil
		}
	}
}

// Deadline implements context.Context. Cancellables have no deadline.
func (c *Cancellable) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

// Done implements context.Context. The channel is closed by Cancel.
func (c *Cancellable) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneChan()
}

// Err implements context.Context. It returns context.Canceled after Cancel
// so the token can be passed to any context-aware API; use Check for the
// module's own error kind.
func (c *Cancellable) Err() error {
	if c.IsCancelled() {
		return context.Canceled
	}
	return nil
}

// Value implements context.Context. Cancellables carry no values.
func (c *Cancellable) Value(key any) any {
	return nil
}

// Link makes c follow ctx: when ctx is done, c is cancelled. The returned
// function detaches the link.
func (c *Cancellable) Link(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, c.Cancel)
}
