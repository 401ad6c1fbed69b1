package fileio

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellable(t *testing.T) {
	t.Run("starts untriggered", func(t *testing.T) {
		c := NewCancellable()
		assert.False(t, c.IsCancelled())
		assert.NoError(t, c.Check())
		assert.NoError(t, c.Err())
		_, ok := c.Deadline()
		assert.False(t, ok)
		assert.Nil(t, c.Value("key"))
	})

	t.Run("cancel is one-shot and idempotent", func(t *testing.T) {
		c := NewCancellable()
		var calls atomic.Int32
		c.OnCancel(func() { calls.Add(1) })

		c.Cancel()
		c.Cancel()

		assert.True(t, c.IsCancelled())
		assert.ErrorIs(t, c.Check(), ErrCancelled)
		assert.ErrorIs(t, c.Err(), context.Canceled)
		assert.Equal(t, int32(1), calls.Load())

		select {
		case <-c.Done():
		default:
			t.Fatal("done channel not closed")
		}
	})

	t.Run("callback registered late runs immediately", func(t *testing.T) {
		c := NewCancellable()
		c.Cancel()
		ran := false
		c.OnCancel(func() { ran = true })
		assert.True(t, ran)
	})

	t.Run("unregistered callback does not run", func(t *testing.T) {
		c := NewCancellable()
		ran := false
		unregister := c.OnCancel(func() { ran = true })
		unregister()
		c.Cancel()
		assert.False(t, ran)
	})

	t.Run("nil token never cancels", func(t *testing.T) {
		var c *Cancellable
		c.Cancel()
		assert.False(t, c.IsCancelled())
		assert.NoError(t, c.Check())
		assert.Nil(t, c.Done())
		c.OnCancel(func() { t.Fatal("callback ran") })()
	})

	t.Run("shared by concurrent operations", func(t *testing.T) {
		c := NewCancellable()
		var wg sync.WaitGroup
		var stopped atomic.Int32
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-c.Done()
				if c.Check() != nil {
					stopped.Add(1)
				}
			}()
		}
		c.Cancel()
		wg.Wait()
		assert.Equal(t, int32(8), stopped.Load())
	})

	t.Run("usable as a parent context", func(t *testing.T) {
		c := NewCancellable()
		child, cancel := context.WithTimeout(c, time.Minute)
		defer cancel()
		c.Cancel()

		select {
		case <-child.Done():
		case <-time.After(time.Second):
			t.Fatal("child context not cancelled")
		}
		assert.ErrorIs(t, child.Err(), context.Canceled)
	})

	t.Run("link follows a context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c := NewCancellable()
		c.Link(ctx)
		cancel()

		require.Eventually(t, c.IsCancelled, time.Second, time.Millisecond)
	})

	t.Run("zero value", func(t *testing.T) {
		var c Cancellable
		done := c.Done()
		require.NotNil(t, done)
		assert.NotPanics(t, c.Cancel)
		assert.True(t, c.IsCancelled())
		select {
		case <-done:
		default:
			t.Fatal("Done not closed after Cancel")
		}
		assert.ErrorIs(t, c.Check(), ErrCancelled)
	})

	t.Run("Err implies Done", func(t *testing.T) {
		for range 200 {
			c := NewCancellable()
			go c.Cancel()
			for c.Err() == nil {
				runtime.Gosched()
			}
			select {
			case <-c.Done():
			default:
				t.Fatal("Err reported cancellation before Done was closed")
			}
		}
	})
}
