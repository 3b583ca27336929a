package advice

import (
	"context"
	"sync"
)

// flight is one generation that concurrent callers for the same key wait on.
type flight struct {
	done chan struct{}
	text string
	err  error
	dups int
}

// coalescer collapses concurrent generations for the same cache key into one
// upstream call. Only in-flight work is shared; finished results live in the cache.
type coalescer struct {
	mu       sync.Mutex
	inFlight map[string]*flight
}

func newCoalescer() *coalescer {
	return &coalescer{inFlight: make(map[string]*flight)}
}

// do runs fn for key unless a call for key is already running, in which case
// it waits for that call's result. shared reports whether the result came from
// another caller. A waiter whose ctx ends first gets ctx.Err().
func (c *coalescer) do(ctx context.Context, key string, fn func() (string, error)) (text string, shared bool, err error) {
	c.mu.Lock()
	if f, ok := c.inFlight[key]; ok {
		f.dups++
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.text, true, f.err
		case <-ctx.Done():
			return "", true, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inFlight[key] = f
	c.mu.Unlock()

	f.text, f.err = fn()

	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
	close(f.done)
	return f.text, false, f.err
}
