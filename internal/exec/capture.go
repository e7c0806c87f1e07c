package exec

import (
	"sync"

	"github.com/sandboxrun/execcore"
)

// capture accumulates bytes from one stream up to a byte budget. Writes
// past the budget are recorded as truncation, never as an error — spec.md
// §4.4 "truncation is recorded but never produces an error".
type capture struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool
	limit     int
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

// Write implements io.Writer.
func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return len(p), nil
	}
	remaining := c.limit - len(c.buf)
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf = append(c.buf, p[:remaining]...)
		c.truncated = true
	} else {
		c.buf = append(c.buf, p...)
	}
	return len(p), nil
}

func (c *capture) Result() execcore.StreamText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return execcore.StreamText{Text: string(c.buf), Truncated: c.truncated}
}

// aggregator implements spec.md §4.4's aggregated_output: an arrival-order
// interleaving of stdout and stderr chunks as they stream in, independent
// of the per-stream captures. Ordering across streams is best-effort by
// arrival time at this process, not true kernel ordering (spec.md §4.4
// "Ordering guarantees").
type aggregator struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool
	limit     int
	onChunk   func(stream string, data []byte)
}

func newAggregator(limit int, onChunk func(stream string, data []byte)) *aggregator {
	return &aggregator{limit: limit, onChunk: onChunk}
}

// WriteStream appends a chunk observed on the named stream ("stdout" or
// "stderr") in the order it arrives, and forwards it to the live observer
// regardless of whether the aggregate buffer has already hit its cap.
func (a *aggregator) WriteStream(stream string, p []byte) {
	if a.onChunk != nil && len(p) > 0 {
		a.onChunk(stream, p)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.truncated {
		return
	}
	remaining := a.limit - len(a.buf)
	if remaining <= 0 {
		a.truncated = true
		return
	}
	if len(p) > remaining {
		a.buf = append(a.buf, p[:remaining]...)
		a.truncated = true
	} else {
		a.buf = append(a.buf, p...)
	}
}

func (a *aggregator) Result() execcore.StreamText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return execcore.StreamText{Text: string(a.buf), Truncated: a.truncated}
}
