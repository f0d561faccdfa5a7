// Package tail follows the incremental log feed of one remote execution.
//
// A Loop repeatedly fetches chunks at or after its Cursor, appends them to
// a Buffer and picks the delay before the next fetch: a short interval
// while output is flowing, a longer one while the feed is quiet, and a
// capped doubling backoff while the backend is failing. The loop stops
// when its context is cancelled, when the execution reaches a terminal
// status and the feed has been drained, or when failures exceed the retry
// ceiling.
package tail

import (
	"sync"

	"github.com/mpataki/scriptrun/internal/models"
)

// Cursor is the next sequence number expected for one execution.
type Cursor struct {
	mu          sync.RWMutex
	executionID models.ID
	next        int64
}

func NewCursor(executionID models.ID) *Cursor {
	return &Cursor{executionID: executionID}
}

// NewCursorAt starts a cursor at next, for attaching to an execution
// whose earlier output is not wanted.
func NewCursorAt(executionID models.ID, next int64) *Cursor {
	if next < 0 {
		next = 0
	}
	return &Cursor{executionID: executionID, next: next}
}

func (c *Cursor) ExecutionID() models.ID {
	return c.executionID
}

func (c *Cursor) Next() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next
}

// Advance moves the cursor past the last chunk of an ordered batch. An
// empty batch, or one that ends before the cursor, leaves it unchanged.
func (c *Cursor) Advance(chunks []models.LogChunk) {
	if len(chunks) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if last := chunks[len(chunks)-1].SequenceNo + 1; last > c.next {
		c.next = last
	}
}
