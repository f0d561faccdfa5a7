package tail

import (
	"strings"
	"sync"

	"github.com/mpataki/scriptrun/internal/models"
)

// Buffer is the append-only output of one execution. The tail loop is the
// only writer; readers may call Text or Chunks from any goroutine.
type Buffer struct {
	mu      sync.RWMutex
	chunks  []models.LogChunk
	lastSeq int64
}

func NewBuffer() *Buffer {
	return &Buffer{lastSeq: -1}
}

// Append adds the chunks whose sequence numbers are beyond everything
// already held and returns the ones it kept, in order.
func (b *Buffer) Append(chunks []models.LogChunk) []models.LogChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var kept []models.LogChunk
	for _, ch := range chunks {
		if ch.SequenceNo <= b.lastSeq {
			continue
		}
		b.chunks = append(b.chunks, ch)
		b.lastSeq = ch.SequenceNo
		kept = append(kept, ch)
	}
	return kept
}

// Reset empties the buffer for a new execution.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.lastSeq = -1
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Chunks returns a copy of the held chunks.
func (b *Buffer) Chunks() []models.LogChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.LogChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Text concatenates the chunk texts in sequence order.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	for _, ch := range b.chunks {
		sb.WriteString(ch.Text)
	}
	return sb.String()
}
