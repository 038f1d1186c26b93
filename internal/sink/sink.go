// Package sink stores and fans out classified agent output.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// OutputSink receives output chunks. Write reports whether the chunk was stored.
type OutputSink interface {
	Write(ctx context.Context, chunk domain.OutputChunk) (bool, error)
}

func validate(chunk domain.OutputChunk) error {
	if chunk.RunID == "" {
		return fmt.Errorf("chunk without run id")
	}
	if !chunk.ContentType.Valid() {
		return fmt.Errorf("invalid content type %q", chunk.ContentType)
	}
	return nil
}

// Multi writes every chunk to all sinks. It reports success only when every sink stored the chunk.
type Multi []OutputSink

func (m Multi) Write(ctx context.Context, chunk domain.OutputChunk) (bool, error) {
	all := true
	var errs []error
	for _, s := range m {
		ok, err := s.Write(ctx, chunk)
		if err != nil {
			errs = append(errs, err)
		}
		all = all && ok
	}
	return all && len(errs) == 0, errors.Join(errs...)
}

// Memory keeps chunks in memory
type Memory struct {
	mu     sync.Mutex
	chunks []domain.OutputChunk
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(_ context.Context, chunk domain.OutputChunk) (bool, error) {
	if err := validate(chunk); err != nil {
		return false, err
	}
	m.mu.Lock()
	m.chunks = append(m.chunks, chunk)
	m.mu.Unlock()
	return true, nil
}

// Chunks returns the stored chunks of runID in write order. An empty runID returns all.
func (m *Memory) Chunks(runID string) []domain.OutputChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutputChunk
	for _, c := range m.chunks {
		if runID == "" || c.RunID == runID {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many chunks of runID have type ct
func (m *Memory) Count(runID string, ct domain.ContentType) int {
	n := 0
	for _, c := range m.Chunks(runID) {
		if c.ContentType == ct {
			n++
		}
	}
	return n
}

// Broadcast delivers chunks to live subscribers of a run. Slow subscribers drop chunks.
type Broadcast struct {
	mu     sync.RWMutex
	subs   map[string]map[chan domain.OutputChunk]struct{}
	buffer int
}

// NewBroadcast creates a broadcast sink whose subscriptions buffer up to buffer chunks
func NewBroadcast(buffer int) *Broadcast {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcast{
		subs:   make(map[string]map[chan domain.OutputChunk]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel of chunks for runID and a function ending the subscription
func (b *Broadcast) Subscribe(runID string) (<-chan domain.OutputChunk, func()) {
	ch := make(chan domain.OutputChunk, b.buffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan domain.OutputChunk]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], ch)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Write never blocks; it is successful even when nobody listens
func (b *Broadcast) Write(_ context.Context, chunk domain.OutputChunk) (bool, error) {
	if err := validate(chunk); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[chunk.RunID] {
		select {
		case ch <- chunk:
		default:
		}
	}
	return true, nil
}

// Subscribers returns the number of live subscriptions for runID
func (b *Broadcast) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
