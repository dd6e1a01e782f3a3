package queue

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBridge is the in-process queue used in tests and single-node
// deployments. FIFO, unbounded, no durability.
type MemoryBridge struct {
	mu      sync.Mutex
	jobs    []Job
	pending map[string]Job
	seq     int64
	closed  bool
}

// NewMemoryBridge builds an empty in-process bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{pending: make(map[string]Job)}
}

func (b *MemoryBridge) Enqueue(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if job.Attempts <= 0 {
		job.Attempts = DefaultAttempts
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *MemoryBridge) Dequeue(_ context.Context) (Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Delivery{}, ErrClosed
	}
	if len(b.jobs) == 0 {
		return Delivery{}, ErrEmpty
	}
	job := b.jobs[0]
	b.jobs = b.jobs[1:]
	b.seq++
	receipt := strconv.FormatInt(b.seq, 10)
	b.pending[receipt] = job
	return Delivery{Job: job, Receipt: receipt}, nil
}

func (b *MemoryBridge) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, d.Receipt)
	return nil
}

func (b *MemoryBridge) Nack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, d.Receipt)
	if b.closed {
		return ErrClosed
	}
	job := d.Job
	job.Attempts--
	if job.Attempts <= 0 {
		return nil
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *MemoryBridge) Depth(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs), nil
}

func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Bridge = (*MemoryBridge)(nil)
