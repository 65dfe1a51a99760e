// Package memory provides a non-durable queue backend for tests and
// ephemeral runs. Partitions survive Close/Open cycles within the process,
// which lets resume paths be exercised without disk.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

var errPartitionClosed = errors.New("partition closed")

// Backend keeps partitions in process memory.
type Backend struct {
	mu         sync.Mutex
	partitions map[int]*Partition
	nextID     atomic.Int64
}

// NewBackend returns an empty Backend.
func NewBackend() *Backend {
	return &Backend{partitions: make(map[int]*Partition)}
}

// Open returns the partition for priority, creating it if needed.
func (b *Backend) Open(_ context.Context, priority int) (queue.Partition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[priority]
	if !ok {
		p = &Partition{backend: b, priority: priority}
		b.partitions[priority] = p
	}
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	return p, nil
}

// Discover lists priorities with a partition.
func (b *Backend) Discover(context.Context) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, 0, len(b.partitions))
	for p := range b.partitions {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

// Clean forgets every partition.
func (b *Backend) Clean(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitions = make(map[int]*Partition)
	return nil
}

// Close is a no-op; partitions stay available to a later Open.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) remove(priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitions, priority)
}

// Partition is a FIFO slice of records.
type Partition struct {
	backend  *Backend
	priority int

	mu      sync.Mutex
	records []queue.Record
	closed  bool
}

// Push appends records.
func (p *Partition) Push(_ context.Context, records []queue.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPartitionClosed
	}
	for _, rec := range records {
		rec.ID = p.backend.nextID.Add(1)
		p.records = append(p.records, rec)
	}
	return nil
}

// Pop removes and returns up to n records from the front.
func (p *Partition) Pop(_ context.Context, n int) ([]queue.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPartitionClosed
	}
	if n > len(p.records) {
		n = len(p.records)
	}
	out := append([]queue.Record(nil), p.records[:n]...)
	p.records = p.records[n:]
	return out, nil
}

// Len returns the number of records held.
func (p *Partition) Len(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records), nil
}

// Close marks the partition closed; its records are kept.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Drop discards the partition.
func (p *Partition) Drop(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.records = nil
	p.mu.Unlock()
	p.backend.remove(p.priority)
	return nil
}
