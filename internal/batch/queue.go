// Package batch buffers records produced on the event path and writes them
// to storage in transactions from a single background worker.
package batch

import (
	"sync"

	"msgarchive/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue is a multi-producer, single-consumer buffer. Push never blocks on
// anything but the queue lock; Drain hands the whole buffer to the caller.
type Queue struct {
	mu        sync.Mutex
	entries   []domain.Record
	threshold int
	closed    bool
	wake      chan struct{}

	// depth, when set, tracks len(entries) and is only updated under mu.
	depth prometheus.Gauge
}

func NewQueue(threshold int) *Queue {
	if threshold < 1 {
		threshold = 1
	}
	return &Queue{threshold: threshold, wake: make(chan struct{}, 1)}
}

// Push appends rec and reports whether it was accepted. Reaching the
// threshold leaves a token on the wake channel.
func (q *Queue) Push(rec domain.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.entries = append(q.entries, rec)
	q.setDepth()
	if len(q.entries) >= q.threshold {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Drain detaches and returns everything queued so far.
func (q *Queue) Drain() []domain.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	q.setDepth()
	return out
}

func (q *Queue) setDepth() {
	if q.depth != nil {
		q.depth.Set(float64(len(q.entries)))
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Ready reports whether the queue holds at least threshold entries.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) >= q.threshold
}

// Wake delivers at most one pending token. A token is a hint; callers must
// re-check Ready.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Close makes further pushes fail. Entries already queued stay drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) Threshold() int { return q.threshold }
