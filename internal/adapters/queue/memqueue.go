package queue

import (
	"sync"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// MemQueue is a bounded FIFO of execution jobs. A recommendation ID is
// held at most once.
type MemQueue struct {
	mu      sync.Mutex
	data    []ports.ExecutionJob
	queued  map[string]struct{}
	cap     int
	readyCh chan struct{}
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemQueue{
		data:    make([]ports.ExecutionJob, 0, capacity),
		queued:  make(map[string]struct{}, capacity),
		cap:     capacity,
		readyCh: make(chan struct{}, 1),
	}
}

// Enqueue returns false when the queue is full. A job already queued is
// accepted without being duplicated.
func (q *MemQueue) Enqueue(job ports.ExecutionJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.queued[job.RecommendationID]; dup {
		return true
	}
	if len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, job)
	q.queued[job.RecommendationID] = struct{}{}
	select {
	case q.readyCh <- struct{}{}:
	default:
	}
	return true
}

func (q *MemQueue) DequeueBatch(max int) []ports.ExecutionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]ports.ExecutionJob, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	for _, j := range out {
		delete(q.queued, j.RecommendationID)
	}
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Ready is signalled after an enqueue so a worker can skip its idle sleep.
func (q *MemQueue) Ready() <-chan struct{} {
	return q.readyCh
}

var _ ports.ExecutionQueue = (*MemQueue)(nil)
