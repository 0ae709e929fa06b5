package queue

import (
	"testing"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

func job(id string) ports.ExecutionJob {
	return ports.ExecutionJob{RecommendationID: id, EnqueuedAt: time.Now()}
}

func TestMemQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewMemQueue(4)

	if !q.Enqueue(job("REC-1")) || !q.Enqueue(job("REC-2")) {
		t.Fatalf("expected successful enqueue")
	}

	batch := q.DequeueBatch(1)
	if len(batch) != 1 || batch[0].RecommendationID != "REC-1" {
		t.Fatalf("unexpected first batch: %+v", batch)
	}

	remaining := q.DequeueBatch(10)
	if len(remaining) != 1 || remaining[0].RecommendationID != "REC-2" {
		t.Fatalf("unexpected second batch: %+v", remaining)
	}

	if q.Len() != 0 {
		t.Fatalf("queue should be empty, got %d", q.Len())
	}
}

func TestMemQueueCapacity(t *testing.T) {
	q := NewMemQueue(2)

	if !q.Enqueue(job("a")) || !q.Enqueue(job("b")) {
		t.Fatalf("expected enqueue within capacity")
	}
	if q.Enqueue(job("c")) {
		t.Fatalf("enqueue should fail when capacity exceeded")
	}

	q.DequeueBatch(1)
	if !q.Enqueue(job("d")) {
		t.Fatalf("expected enqueue to succeed after dequeue")
	}
}

func TestMemQueueDeduplicates(t *testing.T) {
	q := NewMemQueue(4)
	q.Enqueue(job("REC-9"))
	q.Enqueue(job("REC-9"))
	if q.Len() != 1 {
		t.Fatalf("expected duplicate to be collapsed, len=%d", q.Len())
	}
	q.DequeueBatch(0)
	if !q.Enqueue(job("REC-9")) || q.Len() != 1 {
		t.Fatalf("expected re-enqueue after dequeue")
	}
}

func TestMemQueueReadySignal(t *testing.T) {
	q := NewMemQueue(2)
	q.Enqueue(job("x"))
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatalf("expected ready signal after enqueue")
	}
}
