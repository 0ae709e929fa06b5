package ports

import "time"

type ExecutionJob struct {
	RecommendationID string
	EnqueuedAt       time.Time
}

type ExecutionQueue interface {
	Enqueue(job ExecutionJob) bool
	DequeueBatch(max int) []ExecutionJob
	Len() int
}
