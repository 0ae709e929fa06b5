package ports

import "time"

// Policy bounds the execution queue and the local audit spool.
type Policy struct {
	MaxQueueLen       int           `yaml:"max_queue_len"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	IdleSleep         time.Duration `yaml:"idle_sleep"`
	MaxSpoolSizeBytes int64         `yaml:"max_spool_size_bytes"`

	OnQueueFull string `yaml:"on_queue_full"` // "block" or "drop"
}
