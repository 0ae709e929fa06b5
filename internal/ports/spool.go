package ports

import "github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"

type SpoolEntryID uint64

// AuditSpool is the local durable fallback for audit rows the store
// could not accept.
type AuditSpool interface {
	Append(e *domain.AuditEntry) (SpoolEntryID, error)
	Iterate(from SpoolEntryID, fn func(id SpoolEntryID, e *domain.AuditEntry) error) error
	Commit(upto SpoolEntryID) error
	TruncateCommitted() error
	Stats() SpoolStats
}

type SpoolStats struct {
	OldestUncommitted SpoolEntryID
	LatestAppended    SpoolEntryID
	SizeBytes         int64
}
