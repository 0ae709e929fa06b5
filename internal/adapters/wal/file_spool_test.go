package wal

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

func entry(rec string, action domain.AuditAction) *domain.AuditEntry {
	return &domain.AuditEntry{
		RecommendationID: rec,
		Action:           action,
		PerformedBy:      domain.SystemActor,
		Timestamp:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Details:          json.RawMessage(`{"reason":"timeout"}`),
	}
}

func TestFileSpoolAppendIterateAndReplay(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSpool(dir, 0)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}

	id1, err := s.Append(entry("REC-1", domain.AuditCreated))
	if err != nil || id1 == 0 {
		t.Fatalf("append 1: %v id=%d", err, id1)
	}
	id2, err := s.Append(entry("REC-1", domain.AuditApproved))
	if err != nil || id2 == 0 {
		t.Fatalf("append 2: %v id=%d", err, id2)
	}

	var actions []domain.AuditAction
	if err := s.Iterate(1, func(id ports.SpoolEntryID, e *domain.AuditEntry) error {
		actions = append(actions, e.Action)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(actions) != 2 || actions[0] != domain.AuditCreated || actions[1] != domain.AuditApproved {
		t.Fatalf("unexpected actions %v", actions)
	}

	if err := s.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewFileSpool(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	stats := s2.Stats()
	if stats.OldestUncommitted != id1+1 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id1+1, stats.OldestUncommitted)
	}
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest appended %d, got %d", id2, stats.LatestAppended)
	}
	if s2.Pending() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", s2.Pending())
	}
}

func TestFileSpoolTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSpool(dir, 0)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	if _, err := s.Append(entry("REC-2", domain.AuditCreated)); err != nil {
		t.Fatalf("append: %v", err)
	}
	size := s.Stats().SizeBytes
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 2, 0, 0}); err != nil {
		t.Fatalf("write torn header: %v", err)
	}
	_ = f.Close()

	s2, err := NewFileSpool(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.Stats().SizeBytes; got != size {
		t.Fatalf("expected torn tail removed, size %d want %d", got, size)
	}
	id, err := s2.Append(entry("REC-2", domain.AuditApproved))
	if err != nil || id != 2 {
		t.Fatalf("append after recovery: id=%d err=%v", id, err)
	}
}

func TestFileSpoolTruncateCommitted(t *testing.T) {
	s, err := NewFileSpool(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(entry("REC-3", domain.AuditCreated)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	before := s.Stats().SizeBytes
	if err := s.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.TruncateCommitted(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if after := s.Stats().SizeBytes; after >= before || after == 0 {
		t.Fatalf("expected smaller non-empty spool, before=%d after=%d", before, after)
	}

	var ids []ports.SpoolEntryID
	if err := s.Iterate(0, func(id ports.SpoolEntryID, _ *domain.AuditEntry) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("expected only entry 3 to survive, got %v", ids)
	}

	if id, err := s.Append(entry("REC-3", domain.AuditApproved)); err != nil || id != 4 {
		t.Fatalf("append after truncate: id=%d err=%v", id, err)
	}
}

func TestFileSpoolSizeCap(t *testing.T) {
	s, err := NewFileSpool(t.TempDir(), 40)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Close()
	if _, err := s.Append(entry("REC-4", domain.AuditCreated)); !errors.Is(err, ErrSpoolFull) {
		t.Fatalf("expected ErrSpoolFull, got %v", err)
	}
}
