package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db, Postgres)
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000).UTC() }
	return s, mock
}

func TestRebind(t *testing.T) {
	got := rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)")
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)"
	if got != want {
		t.Fatalf("rebind: got %q want %q", got, want)
	}

	s := New(nil, SQLite)
	if q := s.q("x = ?"); q != "x = ?" {
		t.Fatalf("sqlite must keep ? placeholders, got %q", q)
	}
}

func TestInsertHealthBatch(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.UnixMilli(1_700_000_000_500).UTC()

	snaps := []domain.HealthSnapshot{
		{Adapter: "plc-1", Kind: domain.KindPLC, Status: domain.HealthHealthy, Latency: 12 * time.Millisecond, CheckedAt: ts},
		{Adapter: "mes-1", Kind: domain.KindMES, Status: domain.HealthFailed, Latency: 5 * time.Second, Error: "timeout", CheckedAt: ts},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO adapter_health (adapter, kind, status, latency_ms, error, checked_at_ms) VALUES ($1,$2,$3,$4,$5,$6),($7,$8,$9,$10,$11,$12)")
	mock.ExpectExec(expectedQuery).
		WithArgs("plc-1", "plc", "healthy", 12.0, "", ts.UnixMilli(),
			"mes-1", "mes", "failed", 5000.0, "timeout", ts.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(2, 2))

	if err := s.InsertHealth(testContext(t), snaps); err != nil {
		t.Fatalf("insert health: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertHealthNoSnapshots(t *testing.T) {
	s, mock := newMockStore(t)
	if err := s.InsertHealth(testContext(t), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionRecommendationIsConditional(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.UnixMilli(1_700_000_001_000).UTC()

	expectedQuery := regexp.QuoteMeta("UPDATE recommendations SET status = $1, updated_at_ms = $2, approved_by = $3, approved_at_ms = $4, operator_notes = $5 WHERE id = $6 AND status = $7 AND expires_at_ms > $8")
	mock.ExpectExec(expectedQuery).
		WithArgs("approved", at.UnixMilli(), "alice", at.UnixMilli(), "ok", "rec-1", "pending", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := s.TransitionRecommendation(testContext(t), "rec-1", domain.StatusPending, ports.Transition{
		To: domain.StatusApproved, Actor: "alice", At: at, Notes: "ok", NotExpired: true,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if changed {
		t.Fatalf("expected no change when the guarded update matches zero rows")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionRecommendationExecuted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("execution_outcome = $3, controller_response = $4, executed_at_ms = $5 WHERE id = $6 AND status = $7")).
		WithArgs("executed", sqlmock.AnyArg(), "controller_rejected", "exception 2", sqlmock.AnyArg(), "rec-2", "approved").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := s.TransitionRecommendation(testContext(t), "rec-2", domain.StatusApproved, ports.Transition{
		To: domain.StatusExecuted, Outcome: domain.OutcomeControllerRejected, Response: "exception 2",
	})
	if err != nil || !changed {
		t.Fatalf("expected executed transition, changed=%v err=%v", changed, err)
	}
}

func TestGetRecommendationNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM recommendations WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetRecommendation(testContext(t), "missing")
	if !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func recColumnNames() []string {
	return []string{"id", "device_id", "context_id", "action_type", "target_parameter", "current_value",
		"recommended_value", "unit", "model_version", "confidence", "reasoning", "priority", "within_limits",
		"limit_min", "limit_max", "status", "approved_by", "approved_at_ms", "operator_notes", "rejection_reason",
		"execution_outcome", "controller_response", "executed_at_ms", "created_at_ms", "expires_at_ms"}
}

func TestListPendingOrdersByPriority(t *testing.T) {
	s, mock := newMockStore(t)
	active := time.UnixMilli(1_700_000_000_000).UTC()

	rows := sqlmock.NewRows(recColumnNames()).
		AddRow("rec-a", "EDGE-1", "CID-1", "adjust_setpoint", "temperature_setpoint", 95.0,
			88.0, "C", "v1", 0.9, "too hot", int64(1), true,
			60.0, 90.0, "pending", "", nil, "", "",
			"", "", nil, int64(1_699_999_999_000), int64(1_700_000_300_000)).
		AddRow("rec-b", "EDGE-1", "CID-2", "adjust_setpoint", "temperature_setpoint", nil,
			70.0, "", "v1", 0.5, "", int64(3), true,
			nil, nil, "pending", "", nil, "", "",
			"", "", nil, int64(1_699_999_998_000), int64(1_700_000_300_000))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND device_id = $2 AND expires_at_ms > $3 ORDER BY priority ASC, created_at_ms ASC, id ASC LIMIT $4")).
		WithArgs("pending", "EDGE-1", active.UnixMilli(), 10).
		WillReturnRows(rows)

	recs, err := s.ListRecommendations(testContext(t), ports.RecommendationFilter{
		Status: domain.StatusPending, DeviceID: "EDGE-1", ActiveAt: active, Limit: 10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}
	if recs[0].Priority != domain.PriorityCritical || recs[0].CurrentValue == nil || *recs[0].CurrentValue != 95 {
		t.Fatalf("unexpected first row: %+v", recs[0])
	}
	if recs[1].CurrentValue != nil || recs[1].LimitMin != nil || recs[1].ApprovedAt != nil {
		t.Fatalf("expected nullable columns to stay nil: %+v", recs[1])
	}
	if !recs[0].ExpiresAt.Equal(time.UnixMilli(1_700_000_300_000)) {
		t.Fatalf("unexpected expiry %v", recs[0].ExpiresAt)
	}
}

func TestGetLimitAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM safety_limits WHERE device_id = \\$1 AND parameter = \\$2").
		WithArgs("EDGE-9", "speed").
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}))

	l, err := s.GetLimit(testContext(t), "EDGE-9", "speed")
	if err != nil {
		t.Fatalf("get limit: %v", err)
	}
	if l != nil {
		t.Fatalf("expected nil limit, got %+v", l)
	}
}

func TestUpsertLimitRejectsInvertedRange(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.UpsertLimit(testContext(t), domain.SafetyLimit{DeviceID: "EDGE-1", Parameter: "temperature_setpoint", Min: 90, Max: 60})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement should run: %v", err)
	}
}

func TestAppendAuditDefaultsDetails(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.UnixMilli(1_700_000_000_000).UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log (recommendation_id, action, performed_by, ts_ms, details) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (recommendation_id, action) DO NOTHING")).
		WithArgs("rec-1", "created", "system", ts.UnixMilli(), "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendAudit(testContext(t), domain.AuditEntry{
		RecommendationID: "rec-1", Action: domain.AuditCreated, PerformedBy: domain.SystemActor, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("append audit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendAuditOncePerTransitionSQLite(t *testing.T) {
	s, err := Open(testContext(t), Config{Driver: string(SQLite), Path: filepath.Join(t.TempDir(), "edge.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ts := time.UnixMilli(1_700_000_000_000).UTC()
	e := domain.AuditEntry{RecommendationID: "rec-1", Action: domain.AuditApproved, PerformedBy: "op-1", Timestamp: ts}
	for i := 0; i < 2; i++ {
		if err := s.AppendAudit(testContext(t), e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	e.Action = domain.AuditExecuted
	if err := s.AppendAudit(testContext(t), e); err != nil {
		t.Fatalf("append executed: %v", err)
	}

	got, err := s.ListAudit(testContext(t), "rec-1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(got) != 2 || got[0].Action != domain.AuditApproved || got[1].Action != domain.AuditExecuted {
		t.Fatalf("want approved then executed once each, got %+v", got)
	}
}

func TestTransitionRecommendationRefusesNonLifecycleEdge(t *testing.T) {
	s, mock := newMockStore(t)

	changed, err := s.TransitionRecommendation(testContext(t), "rec-3", domain.StatusExecuted, ports.Transition{To: domain.StatusApproved})
	if !errors.Is(err, domain.ErrNoSuchTransition) || changed {
		t.Fatalf("expected ErrNoSuchTransition, changed=%v err=%v", changed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement should run: %v", err)
	}
}
