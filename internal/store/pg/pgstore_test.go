package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradeops.org/internal/approval"
	"tradeops.org/internal/audit"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestConsumeConditionalUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := approval.Consumption{
		IsConsumed:    true,
		ConsumedAt:    &now,
		ConsumedBy:    "buyer-1",
		OperationID:   "po-1001",
		OperationType: approval.OpPurchase,
		Amount:        &approval.Money{Currency: "USD", Amount: 5_000_000},
		EntityID:      "po-1001",
		Checksum:      "deadbeef",
	}

	// Winner: exactly one row satisfied the compare-and-set condition.
	mock.ExpectExec("update approval_requests set").
		WithArgs("req-1", rec.ConsumedAt, "buyer-1", "po-1001", "purchase",
			"USD", int64(5_000_000), "po-1001", "deadbeef").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.Consume(ctx, "req-1", rec)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !ok {
		t.Fatal("winning consume reported lost")
	}

	// Loser: zero rows affected, no error.
	mock.ExpectExec("update approval_requests set").
		WithArgs("req-1", rec.ConsumedAt, "buyer-1", "po-1001", "purchase",
			"USD", int64(5_000_000), "po-1001", "deadbeef").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.Consume(ctx, "req-1", rec)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ok {
		t.Fatal("losing consume reported won")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIncrementAttempts(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("update approval_requests set consumption_attempts").
		WithArgs("req-1").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.IncrementAttempts(ctx, "req-1"); err != nil {
		t.Fatalf("IncrementAttempts: %v", err)
	}

	mock.ExpectExec("update approval_requests set consumption_attempts").
		WithArgs("req-missing").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.IncrementAttempts(ctx, "req-missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActiveChainsScan(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	roles, _ := json.Marshal([]approval.Role{approval.RoleFinance, approval.RoleDirector})

	mock.ExpectQuery("select (.+) from approval_chains").
		WithArgs("purchase").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "operation_type", "required_roles", "min_amount", "max_amount",
			"auto_approve_below", "auto_approve_same_requester", "priority", "active", "created_at", "updated_at",
		}).AddRow("c-1", "purchase-standard", "purchase", roles, int64(0), int64(100_000_000),
			nil, false, 10, true, now, now))

	chains, err := s.ActiveChains(context.Background(), approval.OpPurchase)
	if err != nil {
		t.Fatalf("ActiveChains: %v", err)
	}
	if len(chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(chains))
	}
	c := chains[0]
	if c.ID != "c-1" || c.OperationType != approval.OpPurchase || len(c.RequiredRoles) != 2 {
		t.Fatalf("scanned chain: %+v", c)
	}
	if c.MinAmount == nil || *c.MinAmount != 0 || c.MaxAmount == nil || *c.MaxAmount != 100_000_000 {
		t.Fatalf("band not scanned: %+v", c)
	}
	if c.AutoApproveBelow != nil {
		t.Fatal("nil auto_approve_below scanned as non-nil")
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select (.+) from approval_requests").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := s.GetRequest(context.Background(), "nope")
	if !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetRequestScan(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	payload, _ := json.Marshal(approval.Payload{
		Kind:     approval.OpPurchase,
		Purchase: &approval.PurchasePayload{Total: 5_000_000, Currency: "USD", SupplierID: "S1", WeightKG: 1000},
	})
	steps, _ := json.Marshal([]approval.Step{
		{Number: 1, RequiredRole: approval.RoleFinance, AssignedTo: "fin-1"},
		{Number: 2, RequiredRole: approval.RoleDirector, AssignedTo: "dir-1"},
	})

	mock.ExpectQuery("select (.+) from approval_requests").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "number", "chain_id", "operation_type", "payload", "amount_currency", "amount_minor",
			"requested_by", "business_context", "priority", "steps", "current_step", "total_steps",
			"current_approver", "status", "submitted_at", "completed_at", "escalated_at", "cancelled_at",
			"is_consumed", "consumed_at", "consumed_by", "consumed_operation_id", "consumed_operation_type",
			"consumed_amount_currency", "consumed_amount_minor", "consumed_entity_id",
			"consumption_checksum", "consumption_attempts",
		}).AddRow("req-1", "APR-20260828-ABC123", "c-1", "purchase", payload, "USD", int64(5_000_000),
			"buyer-1", "restock", "normal", steps, 1, 2,
			"fin-1", "pending", now, nil, nil, nil,
			false, nil, nil, nil, nil,
			nil, nil, nil,
			nil, 0))

	req, err := s.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != approval.StatusPending || req.CurrentApprover != "fin-1" || req.TotalSteps != 2 {
		t.Fatalf("scanned request: %+v", req)
	}
	if req.Payload.Purchase == nil || req.Payload.Purchase.SupplierID != "S1" {
		t.Fatalf("payload not decoded: %+v", req.Payload)
	}
	if req.Amount == nil || req.Amount.Amount != 5_000_000 || req.Amount.Currency != "USD" {
		t.Fatalf("amount not decoded: %+v", req.Amount)
	}
	if req.Consumption.IsConsumed || req.Consumption.Attempts != 0 {
		t.Fatalf("consumption not zero: %+v", req.Consumption)
	}
}

func TestUpdateRequestStateGuard(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	req := &approval.Request{
		ID: "req-1", Status: approval.StatusRejected, CurrentStep: 1,
		Payload: approval.Payload{Kind: approval.OpPurchase},
	}

	// The where clause pins the status and step observed at load time.
	mock.ExpectExec(`update approval_requests set (.+) where id=\$1 and status=\$10 and current_step=\$11`).
		WithArgs("req-1", sqlmock.AnyArg(), 1, 0, "",
			"rejected", nil, nil, nil,
			"pending", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.UpdateRequest(ctx, req, approval.StatusPending, 1); err != nil {
		t.Fatalf("UpdateRequest: %v", err)
	}

	// Zero rows: another decider moved the request first.
	mock.ExpectExec("update approval_requests set").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.UpdateRequest(ctx, req, approval.StatusPending, 1); !errors.Is(err, approval.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryQueries(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("select u.id, u.email, u.active").
		WithArgs("finance").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "active"}).
			AddRow("fin-1", "fin1@tradeops.test", true).
			AddRow("fin-2", "fin2@tradeops.test", true))
	users, err := s.UsersWithRole(ctx, approval.RoleFinance)
	if err != nil {
		t.Fatalf("UsersWithRole: %v", err)
	}
	if len(users) != 2 || users[0].ID != "fin-1" {
		t.Fatalf("users = %+v", users)
	}

	mock.ExpectQuery("select ur.role").
		WithArgs("fin-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin").AddRow("finance"))
	roles, err := s.UserRoles(ctx, "fin-1")
	if err != nil {
		t.Fatalf("UserRoles: %v", err)
	}
	if len(roles) != 2 || roles[0] != approval.RoleAdmin {
		t.Fatalf("roles = %+v", roles)
	}
}

func TestAuditRecordInsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into audit_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "buyer-1", "rid-1", "approval_request", "req-1",
			"approval.consumed", "approval consumed", nil, sqlmock.AnyArg(), "info", "deadbeef").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Record(context.Background(), audit.Event{
		OccurredAt:  time.Now().UTC(),
		ActorID:     "buyer-1",
		RequestID:   "rid-1",
		EntityType:  "approval_request",
		EntityID:    "req-1",
		Action:      "approval.consumed",
		Description: "approval consumed",
		NewValues:   map[string]any{"operation_id": "po-1001"},
		Severity:    audit.SeverityInfo,
		Checksum:    "deadbeef",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
