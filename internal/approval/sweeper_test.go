package approval

import (
	"context"
	"testing"
	"time"
)

func TestSweepOnceEscalatesOverdue(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, WithClock(func() time.Time { return now }))
	seedPurchaseWorld(t, store)

	stale := mustCreatePurchase(t, svc)

	// A fresh request submitted inside the overdue window.
	now = now.Add(47 * time.Hour)
	fresh := mustCreatePurchase(t, svc)

	now = now.Add(2 * time.Hour) // stale is now 49h old, fresh 2h

	sw := NewSweeper(svc, time.Minute, 48*time.Hour, 1000)
	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated = %d, want 1", n)
	}

	got, err := store.GetRequest(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != StatusEscalated || got.CurrentApprover != "admin-1" || got.EscalatedAt == nil {
		t.Fatalf("stale request after sweep: status=%s approver=%s", got.Status, got.CurrentApprover)
	}
	if got.Steps[0].EscalatedBy == "" {
		t.Fatal("escalation provenance missing on step")
	}

	untouched, err := store.GetRequest(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if untouched.Status != StatusPending {
		t.Fatalf("fresh request swept: %s", untouched.Status)
	}

	// Escalated requests leave the pending pool; the next sweep is a no-op.
	n, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("second SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep escalated %d, want 0", n)
	}
}

func TestSweepOnceWithoutAdmins(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, WithClock(func() time.Time { return now }))
	store.AddUser(User{ID: "fin-1", Active: true}, RoleFinance)
	store.AddUser(User{ID: "dir-1", Active: true}, RoleDirector)
	store.AddUser(User{ID: "buyer-1", Active: true}, RoleSales)
	seedChain(t, store, Chain{
		Name: "purchase-standard", OperationType: OpPurchase, Active: true,
		RequiredRoles: []Role{RoleFinance},
		MinAmount:     i64(0), MaxAmount: i64(100_000_000), Priority: 1,
	})
	mustCreatePurchase(t, svc)
	now = now.Add(72 * time.Hour)

	sw := NewSweeper(svc, time.Minute, 48*time.Hour, 1000)
	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("escalated %d with no admin configured", n)
	}
}
