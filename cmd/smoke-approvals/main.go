// smoke-approvals drives the full approval lifecycle against the in-memory
// store: create, two-step approve, validate, consume, and a replay attempt
// that must be denied. Exits non-zero on the first deviation.
package main

import (
	"context"
	"log"

	"tradeops.org/internal/approval"
)

func main() {
	log.SetFlags(0)
	ctx := context.Background()

	store := approval.NewInMemory()
	store.AddUser(approval.User{ID: "admin-1", Email: "admin@tradeops.local", Active: true}, approval.RoleAdmin)
	store.AddUser(approval.User{ID: "finance-1", Email: "finance@tradeops.local", Active: true}, approval.RoleFinance)
	store.AddUser(approval.User{ID: "director-1", Email: "director@tradeops.local", Active: true}, approval.RoleDirector)
	store.AddUser(approval.User{ID: "buyer-1", Email: "buyer@tradeops.local", Active: true}, approval.RoleSales)

	min, max := int64(0), int64(10_000_000_000)
	chain := approval.Chain{
		Name:          "purchase-smoke",
		OperationType: approval.OpPurchase,
		RequiredRoles: []approval.Role{approval.RoleFinance, approval.RoleDirector},
		MinAmount:     &min,
		MaxAmount:     &max,
		Priority:      10,
		Active:        true,
	}
	if err := store.CreateChain(ctx, &chain); err != nil {
		log.Fatalf("create chain: %v", err)
	}

	svc, err := approval.NewService(store, store, nil)
	if err != nil {
		log.Fatalf("build service: %v", err)
	}

	payload := approval.Payload{
		Kind: approval.OpPurchase,
		Purchase: &approval.PurchasePayload{
			Total:      5_000_000,
			Currency:   "USD",
			SupplierID: "supplier-42",
			WeightKG:   1000,
		},
	}
	req, err := svc.CreateRequest(ctx, approval.RequestConfig{
		OperationType:   approval.OpPurchase,
		Amount:          &approval.Money{Currency: "USD", Amount: 5_000_000},
		RequestedBy:     "buyer-1",
		Payload:         payload,
		BusinessContext: "smoke: restock purchase",
	})
	if err != nil {
		log.Fatalf("create request: %v", err)
	}
	log.Printf("created %s (%s), %d steps, approver %s", req.Number, req.ID, req.TotalSteps, req.CurrentApprover)

	for _, decider := range []string{"finance-1", "director-1"} {
		req, err = svc.Decide(ctx, req.ID, approval.DecisionInput{Decision: approval.DecisionApprove, Comments: "smoke"}, decider)
		if err != nil {
			log.Fatalf("approve by %s: %v", decider, err)
		}
		log.Printf("approved by %s, status %s", decider, req.Status)
	}
	if req.Status != approval.StatusApproved {
		log.Fatalf("status = %s, want approved", req.Status)
	}

	opCtx := approval.OperationContext{
		OperationID:   "po-smoke-1",
		OperationType: approval.OpPurchase,
		ExecutedBy:    "buyer-1",
		Amount:        &approval.Money{Currency: "USD", Amount: 5_000_000},
		EntityID:      "po-smoke-1",
		Payload:       payload,
	}
	res, err := svc.Validate(ctx, req.ID, opCtx)
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		log.Fatalf("validation denied: %s", res.Reason)
	}
	out, err := svc.Consume(ctx, req.ID, opCtx)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}
	if !out.Consumed {
		log.Fatalf("consume denied: %s", out.Reason)
	}
	log.Printf("consumed by operation %s", opCtx.OperationID)

	// Replay must be denied.
	res, err = svc.Validate(ctx, req.ID, opCtx)
	if err != nil {
		log.Fatalf("replay validate: %v", err)
	}
	if res.Valid || res.Reason != approval.ReasonAlreadyConsumed {
		log.Fatalf("replay not denied: valid=%v reason=%s", res.Valid, res.Reason)
	}
	out, err = svc.Consume(ctx, req.ID, opCtx)
	if err != nil {
		log.Fatalf("replay consume: %v", err)
	}
	if out.Consumed {
		log.Fatal("replay consumed a spent approval")
	}
	log.Printf("replay denied (%s)", res.Reason)

	log.Print("smoke ok")
}
