package approval

import (
	"context"
	"errors"
	"fmt"

	"tradeops.org/internal/audit"
	"tradeops.org/internal/obs"
)

// Validate is phase 1 of the consumption contract: a read-only pre-check of
// the approval against the operation about to execute. Checks run in order
// and the first failure wins; no field is mutated here. A hard store error
// is returned as error and the caller must fail closed.
func (s *Service) Validate(ctx context.Context, approvalID string, opCtx OperationContext) (ValidationResult, error) {
	req, err := s.store.GetRequest(ctx, approvalID)
	if errors.Is(err, ErrNotFound) {
		return s.denied(ctx, approvalID, nil, ReasonNotFound, ""), nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("load approval %s: %w", approvalID, err)
	}

	if req.Consumption.IsConsumed {
		return s.denied(ctx, approvalID, &req, ReasonAlreadyConsumed, ""), nil
	}
	if req.Status != StatusApproved {
		return s.denied(ctx, approvalID, &req, ReasonNotApproved, ""), nil
	}
	if req.OperationType != opCtx.OperationType {
		return s.denied(ctx, approvalID, &req, ReasonTypeMismatch, ""), nil
	}
	// The approval authorizes a specific requester's action, not the
	// operation in the abstract.
	if req.RequestedBy != opCtx.ExecutedBy {
		return s.denied(ctx, approvalID, &req, ReasonRequesterMismatch, ""), nil
	}
	if req.Amount != nil {
		if opCtx.Amount == nil || !amountsMatch(req.Amount.Amount, opCtx.Amount.Amount) {
			return s.denied(ctx, approvalID, &req, ReasonAmountMismatch, ""), nil
		}
	}
	if req.Amount != nil && opCtx.Amount != nil &&
		req.Amount.Currency != "" && opCtx.Amount.Currency != "" &&
		req.Amount.Currency != opCtx.Amount.Currency {
		return s.denied(ctx, approvalID, &req, ReasonCurrencyMismatch, ""), nil
	}
	// Expiry is evaluated lazily here; there is no background expirer.
	granted := req.SubmittedAt
	if req.CompletedAt != nil {
		granted = *req.CompletedAt
	}
	if s.now().Sub(granted) > s.ttl {
		return s.denied(ctx, approvalID, &req, ReasonExpired, ""), nil
	}
	if field := CoreFieldMismatch(req.Payload, opCtx.Payload); field != "" {
		return s.denied(ctx, approvalID, &req, ReasonCoreFieldMismatch, field), nil
	}

	return ValidationResult{Valid: true, Request: &req}, nil
}

// Consume is phase 2: the single atomic conditional update that marks the
// approval used. At-most-one success per approval id rests solely on the
// store's compare-and-set semantics, not on Validate having run. Callers
// must invoke it immediately after a passing Validate and treat any failure
// as a denial of the whole operation.
func (s *Service) Consume(ctx context.Context, approvalID string, opCtx OperationContext) (ConsumeResult, error) {
	checksum, err := Checksum(opCtx.Payload)
	if err != nil {
		return ConsumeResult{}, err
	}
	now := s.now().UTC()
	rec := Consumption{
		IsConsumed:    true,
		ConsumedAt:    &now,
		ConsumedBy:    opCtx.ExecutedBy,
		OperationID:   opCtx.OperationID,
		OperationType: opCtx.OperationType,
		Amount:        cloneMoney(opCtx.Amount),
		EntityID:      opCtx.EntityID,
		Checksum:      checksum,
	}

	ok, err := s.store.Consume(ctx, approvalID, rec)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume approval %s: %w", approvalID, err)
	}
	if !ok {
		// Zero rows affected: a concurrent caller won, or the approval was
		// never eligible. Bump the forensic counter and deny.
		if err := s.store.IncrementAttempts(ctx, approvalID); err != nil && !errors.Is(err, ErrNotFound) {
			obs.Logger().Warn().Err(err).Str("approval_id", approvalID).
				Msg("could not record failed consumption attempt")
		}
		obs.ConsumptionsTotal.WithLabelValues("race_lost").Inc()
		s.rec.Record(ctx, audit.Event{
			EntityType:  "approval_request",
			EntityID:    approvalID,
			Action:      "approval.consumption_race",
			Description: "conditional consumption update affected zero rows",
			Severity:    audit.SeverityCritical,
			NewValues:   map[string]any{"operation_id": opCtx.OperationID, "executed_by": opCtx.ExecutedBy},
		})
		return ConsumeResult{Consumed: false, Reason: ReasonRaceLost}, nil
	}

	obs.ConsumptionsTotal.WithLabelValues("consumed").Inc()
	s.rec.Record(ctx, audit.Event{
		EntityType:  "approval_request",
		EntityID:    approvalID,
		Action:      "approval.consumed",
		Description: fmt.Sprintf("approval consumed by operation %s", opCtx.OperationID),
		Checksum:    checksum,
		NewValues:   map[string]any{"operation_id": opCtx.OperationID, "executed_by": opCtx.ExecutedBy},
	})
	return ConsumeResult{Consumed: true}, nil
}

// denied builds the failing validation result and emits the
// security-violation audit event.
func (s *Service) denied(ctx context.Context, approvalID string, req *Request, reason Reason, field string) ValidationResult {
	obs.ConsumptionsTotal.WithLabelValues("invalid").Inc()
	desc := "approval validation failed: " + string(reason)
	if field != "" {
		desc += " (" + field + ")"
	}
	s.rec.Record(ctx, audit.Event{
		EntityType:  "approval_request",
		EntityID:    approvalID,
		Action:      "approval.validation_failed",
		Description: desc,
		Severity:    audit.SeverityCritical,
		NewValues:   map[string]any{"reason": reason, "field": field},
	})
	return ValidationResult{Valid: false, Reason: reason, Field: field, Request: req}
}
