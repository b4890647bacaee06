package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeops.org/internal/audit"
	"tradeops.org/internal/auth"
	"tradeops.org/internal/ids"
	"tradeops.org/internal/obs"
)

// DefaultApprovalTTL bounds how long a granted approval stays consumable.
const DefaultApprovalTTL = 24 * time.Hour

// Service is the approval engine: chain resolver, request state machine and
// consumption guard. It is stateless; construct once at process start and
// pass by reference.
type Service struct {
	store Store
	dir   Directory
	rec   *audit.Recorder
	now   func() time.Time
	ttl   time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithApprovalTTL overrides the approval validity window.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs the engine over its collaborators.
func NewService(store Store, dir Directory, rec *audit.Recorder, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("approval: store is required")
	}
	if dir == nil {
		return nil, errors.New("approval: directory is required")
	}
	if rec == nil {
		rec = audit.NewRecorder(nil)
	}
	s := &Service{
		store: store,
		dir:   dir,
		rec:   rec,
		now:   time.Now,
		ttl:   DefaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AuthorizeSkip decides whether the caller may bypass approval for the
// operation type. Critical types can never be skipped, loudly and
// unconditionally; non-critical types only by the designated system
// identity.
func (s *Service) AuthorizeSkip(ctx context.Context, op OperationType) error {
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, op)
	}
	if op.Critical() {
		s.rec.Record(ctx, audit.Event{
			EntityType:  "operation",
			EntityID:    string(op),
			Action:      "approval.skip_forbidden",
			Description: "skip attempted on critical operation type",
			Severity:    audit.SeverityCritical,
		})
		return fmt.Errorf("%w: %s", ErrSkipForbidden, op)
	}
	if !auth.IsSystem(ctx) {
		s.rec.Record(ctx, audit.Event{
			EntityType:  "operation",
			EntityID:    string(op),
			Action:      "approval.skip_denied",
			Description: "skip attempted by non-system identity",
			Severity:    audit.SeverityWarning,
		})
		return ErrSkipDenied
	}
	s.rec.Record(ctx, audit.Event{
		EntityType:  "operation",
		EntityID:    string(op),
		Action:      "approval.skip_granted",
		Description: "system identity skipped approval for non-critical operation",
	})
	return nil
}

// CreateRequest resolves the chain, assigns approvers per required role and
// persists a pending request with a deep snapshot of the operation payload.
func (s *Service) CreateRequest(ctx context.Context, cfg RequestConfig) (Request, error) {
	if !cfg.OperationType.Valid() {
		return Request{}, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, cfg.OperationType)
	}
	if strings.TrimSpace(cfg.RequestedBy) == "" {
		return Request{}, fmt.Errorf("%w: requested_by is required", ErrInvalidInput)
	}
	if err := cfg.Payload.Validate(); err != nil {
		return Request{}, err
	}
	if cfg.Payload.Kind != cfg.OperationType {
		return Request{}, fmt.Errorf("%w: payload kind %s does not match operation type %s",
			ErrInvalidInput, cfg.Payload.Kind, cfg.OperationType)
	}
	if cfg.Amount != nil && cfg.Amount.Currency == "" {
		return Request{}, fmt.Errorf("%w: amount requires a currency", ErrInvalidInput)
	}

	chain, err := s.FindChain(ctx, cfg.OperationType, cfg.Amount)
	if err != nil {
		if errors.Is(err, ErrChainNotFound) {
			s.failClosed(ctx, "missing_chain", cfg.OperationType, err)
		}
		return Request{}, err
	}
	if len(chain.RequiredRoles) == 0 {
		return Request{}, fmt.Errorf("%w: chain %s has no required roles", ErrInvalidInput, chain.ID)
	}

	steps := make([]Step, 0, len(chain.RequiredRoles))
	for i, role := range chain.RequiredRoles {
		step := Step{Number: i + 1, RequiredRole: role}
		users, err := s.dir.UsersWithRole(ctx, role)
		if err != nil {
			return Request{}, fmt.Errorf("assign step %d: %w", i+1, err)
		}
		// First active user ordered by id; a step may stay unassigned when
		// nobody holds the role, leaving admin override as the way forward.
		if len(users) > 0 {
			step.AssignedTo = users[0].ID
		}
		steps = append(steps, step)
	}

	now := s.now().UTC()
	priority := strings.TrimSpace(cfg.Priority)
	if priority == "" {
		priority = "normal"
	}
	req := Request{
		ID:              ids.New(),
		Number:          ids.NewRequestNumber(now),
		ChainID:         chain.ID,
		OperationType:   cfg.OperationType,
		Payload:         cfg.Payload.Clone(),
		Amount:          cloneMoney(cfg.Amount),
		RequestedBy:     cfg.RequestedBy,
		BusinessContext: cfg.BusinessContext,
		Priority:        priority,
		Steps:           steps,
		CurrentStep:     1,
		TotalSteps:      len(steps),
		CurrentApprover: steps[0].AssignedTo,
		Status:          StatusPending,
		SubmittedAt:     now,
	}

	if err := s.store.CreateRequest(ctx, &req); err != nil {
		return Request{}, fmt.Errorf("create approval request: %w", err)
	}

	obs.ApprovalRequestsTotal.WithLabelValues(string(req.OperationType)).Inc()
	s.rec.Record(ctx, audit.Event{
		EntityType:  "approval_request",
		EntityID:    req.ID,
		Action:      "approval.requested",
		Description: fmt.Sprintf("approval %s created for %s", req.Number, req.OperationType),
		NewValues:   map[string]any{"chain_id": chain.ID, "steps": req.TotalSteps, "requested_by": req.RequestedBy},
	})
	return req, nil
}

// Decide applies one approver verdict to a pending (or escalated) request.
func (s *Service) Decide(ctx context.Context, requestID string, in DecisionInput, deciderID string) (Request, error) {
	deciderID = strings.TrimSpace(deciderID)
	if deciderID == "" {
		return Request{}, fmt.Errorf("%w: decider is required", ErrInvalidInput)
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending && req.Status != StatusEscalated {
		return Request{}, fmt.Errorf("%w: status %s", ErrNotPending, req.Status)
	}
	if err := s.checkAuthority(ctx, req, deciderID); err != nil {
		return Request{}, err
	}
	prevStatus, prevStep := req.Status, req.CurrentStep

	idx := req.CurrentStep - 1
	if idx < 0 || idx >= len(req.Steps) {
		return Request{}, fmt.Errorf("approval %s: step index %d out of range", req.ID, req.CurrentStep)
	}
	now := s.now().UTC()
	step := &req.Steps[idx]

	switch in.Decision {
	case DecisionReject:
		step.Decision = DecisionReject
		step.ActedBy = deciderID
		step.Comments = in.Comments
		step.DecidedAt = &now
		req.Status = StatusRejected
		req.CompletedAt = &now
		req.CurrentApprover = ""

	case DecisionEscalate:
		target := strings.TrimSpace(in.EscalateTo)
		if target == "" {
			return Request{}, fmt.Errorf("%w: escalate_to is required", ErrInvalidInput)
		}
		step.AssignedTo = target
		step.EscalatedBy = deciderID
		step.EscalatedAt = &now
		if in.Comments != "" {
			step.Comments = in.Comments
		}
		req.CurrentApprover = target
		req.Status = StatusEscalated
		req.EscalatedAt = &now

	case DecisionDelegate:
		target := strings.TrimSpace(in.DelegateTo)
		if target == "" {
			return Request{}, fmt.Errorf("%w: delegate_to is required", ErrInvalidInput)
		}
		step.AssignedTo = target
		step.DelegatedBy = deciderID
		step.DelegatedAt = &now
		if in.Comments != "" {
			step.Comments = in.Comments
		}
		req.CurrentApprover = target
		// The delegate's eventual decision settles the step.
		req.Status = StatusPending

	case DecisionApprove:
		step.Decision = DecisionApprove
		step.ActedBy = deciderID
		step.Comments = in.Comments
		step.DecidedAt = &now
		if req.CurrentStep >= req.TotalSteps {
			req.Status = StatusApproved
			req.CompletedAt = &now
			req.CurrentApprover = ""
		} else {
			req.CurrentStep++
			req.Status = StatusPending
			req.CurrentApprover = req.Steps[req.CurrentStep-1].AssignedTo
		}

	default:
		return Request{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, in.Decision)
	}

	if err := s.store.UpdateRequest(ctx, &req, prevStatus, prevStep); err != nil {
		return Request{}, fmt.Errorf("persist decision: %w", err)
	}

	obs.ApprovalDecisionsTotal.WithLabelValues(string(in.Decision)).Inc()
	s.rec.Record(ctx, audit.Event{
		EntityType:  "approval_request",
		EntityID:    req.ID,
		Action:      "approval." + string(in.Decision),
		Description: fmt.Sprintf("step %d %s by %s", idx+1, in.Decision, deciderID),
		NewValues:   map[string]any{"status": req.Status, "current_step": req.CurrentStep},
	})
	return req, nil
}

// Cancel withdraws a pending request. Only the requester or an admin may
// cancel; cancelled is terminal.
func (s *Service) Cancel(ctx context.Context, requestID, byID string) (Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending && req.Status != StatusEscalated {
		return Request{}, fmt.Errorf("%w: status %s", ErrNotPending, req.Status)
	}
	if byID != req.RequestedBy {
		isAdmin, err := s.holdsRole(ctx, byID, RoleAdmin)
		if err != nil {
			return Request{}, err
		}
		if !isAdmin {
			return Request{}, ErrUnauthorizedDecider
		}
	}
	prevStatus, prevStep := req.Status, req.CurrentStep
	now := s.now().UTC()
	req.Status = StatusCancelled
	req.CancelledAt = &now
	req.CurrentApprover = ""
	if err := s.store.UpdateRequest(ctx, &req, prevStatus, prevStep); err != nil {
		return Request{}, fmt.Errorf("persist cancel: %w", err)
	}
	s.rec.Record(ctx, audit.Event{
		EntityType:  "approval_request",
		EntityID:    req.ID,
		Action:      "approval.cancelled",
		Description: fmt.Sprintf("cancelled by %s", byID),
	})
	return req, nil
}

// checkAuthority permits the current approver, any admin, any holder of a
// role required by the chain, and the engine's own system identity (used by
// the escalation sweeper).
func (s *Service) checkAuthority(ctx context.Context, req Request, deciderID string) error {
	if deciderID == req.CurrentApprover && deciderID != "" {
		return nil
	}
	if deciderID == auth.SystemIdentity {
		return nil
	}
	roles, err := s.dir.UserRoles(ctx, deciderID)
	if err != nil {
		return fmt.Errorf("resolve decider roles: %w", err)
	}
	required := make(map[Role]struct{}, len(req.Steps))
	for _, st := range req.Steps {
		required[st.RequiredRole] = struct{}{}
	}
	for _, r := range roles {
		if r == RoleAdmin {
			return nil
		}
		if _, ok := required[r]; ok {
			return nil
		}
	}
	return ErrUnauthorizedDecider
}

func (s *Service) holdsRole(ctx context.Context, userID string, role Role) (bool, error) {
	roles, err := s.dir.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// failClosed emits the distinguishable critical audit event required for
// every fail-closed trigger, so operators can detect configuration drift.
func (s *Service) failClosed(ctx context.Context, trigger string, op OperationType, cause error) {
	obs.FailClosedTotal.WithLabelValues(trigger).Inc()
	ev := audit.Event{
		EntityType:  "operation",
		EntityID:    string(op),
		Action:      "approval.fail_closed",
		Description: "fail-closed: approval required due to " + trigger,
		Severity:    audit.SeverityCritical,
	}
	if cause != nil {
		ev.NewValues = map[string]any{"cause": cause.Error()}
	}
	s.rec.Record(ctx, ev)
}
