// Package approval implements the approval workflow and single-use
// authorization engine: chain resolution, the request state machine, and the
// consumption guard that ties one granted approval to exactly one execution.
package approval

import "time"

// OperationType is the closed set of sensitive business operations the
// engine knows how to authorize.
type OperationType string

const (
	OpCapitalEntry        OperationType = "capital_entry"
	OpPurchase            OperationType = "purchase"
	OpSaleOrder           OperationType = "sale_order"
	OpFinancialAdjustment OperationType = "financial_adjustment"
	OpUserRoleChange      OperationType = "user_role_change"
	OpSystemSettingChange OperationType = "system_setting_change"
	OpWarehouseOperation  OperationType = "warehouse_operation"
	OpShippingOperation   OperationType = "shipping_operation"
)

// OperationTypes lists every known operation type, critical ones first.
var OperationTypes = []OperationType{
	OpCapitalEntry,
	OpPurchase,
	OpSaleOrder,
	OpFinancialAdjustment,
	OpUserRoleChange,
	OpSystemSettingChange,
	OpWarehouseOperation,
	OpShippingOperation,
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCapitalEntry, OpPurchase, OpSaleOrder, OpFinancialAdjustment,
		OpUserRoleChange, OpSystemSettingChange, OpWarehouseOperation, OpShippingOperation:
		return true
	}
	return false
}

// Criticality grades how strictly an operation type is controlled.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
)

// Criticality returns the control grade for the operation type. Critical
// types must have an active chain at startup and can never skip approval.
func (t OperationType) Criticality() Criticality {
	switch t {
	case OpCapitalEntry, OpPurchase, OpSaleOrder, OpFinancialAdjustment,
		OpUserRoleChange, OpSystemSettingChange:
		return CriticalityCritical
	case OpWarehouseOperation:
		return CriticalityHigh
	default:
		return CriticalityMedium
	}
}

// Critical reports whether the operation type is on the critical allowlist.
func (t OperationType) Critical() bool { return t.Criticality() == CriticalityCritical }

// Role names an approver capability in the user directory.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleFinance   Role = "finance"
	RoleManager   Role = "manager"
	RoleDirector  Role = "director"
	RoleWarehouse Role = "warehouse"
	RoleSales     Role = "sales"
)

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }

// User is a directory entry used for step assignment and authority checks.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// Chain is the approval route configured for one operation type: the ordered
// roles that must sign off and the amount band the chain applies to.
// Chains are administered outside the engine and read-only inside it.
type Chain struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	OperationType OperationType `json:"operation_type"`
	RequiredRoles []Role        `json:"required_roles"`

	// Inclusive amount band in minor units; nil = unbounded on that side.
	MinAmount *int64 `json:"min_amount,omitempty"`
	MaxAmount *int64 `json:"max_amount,omitempty"`

	// AutoApproveBelow lets operations under the threshold proceed without
	// sign-off. AutoApproveSameRequester waives approval when a requester
	// is present at all (per configuration, not per matching identity).
	AutoApproveBelow         *int64 `json:"auto_approve_below,omitempty"`
	AutoApproveSameRequester bool   `json:"auto_approve_same_requester"`

	// Priority breaks ties when several chains match; higher wins.
	Priority int  `json:"priority"`
	Active   bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether the chain's band contains the amount. A nil bound
// is unbounded; a nil amount matches any band.
func (c Chain) Matches(amount *int64) bool {
	if amount == nil {
		return true
	}
	if c.MinAmount != nil && *amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && *amount > *c.MaxAmount {
		return false
	}
	return true
}

// Banded reports whether both bounds are set.
func (c Chain) Banded() bool { return c.MinAmount != nil && c.MaxAmount != nil }

// Status is the approval request lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
	StatusCancelled Status = "cancelled"
)

// Decision is an approver's verdict on the current step.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
	DecisionDelegate Decision = "delegate"
)

// Step is one position in a request's approval history. Step i cannot be
// decided before step i-1; escalation keeps the step but swaps the approver.
type Step struct {
	Number       int      `json:"number"`
	RequiredRole Role     `json:"required_role"`
	AssignedTo   string   `json:"assigned_to,omitempty"`
	ActedBy      string   `json:"acted_by,omitempty"`
	Decision     Decision `json:"decision,omitempty"`
	Comments     string   `json:"comments,omitempty"`

	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// Delegation/escalation provenance: who handed the step to the current
	// assignee, and when.
	DelegatedBy string     `json:"delegated_by,omitempty"`
	DelegatedAt *time.Time `json:"delegated_at,omitempty"`
	EscalatedBy string     `json:"escalated_by,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
}

// Consumption carries the single-use bookkeeping of a request.
type Consumption struct {
	IsConsumed    bool          `json:"is_consumed"`
	ConsumedAt    *time.Time    `json:"consumed_at,omitempty"`
	ConsumedBy    string        `json:"consumed_by,omitempty"`
	OperationID   string        `json:"operation_id,omitempty"`
	OperationType OperationType `json:"operation_type,omitempty"`
	Amount        *Money        `json:"amount,omitempty"`
	EntityID      string        `json:"entity_id,omitempty"`
	Checksum      string        `json:"checksum,omitempty"`
	Attempts      int           `json:"attempts"`
}

// Request is the authorization token. It is created by a domain handler,
// mutated only by the state machine (decisions) and the consumption guard,
// and never deleted: it is part of the audit trail.
type Request struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"`
	ChainID       string        `json:"chain_id"`
	OperationType OperationType `json:"operation_type"`

	// Payload is the deep snapshot taken at creation; the authoritative
	// basis for tamper detection at consumption time.
	Payload Payload `json:"payload"`
	Amount  *Money  `json:"amount,omitempty"`

	RequestedBy     string `json:"requested_by"`
	BusinessContext string `json:"business_context,omitempty"`
	Priority        string `json:"priority,omitempty"`

	Steps           []Step `json:"steps"`
	CurrentStep     int    `json:"current_step"` // 1-based
	TotalSteps      int    `json:"total_steps"`
	CurrentApprover string `json:"current_approver,omitempty"`
	Status          Status `json:"status"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Consumption Consumption `json:"consumption"`
}

// Consumable reports whether the request may still authorize an execution.
func (r Request) Consumable() bool {
	return r.Status == StatusApproved && !r.Consumption.IsConsumed
}

// Clone returns a deep copy safe to hand across goroutines.
func (r Request) Clone() Request {
	out := r
	out.Steps = make([]Step, len(r.Steps))
	copy(out.Steps, r.Steps)
	for i := range out.Steps {
		out.Steps[i].DecidedAt = cloneTime(r.Steps[i].DecidedAt)
		out.Steps[i].DelegatedAt = cloneTime(r.Steps[i].DelegatedAt)
		out.Steps[i].EscalatedAt = cloneTime(r.Steps[i].EscalatedAt)
	}
	out.Payload = r.Payload.Clone()
	out.Amount = cloneMoney(r.Amount)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.EscalatedAt = cloneTime(r.EscalatedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	out.Consumption.ConsumedAt = cloneTime(r.Consumption.ConsumedAt)
	out.Consumption.Amount = cloneMoney(r.Consumption.Amount)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMoney(m *Money) *Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}

// RequestConfig is the input to CreateRequest.
type RequestConfig struct {
	OperationType   OperationType
	Amount          *Money
	RequestedBy     string
	Payload         Payload
	BusinessContext string
	Priority        string
}

// DecisionInput carries one approver verdict into the state machine.
type DecisionInput struct {
	Decision   Decision
	Comments   string
	DelegateTo string
	EscalateTo string
}

// OperationContext describes the operation a handler is about to execute
// against a previously granted approval.
type OperationContext struct {
	OperationID   string
	OperationType OperationType
	ExecutedBy    string
	Amount        *Money
	EntityID      string
	Payload       Payload
}

// Reason is a machine-readable denial cause.
type Reason string

const (
	ReasonNotFound          Reason = "approval_not_found"
	ReasonAlreadyConsumed   Reason = "already_consumed"
	ReasonNotApproved       Reason = "not_approved"
	ReasonTypeMismatch      Reason = "operation_type_mismatch"
	ReasonRequesterMismatch Reason = "requester_mismatch"
	ReasonAmountMismatch    Reason = "amount_mismatch"
	ReasonCurrencyMismatch  Reason = "currency_mismatch"
	ReasonExpired           Reason = "approval_expired"
	ReasonCoreFieldMismatch Reason = "core_field_mismatch"
	ReasonRaceLost          Reason = "race_lost"
)

// ValidationResult is the outcome of the read-only consumption pre-check.
type ValidationResult struct {
	Valid   bool
	Reason  Reason
	Field   string // offending core field, when Reason is core_field_mismatch
	Request *Request
}

// ConsumeResult is the outcome of the atomic consumption attempt.
type ConsumeResult struct {
	Consumed bool
	Reason   Reason
}
