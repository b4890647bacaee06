// Package startup verifies approval-chain configuration before the process
// accepts traffic. A critical operation type without an active chain aborts
// startup; serving in that state would silently disable controls.
package startup

import (
	"context"
	"fmt"
	"strings"

	"tradeops.org/internal/approval"
	"tradeops.org/internal/audit"
	"tradeops.org/internal/obs"
)

// Recommended auto-approval ceilings in minor units; chains configured above
// these draw a warning, not a failure.
var autoApproveCeilings = map[approval.OperationType]int64{
	approval.OpCapitalEntry:        50_000,    // $500
	approval.OpPurchase:            100_000,   // $1,000
	approval.OpSaleOrder:           100_000,   // $1,000
	approval.OpFinancialAdjustment: 10_000,    // $100
	approval.OpWarehouseOperation:  1_000_000, // $10,000
	approval.OpShippingOperation:   1_000_000, // $10,000
}

// ChainSource lists active chains; satisfied by approval.Store.
type ChainSource interface {
	ActiveChains(ctx context.Context, op approval.OperationType) ([]approval.Chain, error)
}

// Validator runs the boot-time configuration checks.
type Validator struct {
	chains ChainSource
	dir    approval.Directory
	rec    *audit.Recorder
}

// NewValidator builds a Validator over the chain store and user directory.
func NewValidator(chains ChainSource, dir approval.Directory, rec *audit.Recorder) *Validator {
	if rec == nil {
		rec = audit.NewRecorder(nil)
	}
	return &Validator{chains: chains, dir: dir, rec: rec}
}

// Result reports what validation found. Warnings never block startup.
type Result struct {
	CriticalGaps []approval.OperationType
	Warnings     []string
}

// GapError aborts startup: at least one critical operation type has no
// active chain (or its chains could not be read).
type GapError struct {
	Gaps []approval.OperationType
}

func (e *GapError) Error() string {
	names := make([]string, len(e.Gaps))
	for i, op := range e.Gaps {
		names[i] = string(op)
	}
	return "startup: no active approval chain for critical operation types: " + strings.Join(names, ", ")
}

// Validate checks every operation type. Critical types missing an active
// chain produce a *GapError; high/medium types and all secondary checks
// (role coverage, auto-approve ceiling, priority) only warn.
func (v *Validator) Validate(ctx context.Context) (Result, error) {
	var res Result
	for _, op := range approval.OperationTypes {
		chains, err := v.chains.ActiveChains(ctx, op)
		if err != nil {
			if op.Critical() {
				v.auditGap(ctx, op, err)
				res.CriticalGaps = append(res.CriticalGaps, op)
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: chain lookup failed: %v", op, err))
			}
			continue
		}
		if len(chains) == 0 {
			if op.Critical() {
				v.auditGap(ctx, op, nil)
				res.CriticalGaps = append(res.CriticalGaps, op)
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: no active chain (%s criticality)", op, op.Criticality()))
			}
			continue
		}
		res.Warnings = append(res.Warnings, v.inspectChains(ctx, op, chains)...)
	}

	for _, w := range res.Warnings {
		obs.Logger().Warn().Str("check", "startup_chains").Msg(w)
	}
	if len(res.CriticalGaps) > 0 {
		return res, &GapError{Gaps: res.CriticalGaps}
	}
	return res, nil
}

func (v *Validator) inspectChains(ctx context.Context, op approval.OperationType, chains []approval.Chain) []string {
	var warnings []string
	banded := false
	for _, c := range chains {
		if c.Banded() {
			banded = true
		}
		if c.Priority == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: chain %s has no priority configured", op, c.Name))
		}
		if ceiling, ok := autoApproveCeilings[op]; ok && c.AutoApproveBelow != nil && *c.AutoApproveBelow > ceiling {
			warnings = append(warnings, fmt.Sprintf("%s: chain %s auto-approves below %d, above the recommended ceiling %d",
				op, c.Name, *c.AutoApproveBelow, ceiling))
		}
		for _, role := range c.RequiredRoles {
			users, err := v.dir.UsersWithRole(ctx, role)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: chain %s: could not verify coverage for role %s: %v", op, c.Name, role, err))
				continue
			}
			if len(users) == 0 {
				warnings = append(warnings, fmt.Sprintf("%s: chain %s requires role %s but no active user holds it", op, c.Name, role))
			}
		}
	}
	// The resolver's default-chain fallback needs a fully banded chain to
	// land on; flag gaps here instead of failing silently at runtime.
	if !banded {
		warnings = append(warnings, fmt.Sprintf("%s: no chain with both amount bounds set; resolver fallback has nothing to select", op))
	}
	return warnings
}

func (v *Validator) auditGap(ctx context.Context, op approval.OperationType, cause error) {
	obs.FailClosedTotal.WithLabelValues("startup_validation").Inc()
	ev := audit.Event{
		EntityType:  "approval_chain",
		EntityID:    string(op),
		Action:      "startup.chain_missing",
		Description: "critical operation type has no active approval chain",
		Severity:    audit.SeverityCritical,
	}
	if cause != nil {
		ev.NewValues = map[string]any{"cause": cause.Error()}
	}
	v.rec.Record(ctx, ev)
}
