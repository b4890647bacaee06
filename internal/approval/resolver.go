package approval

import (
	"context"
	"fmt"
)

// FindChain selects the chain that governs the operation: the
// highest-priority active chain whose amount band contains the amount. When
// no band matches, it falls back to the highest-priority chain with both
// bounds set — a conservative heuristic, not a coverage guarantee; the
// startup validator warns about band gaps. Store errors propagate so the
// caller fails closed.
func (s *Service) FindChain(ctx context.Context, op OperationType, amount *Money) (Chain, error) {
	if !op.Valid() {
		return Chain{}, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, op)
	}
	chains, err := s.store.ActiveChains(ctx, op)
	if err != nil {
		return Chain{}, fmt.Errorf("find chain for %s: %w", op, err)
	}
	var amt *int64
	if amount != nil {
		v := amount.Amount
		amt = &v
	}
	for _, c := range chains {
		if c.Matches(amt) {
			return c, nil
		}
	}
	for _, c := range chains {
		if c.Banded() {
			return c, nil
		}
	}
	return Chain{}, fmt.Errorf("%w: %s", ErrChainNotFound, op)
}

// RequiresApproval is the single authority domain handlers must consult
// before executing a sensitive operation. Every error path resolves to true:
// a missing or broken chain configuration must never silently disable
// controls.
func (s *Service) RequiresApproval(ctx context.Context, op OperationType, amount *Money, requestedBy string) bool {
	chain, err := s.FindChain(ctx, op, amount)
	if err != nil {
		s.failClosed(ctx, "chain_lookup", op, err)
		return true
	}
	if amount != nil && chain.AutoApproveBelow != nil && amount.Amount < *chain.AutoApproveBelow {
		return false
	}
	if chain.AutoApproveSameRequester && requestedBy != "" {
		return false
	}
	return true
}
