package approval

import (
	"context"
	"time"
)

// Store is the transactional backing store for chains and requests. The only
// concurrency-load-bearing call is Consume: it must be an atomic conditional
// update so that at most one caller ever wins.
type Store interface {
	// ActiveChains returns the active chains for the operation type ordered
	// by descending priority.
	ActiveChains(ctx context.Context, op OperationType) ([]Chain, error)
	CreateChain(ctx context.Context, c *Chain) error
	UpdateChain(ctx context.Context, c *Chain) error

	GetRequest(ctx context.Context, id string) (Request, error)
	CreateRequest(ctx context.Context, r *Request) error
	// UpdateRequest persists state-machine mutations (decisions) as a
	// compare-and-set keyed on the status and step the caller observed at
	// load time. It returns ErrConflict when the request is no longer in
	// that state, so two concurrent deciders can never both land a decision
	// on the same step. It must never touch consumption fields; those
	// belong to Consume.
	UpdateRequest(ctx context.Context, r *Request, prevStatus Status, prevStep int) error

	// Consume atomically marks the request consumed:
	// UPDATE ... WHERE id = $1 AND is_consumed = false AND status = 'approved'.
	// It reports false when zero rows were affected (a concurrent caller won,
	// or the request was never eligible).
	Consume(ctx context.Context, id string, rec Consumption) (bool, error)

	// IncrementAttempts bumps the forensic consumption_attempts counter for
	// a failed attempt without touching any other field.
	IncrementAttempts(ctx context.Context, id string) error

	// ListOverduePending returns pending requests submitted before the
	// cutoff, oldest first, for the escalation sweep.
	ListOverduePending(ctx context.Context, cutoff time.Time, limit int) ([]Request, error)
}

// Directory resolves users and roles; backed by the user/role tables in
// production and by the in-memory store in tests.
type Directory interface {
	// UsersWithRole returns active users holding the role, ordered by id.
	UsersWithRole(ctx context.Context, role Role) ([]User, error)
	// UserRoles returns the roles an active user holds; empty for unknown
	// or inactive users.
	UserRoles(ctx context.Context, userID string) ([]Role, error)
}
