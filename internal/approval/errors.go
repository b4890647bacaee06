package approval

import "errors"

var (
	ErrNotFound      = errors.New("approval: not found")
	ErrChainNotFound = errors.New("approval: no active chain for operation type")
	ErrInvalidInput  = errors.New("approval: invalid input")

	// ErrNotPending is returned for decisions on terminal requests.
	ErrNotPending = errors.New("approval: request is not pending")

	// ErrConflict reports a lost write race: the request moved to a different
	// status or step between the load and the conditional update, so the
	// decision was not persisted.
	ErrConflict = errors.New("approval: request changed concurrently")

	// ErrUnauthorizedDecider is returned when the decider is neither the
	// current approver, an admin, nor a holder of a required chain role.
	ErrUnauthorizedDecider = errors.New("approval: decider lacks authority")

	// ErrSkipForbidden is the loud, distinct failure for any attempt to skip
	// approval on a critical operation type, regardless of caller identity.
	ErrSkipForbidden = errors.New("approval: critical operation type can never skip approval")

	// ErrSkipDenied rejects skip attempts on non-critical types by anything
	// other than the designated system identity.
	ErrSkipDenied = errors.New("approval: skip is restricted to the system identity")
)
