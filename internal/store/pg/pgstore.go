// Package pg is the Postgres persistence layer: approval chains, approval
// requests with their consumption record, the user directory, and the
// append-only audit log.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tradeops.org/internal/approval"
	"tradeops.org/internal/audit"
	"tradeops.org/internal/ids"
)

type Store struct {
	db *sql.DB
}

var (
	_ approval.Store     = (*Store)(nil)
	_ approval.Directory = (*Store)(nil)
	_ audit.Sink         = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- chains ---

const chainCols = `id, name, operation_type, required_roles, min_amount, max_amount,
	auto_approve_below, auto_approve_same_requester, priority, active, created_at, updated_at`

func (s *Store) ActiveChains(ctx context.Context, op approval.OperationType) ([]approval.Chain, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+chainCols+`
		from approval_chains
		where operation_type=$1 and active
		order by priority desc, id asc
	`, string(op))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateChain(ctx context.Context, c *approval.Chain) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	roles, err := json.Marshal(c.RequiredRoles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into approval_chains
			(id, name, operation_type, required_roles, min_amount, max_amount,
			 auto_approve_below, auto_approve_same_requester, priority, active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.Name, string(c.OperationType), roles, c.MinAmount, c.MaxAmount,
		c.AutoApproveBelow, c.AutoApproveSameRequester, c.Priority, c.Active, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *Store) UpdateChain(ctx context.Context, c *approval.Chain) error {
	c.UpdatedAt = time.Now().UTC()
	roles, err := json.Marshal(c.RequiredRoles)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update approval_chains set
			name=$2, operation_type=$3, required_roles=$4, min_amount=$5, max_amount=$6,
			auto_approve_below=$7, auto_approve_same_requester=$8, priority=$9, active=$10, updated_at=$11
		where id=$1
	`, c.ID, c.Name, string(c.OperationType), roles, c.MinAmount, c.MaxAmount,
		c.AutoApproveBelow, c.AutoApproveSameRequester, c.Priority, c.Active, c.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return approval.ErrNotFound
	}
	return nil
}

func scanChain(rows *sql.Rows) (approval.Chain, error) {
	var c approval.Chain
	var op string
	var roles []byte
	if err := rows.Scan(&c.ID, &c.Name, &op, &roles, &c.MinAmount, &c.MaxAmount,
		&c.AutoApproveBelow, &c.AutoApproveSameRequester, &c.Priority, &c.Active,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return approval.Chain{}, err
	}
	c.OperationType = approval.OperationType(op)
	if err := json.Unmarshal(roles, &c.RequiredRoles); err != nil {
		return approval.Chain{}, fmt.Errorf("chain %s: decode required_roles: %w", c.ID, err)
	}
	return c, nil
}

// --- requests ---

const requestCols = `id, number, chain_id, operation_type, payload, amount_currency, amount_minor,
	requested_by, business_context, priority, steps, current_step, total_steps, current_approver,
	status, submitted_at, completed_at, escalated_at, cancelled_at,
	is_consumed, consumed_at, consumed_by, consumed_operation_id, consumed_operation_type,
	consumed_amount_currency, consumed_amount_minor, consumed_entity_id,
	consumption_checksum, consumption_attempts`

func (s *Store) GetRequest(ctx context.Context, id string) (approval.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+requestCols+`
		from approval_requests where id=$1
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Request{}, approval.ErrNotFound
	}
	return req, err
}

func (s *Store) CreateRequest(ctx context.Context, r *approval.Request) error {
	payload, steps, err := encodeRequest(r)
	if err != nil {
		return err
	}
	var cur *string
	var minor *int64
	if r.Amount != nil {
		cur, minor = &r.Amount.Currency, &r.Amount.Amount
	}
	_, err = s.db.ExecContext(ctx, `
		insert into approval_requests
			(id, number, chain_id, operation_type, payload, amount_currency, amount_minor,
			 requested_by, business_context, priority, steps, current_step, total_steps,
			 current_approver, status, submitted_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, r.ID, r.Number, r.ChainID, string(r.OperationType), payload, cur, minor,
		r.RequestedBy, r.BusinessContext, r.Priority, steps, r.CurrentStep, r.TotalSteps,
		r.CurrentApprover, string(r.Status), r.SubmittedAt)
	return err
}

// UpdateRequest is a compare-and-set on the lifecycle columns: the write only
// lands when the row still carries the status and step the caller loaded, so
// concurrent deciders cannot overwrite each other's terminal decisions.
// Requests are never deleted, which makes zero rows affected a lost race.
// Consumption columns are owned by Consume and IncrementAttempts and are
// deliberately not touched here.
func (s *Store) UpdateRequest(ctx context.Context, r *approval.Request, prevStatus approval.Status, prevStep int) error {
	_, steps, err := encodeRequest(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update approval_requests set
			steps=$2, current_step=$3, total_steps=$4, current_approver=$5,
			status=$6, completed_at=$7, escalated_at=$8, cancelled_at=$9
		where id=$1 and status=$10 and current_step=$11
	`, r.ID, steps, r.CurrentStep, r.TotalSteps, r.CurrentApprover,
		string(r.Status), r.CompletedAt, r.EscalatedAt, r.CancelledAt,
		string(prevStatus), prevStep)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return approval.ErrConflict
	}
	return nil
}

// Consume is the single-use compare-and-set: the conditions in the where
// clause are what makes one approval authorize exactly one execution. Zero
// rows affected means the record was missing, already consumed, or not
// approved; the engine treats all three as a lost race.
func (s *Store) Consume(ctx context.Context, id string, rec approval.Consumption) (bool, error) {
	var cur *string
	var minor *int64
	if rec.Amount != nil {
		cur, minor = &rec.Amount.Currency, &rec.Amount.Amount
	}
	res, err := s.db.ExecContext(ctx, `
		update approval_requests set
			is_consumed=true,
			consumed_at=$2,
			consumed_by=$3,
			consumed_operation_id=$4,
			consumed_operation_type=$5,
			consumed_amount_currency=$6,
			consumed_amount_minor=$7,
			consumed_entity_id=$8,
			consumption_checksum=$9,
			consumption_attempts=consumption_attempts+1
		where id=$1 and is_consumed=false and status='approved'
	`, id, rec.ConsumedAt, rec.ConsumedBy, rec.OperationID, string(rec.OperationType),
		cur, minor, rec.EntityID, rec.Checksum)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update approval_requests set consumption_attempts=consumption_attempts+1 where id=$1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return approval.ErrNotFound
	}
	return nil
}

func (s *Store) ListOverduePending(ctx context.Context, cutoff time.Time, limit int) ([]approval.Request, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+requestCols+`
		from approval_requests
		where status='pending' and submitted_at < $1
		order by submitted_at asc
		limit $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func encodeRequest(r *approval.Request) (payload, steps []byte, err error) {
	payload, err = json.Marshal(r.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	steps, err = json.Marshal(r.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("encode steps: %w", err)
	}
	return payload, steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (approval.Request, error) {
	var r approval.Request
	var op, status string
	var payload, steps []byte
	var cur sql.NullString
	var minor sql.NullInt64
	var consOp, consCur, consBy, consOpID, consEntity, consChecksum sql.NullString
	var consMinor sql.NullInt64
	var consumedAt sql.NullTime

	err := row.Scan(&r.ID, &r.Number, &r.ChainID, &op, &payload, &cur, &minor,
		&r.RequestedBy, &r.BusinessContext, &r.Priority, &steps, &r.CurrentStep, &r.TotalSteps,
		&r.CurrentApprover, &status, &r.SubmittedAt, &r.CompletedAt, &r.EscalatedAt, &r.CancelledAt,
		&r.Consumption.IsConsumed, &consumedAt, &consBy, &consOpID, &consOp,
		&consCur, &consMinor, &consEntity, &consChecksum, &r.Consumption.Attempts)
	if err != nil {
		return approval.Request{}, err
	}

	r.OperationType = approval.OperationType(op)
	r.Status = approval.Status(status)
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return approval.Request{}, fmt.Errorf("request %s: decode payload: %w", r.ID, err)
	}
	if err := json.Unmarshal(steps, &r.Steps); err != nil {
		return approval.Request{}, fmt.Errorf("request %s: decode steps: %w", r.ID, err)
	}
	if cur.Valid {
		r.Amount = &approval.Money{Currency: cur.String, Amount: minor.Int64}
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		r.Consumption.ConsumedAt = &t
	}
	r.Consumption.ConsumedBy = consBy.String
	r.Consumption.OperationID = consOpID.String
	r.Consumption.OperationType = approval.OperationType(consOp.String)
	r.Consumption.EntityID = consEntity.String
	r.Consumption.Checksum = consChecksum.String
	if consCur.Valid {
		r.Consumption.Amount = &approval.Money{Currency: consCur.String, Amount: consMinor.Int64}
	}
	return r, nil
}

// --- directory ---

func (s *Store) UsersWithRole(ctx context.Context, role approval.Role) ([]approval.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select u.id, u.email, u.active
		from users u
		join user_roles ur on ur.user_id = u.id
		where ur.role=$1 and u.active
		order by u.id asc
	`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.User
	for rows.Next() {
		var u approval.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Active); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]approval.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ur.role
		from user_roles ur
		join users u on u.id = ur.user_id
		where ur.user_id=$1 and u.active
		order by ur.role asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, approval.Role(r))
	}
	return out, rows.Err()
}

// --- audit sink ---

// Record appends one audit event. The table carries a trigger that rejects
// update and delete, so a write here is final.
func (s *Store) Record(ctx context.Context, ev audit.Event) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	oldVals, err := marshalValues(ev.OldValues)
	if err != nil {
		return err
	}
	newVals, err := marshalValues(ev.NewValues)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events
			(id, occurred_at, actor_id, request_id, entity_type, entity_id,
			 action, description, old_values, new_values, severity, checksum)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, ev.ID, ev.OccurredAt, ev.ActorID, ev.RequestID, ev.EntityType, ev.EntityID,
		ev.Action, ev.Description, oldVals, newVals, string(ev.Severity), ev.Checksum)
	return err
}

func marshalValues(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
