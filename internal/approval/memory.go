package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeops.org/internal/ids"
)

// InMemory implements Store and Directory with in-process concurrency
// safety. Used by tests and by dev/smoke runs without Postgres.
type InMemory struct {
	mu       sync.RWMutex
	chains   map[string]Chain
	requests map[string]Request
	users    map[string]User
	roles    map[string][]Role // userID -> roles
}

var (
	_ Store     = (*InMemory)(nil)
	_ Directory = (*InMemory)(nil)
)

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		chains:   make(map[string]Chain),
		requests: make(map[string]Request),
		users:    make(map[string]User),
		roles:    make(map[string][]Role),
	}
}

// AddUser seeds a directory entry.
func (s *InMemory) AddUser(u User, roles ...Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.roles[u.ID] = append([]Role(nil), roles...)
}

func (s *InMemory) ActiveChains(ctx context.Context, op OperationType) ([]Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Chain
	for _, c := range s.chains {
		if c.Active && c.OperationType == op {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemory) CreateChain(ctx context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.chains[c.ID] = *c
	return nil
}

func (s *InMemory) UpdateChain(ctx context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	s.chains[c.ID] = *c
	return nil
}

func (s *InMemory) GetRequest(ctx context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemory) CreateRequest(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *InMemory) UpdateRequest(ctx context.Context, r *Request, prevStatus Status, prevStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != prevStatus || cur.CurrentStep != prevStep {
		return ErrConflict
	}
	// Consumption fields are owned by Consume.
	upd := r.Clone()
	upd.Consumption = cur.Consumption
	s.requests[r.ID] = upd
	return nil
}

func (s *InMemory) Consume(ctx context.Context, id string, rec Consumption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	if r.Consumption.IsConsumed || r.Status != StatusApproved {
		return false, nil
	}
	rec.IsConsumed = true
	rec.Attempts = r.Consumption.Attempts + 1
	r.Consumption = rec
	s.requests[id] = r
	return true, nil
}

func (s *InMemory) IncrementAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Consumption.Attempts++
	s.requests[id] = r
	return nil
}

func (s *InMemory) ListOverduePending(ctx context.Context, cutoff time.Time, limit int) ([]Request, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Request
	for _, r := range s.requests {
		if r.Status == StatusPending && r.SubmittedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) UsersWithRole(ctx context.Context, role Role) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for id, roles := range s.roles {
		u, ok := s.users[id]
		if !ok || !u.Active {
			continue
		}
		for _, r := range roles {
			if r == role {
				out = append(out, u)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || !u.Active {
		return nil, nil
	}
	return append([]Role(nil), s.roles[userID]...), nil
}
