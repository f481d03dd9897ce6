package gig

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of all three stores for
// development mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	gigs map[string]*Gig
	apps map[string]*Application
	ops  map[string]*EscrowOperation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gigs: make(map[string]*Gig),
		apps: make(map[string]*Application),
		ops:  make(map[string]*EscrowOperation),
	}
}

var (
	_ Store            = (*MemoryStore)(nil)
	_ ApplicationStore = (*MemoryStore)(nil)
	_ OperationStore   = (*MemoryStore)(nil)
)

// --- gigs ---

func (m *MemoryStore) CreateGig(ctx context.Context, g *Gig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *g
	m.gigs[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGig(ctx context.Context, id string) (*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.gigs[id]
	if !ok {
		return nil, ErrGigNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) SaveGig(ctx context.Context, g *Gig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.gigs[g.ID]
	if !ok {
		return ErrGigNotFound
	}
	if cur.Version != g.Version {
		return ErrVersionConflict
	}

	cp := *g
	cp.Version++
	cp.UpdatedAt = time.Now()
	m.gigs[g.ID] = &cp
	g.Version = cp.Version
	g.UpdatedAt = cp.UpdatedAt
	return nil
}

// --- applications ---

func (m *MemoryStore) CreateApplication(ctx context.Context, a *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.apps[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListApplicationsByGig(ctx context.Context, gigID string) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Application
	for _, a := range m.apps {
		if a.GigID == gigID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) AcceptApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	if a.Status != ApplicationPending {
		return nil, ErrApplicationDecided
	}
	for _, other := range m.apps {
		if other.GigID == a.GigID && other.Status == ApplicationAccepted {
			return nil, ErrAlreadyAccepted
		}
	}

	now := time.Now()
	a.Status = ApplicationAccepted
	a.DecidedAt = &now
	for _, other := range m.apps {
		if other.GigID == a.GigID && other.ID != a.ID && other.Status == ApplicationPending {
			other.Status = ApplicationRejected
			other.DecidedAt = &now
		}
	}

	cp := *a
	return &cp, nil
}

func (m *MemoryStore) RejectApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	if a.Status != ApplicationPending {
		return nil, ErrApplicationDecided
	}

	now := time.Now()
	a.Status = ApplicationRejected
	a.DecidedAt = &now

	cp := *a
	return &cp, nil
}

// --- escrow operations ---

func (m *MemoryStore) InsertOperation(ctx context.Context, op *EscrowOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.ops {
		if existing.GigID == op.GigID && existing.Kind == op.Kind && existing.Status != OpFailed {
			return ErrDuplicateOperation
		}
	}

	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOperation(ctx context.Context, id string) (*EscrowOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryStore) SetOperationBroadcast(ctx context.Context, id, broadcastRef, contractAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.BroadcastRef = broadcastRef
	op.ContractAddr = contractAddr
	return nil
}

func (m *MemoryStore) SetOperationStatus(ctx context.Context, id string, status OpStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.Status = status
	if status != OpSubmitted {
		now := time.Now()
		op.ResolvedAt = &now
	}
	return nil
}

func (m *MemoryStore) ListOperationsByGig(ctx context.Context, gigID string) ([]*EscrowOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowOperation
	for _, op := range m.ops {
		if op.GigID == gigID {
			cp := *op
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SubmittedAt.Before(result[j].SubmittedAt) })
	return result, nil
}

func (m *MemoryStore) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowOperation
	for _, op := range m.ops {
		if op.Status == OpSubmitted && op.SubmittedAt.Before(cutoff) {
			cp := *op
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SubmittedAt.Before(result[j].SubmittedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
