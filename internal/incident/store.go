package incident

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("incident: not found")
	// ErrSessionHasIncident guards the one-incident-per-session rule at the
	// storage layer.
	ErrSessionHasIncident = errors.New("incident: session already has an incident")
)

type Store interface {
	Create(ctx context.Context, inc Incident) error
	Get(ctx context.Context, accountID, id string) (Incident, error)
	GetBySession(ctx context.Context, sessionID string) (Incident, error)
	Update(ctx context.Context, inc Incident) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Incident, error)
}

// LogRepo is the append-only history store. No update or delete by
// contract.
type LogRepo interface {
	Append(ctx context.Context, e LogEntry) error
	ListByIncident(ctx context.Context, accountID, incidentID string) ([]LogEntry, error)
}

// MemoryStore is the in-memory Store used in tests and local wiring.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]Incident
	bySession map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]Incident),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inc Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySession[inc.SessionID]; ok {
		return ErrSessionHasIncident
	}
	m.byID[inc.ID] = inc
	m.bySession[inc.SessionID] = inc.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, accountID, id string) (Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.byID[id]
	if !ok || inc.AccountID != accountID {
		return Incident{}, ErrNotFound
	}
	return inc, nil
}

func (m *MemoryStore) GetBySession(ctx context.Context, sessionID string) (Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return Incident{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryStore) Update(ctx context.Context, inc Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[inc.ID]; !ok {
		return ErrNotFound
	}
	m.byID[inc.ID] = inc
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Incident
	for _, inc := range m.byID {
		if inc.AccountID == accountID {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryLogRepo is the in-memory LogRepo used in tests.
type MemoryLogRepo struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMemoryLogRepo() *MemoryLogRepo { return &MemoryLogRepo{} }

func (r *MemoryLogRepo) Append(ctx context.Context, e LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryLogRepo) ListByIncident(ctx context.Context, accountID, incidentID string) ([]LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LogEntry
	for _, e := range r.entries {
		if e.AccountID == accountID && e.IncidentID == incidentID {
			out = append(out, e)
		}
	}
	return out, nil
}
