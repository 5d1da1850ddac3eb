package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Store is the persistence contract for call sessions.
//
// Rules:
// - Lookups must stay account-scoped where an account id is given.
// - Update replaces the full row keyed by session id.
type Store interface {
	Create(ctx context.Context, sess CallSession) error
	Get(ctx context.Context, id string) (CallSession, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (CallSession, error)
	Update(ctx context.Context, sess CallSession) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]CallSession, error)
}

var (
	ErrNotFound = errors.New("session: not found")
	ErrExists   = errors.New("session: already exists")
)

// MemoryStore is an in-memory Store used in tests and local wiring.
// It is not intended for production use.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]CallSession
	byProvider map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]CallSession),
		byProvider: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sess CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[sess.ID]; ok {
		return ErrExists
	}
	if _, ok := m.byProvider[sess.ProviderCallID]; ok {
		return ErrExists
	}
	m.byID[sess.ID] = sess
	m.byProvider[sess.ProviderCallID] = sess.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byID[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return sess, nil
}

func (m *MemoryStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byProvider[providerCallID]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryStore) Update(ctx context.Context, sess CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[sess.ID]; !ok {
		return ErrNotFound
	}
	m.byID[sess.ID] = sess
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CallSession
	for _, sess := range m.byID {
		if sess.AccountID == accountID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
