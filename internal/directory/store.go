package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("directory: not found")

// Store is the read/write contract for directory entities. Every lookup is
// account-scoped; there is no cross-tenant query.
type Store interface {
	ListLocations(ctx context.Context, accountID string) ([]Location, error)
	GetLocation(ctx context.Context, accountID, id string) (Location, error)
	PutLocation(ctx context.Context, loc Location) error

	ListUsers(ctx context.Context, accountID string) ([]User, error)
	GetUser(ctx context.Context, accountID, id string) (User, error)
	PutUser(ctx context.Context, u User) error
	SetUserAvailability(ctx context.Context, accountID, id string, available bool) (User, error)

	ListVendors(ctx context.Context, accountID string) ([]Vendor, error)
	GetVendorBySMSNumber(ctx context.Context, accountID, number string) (Vendor, error)
	PutVendor(ctx context.Context, v Vendor) error

	ListProperties(ctx context.Context, accountID string) ([]Property, error)
	PutProperty(ctx context.Context, p Property) error
	FindUnit(ctx context.Context, accountID, propertyID, label string) (Unit, error)
	PutUnit(ctx context.Context, u Unit) error
}

// MemoryStore is the in-memory Store used in tests and local wiring.
type MemoryStore struct {
	mu         sync.RWMutex
	locations  map[string]Location
	users      map[string]User
	vendors    map[string]Vendor
	properties map[string]Property
	units      map[string]Unit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations:  make(map[string]Location),
		users:      make(map[string]User),
		vendors:    make(map[string]Vendor),
		properties: make(map[string]Property),
		units:      make(map[string]Unit),
	}
}

func (m *MemoryStore) ListLocations(ctx context.Context, accountID string) ([]Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Location
	for _, l := range m.locations {
		if l.AccountID == accountID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetLocation(ctx context.Context, accountID, id string) (Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[id]
	if !ok || l.AccountID != accountID {
		return Location{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) PutLocation(ctx context.Context, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.ID] = loc
	return nil
}

func (m *MemoryStore) ListUsers(ctx context.Context, accountID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if u.AccountID == accountID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, accountID, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || u.AccountID != accountID {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) PutUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) SetUserAvailability(ctx context.Context, accountID, id string, available bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.AccountID != accountID {
		return User{}, ErrNotFound
	}
	u.Available = available
	m.users[id] = u
	return u, nil
}

func (m *MemoryStore) ListVendors(ctx context.Context, accountID string) ([]Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Vendor
	for _, v := range m.vendors {
		if v.AccountID == accountID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) GetVendorBySMSNumber(ctx context.Context, accountID, number string) (Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := normalizeNumber(number)
	for _, v := range m.vendors {
		if v.AccountID == accountID && normalizeNumber(v.SMSNumber) == want {
			return v, nil
		}
	}
	return Vendor{}, ErrNotFound
}

func (m *MemoryStore) PutVendor(ctx context.Context, v Vendor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendors[v.ID] = v
	return nil
}

func (m *MemoryStore) ListProperties(ctx context.Context, accountID string) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Property
	for _, p := range m.properties {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) PutProperty(ctx context.Context, p Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[p.ID] = p
	return nil
}

func (m *MemoryStore) FindUnit(ctx context.Context, accountID, propertyID, label string) (Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := strings.ToLower(strings.TrimSpace(label))
	for _, u := range m.units {
		if u.AccountID == accountID && u.PropertyID == propertyID && strings.ToLower(u.Label) == want {
			return u, nil
		}
	}
	return Unit{}, ErrNotFound
}

func (m *MemoryStore) PutUnit(ctx context.Context, u Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
	return nil
}

func normalizeNumber(n string) string {
	return strings.TrimPrefix(strings.TrimSpace(n), "+")
}
