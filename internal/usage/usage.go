// Package usage records billable minutes per account. Amounts are minor
// currency units (cents) in int64; a started minute bills as a full one.
package usage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one finalized call's usage line.
type Record struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	SessionID string `json:"session_id" db:"session_id"`

	TotalMinutes int `json:"total_minutes" db:"total_minutes"`
	// AIMinutes is the subset of TotalMinutes the AI agent was on the call.
	AIMinutes int `json:"ai_minutes" db:"ai_minutes"`

	RatePerMinuteMinor int64 `json:"rate_per_minute_minor" db:"rate_per_minute_minor"`
	AmountMinor        int64 `json:"amount_minor" db:"amount_minor"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Summary aggregates an account's usage for the dashboard.
type Summary struct {
	AccountID    string `json:"account_id"`
	Calls        int    `json:"calls"`
	TotalMinutes int    `json:"total_minutes"`
	AIMinutes    int    `json:"ai_minutes"`
	AmountMinor  int64  `json:"amount_minor"`
}

var (
	ErrInvalidRecord = errors.New("usage: account and session required")
	// ErrDuplicate guards one usage record per session.
	ErrDuplicate = errors.New("usage: session already recorded")
)

type Store interface {
	Create(ctx context.Context, rec Record) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Record, error)
}

// Recorder turns finalized sessions into usage records.
type Recorder struct {
	store Store
	rate  int64

	Now   func() time.Time
	NewID func() string
}

func NewRecorder(store Store, ratePerMinuteMinor int64) *Recorder {
	return &Recorder{
		store: store,
		rate:  ratePerMinuteMinor,
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Record writes one line for a finalized session. A replayed finalization
// is absorbed: the duplicate error maps to success so webhook retries stay
// idempotent end to end.
func (r *Recorder) Record(ctx context.Context, accountID, sessionID string, totalMinutes, aiMinutes int) (Record, error) {
	if accountID == "" || sessionID == "" {
		return Record{}, ErrInvalidRecord
	}
	rec := Record{
		ID:                 r.NewID(),
		AccountID:          accountID,
		SessionID:          sessionID,
		TotalMinutes:       totalMinutes,
		AIMinutes:          aiMinutes,
		RatePerMinuteMinor: r.rate,
		AmountMinor:        int64(totalMinutes) * r.rate,
		CreatedAt:          r.Now().UTC(),
	}
	if err := r.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return rec, nil
		}
		return Record{}, err
	}
	return rec, nil
}

// Summarize folds an account's records into one dashboard line.
func (r *Recorder) Summarize(ctx context.Context, accountID string) (Summary, error) {
	records, err := r.store.ListByAccount(ctx, accountID, 0)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{AccountID: accountID}
	for _, rec := range records {
		s.Calls++
		s.TotalMinutes += rec.TotalMinutes
		s.AIMinutes += rec.AIMinutes
		s.AmountMinor += rec.AmountMinor
	}
	return s, nil
}

// MemoryStore is the in-memory Store used in tests and local wiring.
type MemoryStore struct {
	mu        sync.Mutex
	records   []Record
	bySession map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySession: make(map[string]struct{})}
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySession[rec.SessionID]; ok {
		return ErrDuplicate
	}
	m.bySession[rec.SessionID] = struct{}{}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
