package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry owns the per-call single-writer discipline. Concurrent webhooks
// for the same providerCallId are serialized here; webhooks for different
// calls proceed fully in parallel.
//
// It is an explicit object, not package state, so tests can run several
// isolated registries side by side.
type Registry struct {
	store  Store
	dedupe Deduper
	log    *slog.Logger

	// NewID is injected for deterministic tests.
	NewID func() string

	mu    sync.Mutex
	locks map[string]*callLock
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

// ErrUnknownSession is returned for any non-creating event that references
// no live session. Such events are logged and dropped; implicit creation
// would let a spoofed mid-call event fabricate a session.
var ErrUnknownSession = errors.New("session: unknown provider call id")

func NewRegistry(store Store, dedupe Deduper, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:  store,
		dedupe: dedupe,
		log:    log,
		NewID:  uuid.NewString,
		locks:  make(map[string]*callLock),
	}
}

// Store exposes the backing store for read-only API surfaces.
func (r *Registry) Store() Store { return r.store }

// Apply runs one canonical event through the state machine and persists the
// result. The returned side effects are for the caller to execute; Apply
// itself performs no I/O beyond the store and deduper.
func (r *Registry) Apply(ctx context.Context, ev Event) (CallSession, []SideEffect, error) {
	if ev.ProviderCallID == "" {
		return CallSession{}, nil, errors.New("session: provider_call_id required")
	}

	unlock := r.lock(ev.ProviderCallID)
	defer unlock()

	if ev.Kind.Dedupable() && r.dedupe != nil {
		seen, err := r.dedupe.Seen(ctx, ev.ProviderCallID, ev.Kind)
		if err != nil {
			// Dedupe is an optimization; the state machine stays correct
			// without it, so fail open.
			r.log.Warn("dedupe check failed", "provider_call_id", ev.ProviderCallID, "err", err)
		} else if seen {
			sess, err := r.store.GetByProviderCallID(ctx, ev.ProviderCallID)
			if err != nil {
				return CallSession{}, nil, nil
			}
			return sess, nil, nil
		}
	}

	sess, err := r.store.GetByProviderCallID(ctx, ev.ProviderCallID)
	switch {
	case errors.Is(err, ErrNotFound):
		if ev.Kind != KindInboundReceived {
			r.log.Warn("event for unknown session dropped",
				"provider_call_id", ev.ProviderCallID,
				"kind", string(ev.Kind),
			)
			return CallSession{}, nil, ErrUnknownSession
		}
		if ev.AccountID == "" {
			return CallSession{}, nil, errors.New("session: account_id required on inbound event")
		}
		created := NewSession(r.NewID(), ev)
		if err := r.createWithRetry(ctx, created); err != nil {
			return CallSession{}, nil, err
		}
		r.markDelivered(ctx, ev)
		return created, InboundEffects(created), nil
	case err != nil:
		return CallSession{}, nil, fmt.Errorf("session: load: %w", err)
	}

	next, effects, err := Transition(sess, ev)
	if err != nil {
		return sess, nil, err
	}
	if next != sess {
		if err := r.updateWithRetry(ctx, next); err != nil {
			// Surface the failure so the provider retries the webhook.
			// The delivery stays unmarked, so the retry is not dropped
			// as a duplicate; idempotence makes replaying it safe.
			return sess, nil, err
		}
	}
	r.markDelivered(ctx, ev)
	return next, effects, nil
}

// markDelivered records a dedupable delivery once its state change has been
// persisted. Marking is best effort; a miss only means a redelivery runs
// through the state machine again, which replay tolerance already covers.
func (r *Registry) markDelivered(ctx context.Context, ev Event) {
	if !ev.Kind.Dedupable() || r.dedupe == nil {
		return
	}
	if err := r.dedupe.Mark(ctx, ev.ProviderCallID, ev.Kind); err != nil {
		r.log.Warn("dedupe mark failed", "provider_call_id", ev.ProviderCallID, "kind", string(ev.Kind), "err", err)
	}
}

func (r *Registry) createWithRetry(ctx context.Context, sess CallSession) error {
	err := r.store.Create(ctx, sess)
	if err == nil || errors.Is(err, ErrExists) {
		return nil
	}
	r.log.Warn("session create failed, retrying once", "session_id", sess.ID, "err", err)
	if err := r.store.Create(ctx, sess); err != nil && !errors.Is(err, ErrExists) {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

func (r *Registry) updateWithRetry(ctx context.Context, sess CallSession) error {
	err := r.store.Update(ctx, sess)
	if err == nil {
		return nil
	}
	r.log.Warn("session update failed, retrying once", "session_id", sess.ID, "err", err)
	if err := r.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("session: update: %w", err)
	}
	return nil
}

// lock serializes access per provider call id and returns the release func.
// Entries are reference counted so the map does not grow with call history.
func (r *Registry) lock(providerCallID string) func() {
	r.mu.Lock()
	entry, ok := r.locks[providerCallID]
	if !ok {
		entry = &callLock{}
		r.locks[providerCallID] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		r.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.locks, providerCallID)
		}
		r.mu.Unlock()
	}
}
