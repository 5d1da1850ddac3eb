// Package incident owns service tickets and their append-only history.
// Tickets are created by the AI agent during a call and then driven by the
// dispatch flow (vendor offers, acknowledgments, escalations) and the
// dashboard (resolution).
package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidIncident = errors.New("incident: account, session and trade required")
	// ErrStatusConflict is returned for transitions the status machine does
	// not allow, such as dispatching a resolved incident.
	ErrStatusConflict = errors.New("incident: status transition not allowed")
)

// Service owns incident lifecycle writes. History logging is best-effort:
// a failed log append never rolls back the status change it describes.
type Service struct {
	store Store
	log   LogRepo

	// Now is injected for deterministic tests.
	Now func() time.Time
	// NewID is injected for deterministic tests.
	NewID func() string
}

func NewService(store Store, log LogRepo) *Service {
	return &Service{
		store: store,
		log:   log,
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

func (s *Service) Store() Store { return s.store }

// CreateParams carries what the AI agent collected before opening a ticket.
type CreateParams struct {
	AccountID    string
	SessionID    string
	PropertyID   string
	UnitID       string
	CallerNumber string
	Trade        string
	Severity     string
	Description  string
}

// Create opens a ticket for a call session. A session gets at most one
// ticket: a second call with the same session id returns the existing one
// unchanged, so a replayed tool call cannot fan out into duplicates.
func (s *Service) Create(ctx context.Context, p CreateParams) (Incident, error) {
	if p.AccountID == "" || p.SessionID == "" || p.Trade == "" {
		return Incident{}, ErrInvalidIncident
	}
	now := s.Now().UTC()
	inc := Incident{
		ID:           s.NewID(),
		AccountID:    p.AccountID,
		SessionID:    p.SessionID,
		PropertyID:   p.PropertyID,
		UnitID:       p.UnitID,
		CallerNumber: p.CallerNumber,
		Trade:        p.Trade,
		Severity:     p.Severity,
		Description:  p.Description,
		Status:       StatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.Create(ctx, inc)
	if errors.Is(err, ErrSessionHasIncident) {
		return s.store.GetBySession(ctx, p.SessionID)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("incident: create: %w", err)
	}
	s.append(ctx, inc, LogCreated, "", "ticket opened: "+p.Trade+"/"+p.Severity)
	return inc, nil
}

// MarkDispatching records that a dispatch offer went to the given vendor.
func (s *Service) MarkDispatching(ctx context.Context, accountID, id, vendorID string) (Incident, error) {
	return s.transition(ctx, accountID, id, func(inc *Incident, now time.Time) (LogKind, string, error) {
		switch inc.Status {
		case StatusNew, StatusDispatching, StatusEscalated:
		default:
			return "", "", ErrStatusConflict
		}
		inc.Status = StatusDispatching
		inc.AssignedVendorID = vendorID
		return LogDispatchSent, "offer sent to vendor " + vendorID, nil
	}, vendorID)
}

// RecordAcknowledgment marks the vendor's YES. It is effect-idempotent and
// deliberately tolerant: an ack that lands after the offer already timed
// out into escalation is still recorded, because the vendor is coming.
// The note is the vendor's reply text; ETA details riding on it ("yes,
// there by 5") land in the log verbatim.
func (s *Service) RecordAcknowledgment(ctx context.Context, accountID, id, vendorID, note string) (Incident, error) {
	return s.transition(ctx, accountID, id, func(inc *Incident, now time.Time) (LogKind, string, error) {
		if inc.Status == StatusInProgress {
			// Duplicate reply; nothing to change.
			return "", "", nil
		}
		kind := LogAcknowledged
		if inc.Status == StatusEscalated {
			kind = LogLateAck
		}
		inc.Status = StatusInProgress
		inc.AssignedVendorID = vendorID
		at := now
		inc.AcknowledgedAt = &at
		msg := "vendor " + vendorID + " confirmed"
		if note != "" {
			msg += ": " + note
		}
		return kind, msg, nil
	}, vendorID)
}

// RecordDecline marks the vendor's NO and escalates to a human.
func (s *Service) RecordDecline(ctx context.Context, accountID, id, vendorID string) (Incident, error) {
	return s.transition(ctx, accountID, id, func(inc *Incident, now time.Time) (LogKind, string, error) {
		if inc.Status == StatusInProgress || inc.Status == StatusResolved {
			return "", "", ErrStatusConflict
		}
		inc.Status = StatusEscalated
		inc.AssignedVendorID = ""
		at := now
		inc.EscalatedAt = &at
		return LogDeclined, "vendor " + vendorID + " declined", nil
	}, vendorID)
}

// Escalate hands the incident to a human, typically on ack timeout.
func (s *Service) Escalate(ctx context.Context, accountID, id, reason string) (Incident, error) {
	return s.transition(ctx, accountID, id, func(inc *Incident, now time.Time) (LogKind, string, error) {
		if inc.Status == StatusInProgress || inc.Status == StatusResolved {
			return "", "", ErrStatusConflict
		}
		if inc.Status == StatusEscalated {
			return "", "", nil
		}
		inc.Status = StatusEscalated
		at := now
		inc.EscalatedAt = &at
		return LogEscalated, reason, nil
	}, "")
}

// Resolve closes the incident from the dashboard.
func (s *Service) Resolve(ctx context.Context, accountID, id, userID string) (Incident, error) {
	return s.transition(ctx, accountID, id, func(inc *Incident, now time.Time) (LogKind, string, error) {
		if inc.Status == StatusResolved {
			return "", "", nil
		}
		inc.Status = StatusResolved
		return LogResolved, "resolved by " + userID, nil
	}, userID)
}

// History returns the incident's append-only log.
func (s *Service) History(ctx context.Context, accountID, id string) ([]LogEntry, error) {
	if _, err := s.store.Get(ctx, accountID, id); err != nil {
		return nil, err
	}
	return s.log.ListByIncident(ctx, accountID, id)
}

func (s *Service) transition(ctx context.Context, accountID, id string, mutate func(*Incident, time.Time) (LogKind, string, error), actorID string) (Incident, error) {
	inc, err := s.store.Get(ctx, accountID, id)
	if err != nil {
		return Incident{}, err
	}
	now := s.Now().UTC()
	kind, msg, err := mutate(&inc, now)
	if err != nil {
		return inc, err
	}
	if kind == "" {
		return inc, nil
	}
	inc.UpdatedAt = now
	if err := s.store.Update(ctx, inc); err != nil {
		return Incident{}, fmt.Errorf("incident: update: %w", err)
	}
	s.append(ctx, inc, kind, actorID, msg)
	return inc, nil
}

func (s *Service) append(ctx context.Context, inc Incident, kind LogKind, actorID, msg string) {
	if s.log == nil {
		return
	}
	_ = s.log.Append(ctx, LogEntry{
		ID:         s.NewID(),
		AccountID:  inc.AccountID,
		IncidentID: inc.ID,
		Kind:       kind,
		ActorID:    actorID,
		Message:    msg,
		CreatedAt:  s.Now().UTC(),
	})
}
