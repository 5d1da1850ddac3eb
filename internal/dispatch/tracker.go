// Package dispatch sends maintenance jobs to vendors over SMS and tracks
// their acknowledgments. One pending offer exists per incident at a time;
// an unanswered offer escalates to a human after the acknowledgment
// window.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/incident"
)

const defaultAckTimeout = 5 * time.Minute

// SMSSender places outbound text messages. The telephony package provides
// the Twilio-backed implementation.
type SMSSender interface {
	SendSMS(ctx context.Context, accountID, to, body string) error
}

// Notifier pushes dashboard events. The notify hub satisfies this.
type Notifier interface {
	Broadcast(accountID, eventType string, payload any)
}

var ErrNoVendor = errors.New("dispatch: no vendor covers this trade")

// Tracker owns the offer lifecycle: send, wait, resolve or escalate.
type Tracker struct {
	incidents *incident.Service
	directory directory.Store
	sms       SMSSender
	notify    Notifier
	log       *slog.Logger

	ackTimeout time.Duration

	// Now is injected for deterministic tests.
	Now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingAck // incident id -> live offer
	// byVendor remembers each vendor's most recent offer so a reply can be
	// matched to its incident even after the window elapsed. Entries are
	// replaced by newer offers, never expired.
	byVendor map[string]string // vendor id -> incident id
}

type pendingAck struct {
	vendorID string
	timer    *time.Timer
}

func NewTracker(incidents *incident.Service, dir directory.Store, sms SMSSender, notify Notifier, log *slog.Logger, ackTimeout time.Duration) *Tracker {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		incidents:  incidents,
		directory:  dir,
		sms:        sms,
		notify:     notify,
		log:        log,
		ackTimeout: ackTimeout,
		Now:        time.Now,
		pending:    make(map[string]*pendingAck),
		byVendor:   make(map[string]string),
	}
}

// Dispatch offers the incident to the best-matching vendor: lowest
// priority number among those covering the trade. The SMS goes out, the
// incident moves to dispatching, and the acknowledgment clock starts.
func (t *Tracker) Dispatch(ctx context.Context, inc incident.Incident) (directory.Vendor, error) {
	vendors, err := t.directory.ListVendors(ctx, inc.AccountID)
	if err != nil {
		return directory.Vendor{}, fmt.Errorf("dispatch: list vendors: %w", err)
	}
	var vendor *directory.Vendor
	for i := range vendors {
		if vendors[i].Covers(inc.Trade) && vendors[i].SMSNumber != "" {
			vendor = &vendors[i]
			break
		}
	}
	if vendor == nil {
		return directory.Vendor{}, ErrNoVendor
	}

	body := offerBody(inc)
	if err := t.sms.SendSMS(ctx, inc.AccountID, vendor.SMSNumber, body); err != nil {
		return directory.Vendor{}, fmt.Errorf("dispatch: send offer: %w", err)
	}

	updated, err := t.incidents.MarkDispatching(ctx, inc.AccountID, inc.ID, vendor.ID)
	if err != nil {
		return directory.Vendor{}, err
	}
	t.WaitForAck(inc.AccountID, inc.ID, vendor.ID)
	t.broadcast(inc.AccountID, "incident_updated", updated)
	return *vendor, nil
}

// WaitForAck arms the acknowledgment window for an offer. A second call
// for the same incident replaces the first: the old timer is cancelled so
// a superseded offer can never fire a stale escalation.
func (t *Tracker) WaitForAck(accountID, incidentID, vendorID string) {
	t.mu.Lock()
	if prev, ok := t.pending[incidentID]; ok {
		prev.timer.Stop()
	}
	p := &pendingAck{vendorID: vendorID}
	p.timer = time.AfterFunc(t.ackTimeout, func() {
		t.expire(accountID, incidentID, vendorID)
	})
	t.pending[incidentID] = p
	t.byVendor[vendorID] = incidentID
	t.mu.Unlock()
}

// expire runs when the window elapses with no reply. The pending entry is
// removed before the incident is touched, so a reply racing the timeout is
// handled as a late acknowledgment rather than double-resolved.
func (t *Tracker) expire(accountID, incidentID, vendorID string) {
	t.mu.Lock()
	p, ok := t.pending[incidentID]
	if !ok || p.vendorID != vendorID {
		t.mu.Unlock()
		return
	}
	delete(t.pending, incidentID)
	t.mu.Unlock()

	ctx := context.Background()
	inc, err := t.incidents.Escalate(ctx, accountID, incidentID, "acknowledgment window elapsed")
	if err != nil {
		t.log.Warn("escalation on ack timeout failed", "incident_id", incidentID, "err", err)
		return
	}
	t.log.Info("dispatch offer timed out", "incident_id", incidentID, "vendor_id", vendorID)
	t.broadcast(accountID, "incident_updated", inc)
}

// HandleReply processes an inbound vendor SMS. The returned string is the
// response text to send back to the vendor.
func (t *Tracker) HandleReply(ctx context.Context, accountID, fromNumber, body string) (string, error) {
	vendor, err := t.directory.GetVendorBySMSNumber(ctx, accountID, fromNumber)
	if err != nil {
		return "", fmt.Errorf("dispatch: unknown sender %s: %w", fromNumber, err)
	}

	t.mu.Lock()
	incidentID, ok := t.byVendor[vendor.ID]
	if ok {
		if p, live := t.pending[incidentID]; live && p.vendorID == vendor.ID {
			p.timer.Stop()
			delete(t.pending, incidentID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return "No open job found for this number.", nil
	}

	switch ParseReply(body) {
	case ReplyYes:
		inc, err := t.incidents.RecordAcknowledgment(ctx, accountID, incidentID, vendor.ID, strings.TrimSpace(body))
		if err != nil {
			return "", err
		}
		t.broadcast(accountID, "incident_updated", inc)
		return "Confirmed. You are on the job.", nil
	case ReplyNo:
		inc, err := t.incidents.RecordDecline(ctx, accountID, incidentID, vendor.ID)
		if err != nil {
			if errors.Is(err, incident.ErrStatusConflict) {
				return "This job is already closed out.", nil
			}
			return "", err
		}
		t.broadcast(accountID, "incident_updated", inc)
		return "Understood. The job goes to someone else.", nil
	default:
		// Unparseable: re-arm the window so an ambiguous text does not
		// silently burn the offer.
		t.WaitForAck(accountID, incidentID, vendor.ID)
		return "Please reply YES to take the job or NO to pass.", nil
	}
}

// PendingCount reports live offers, for health reporting.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels all timers for shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

func (t *Tracker) broadcast(accountID, eventType string, payload any) {
	if t.notify != nil {
		t.notify.Broadcast(accountID, eventType, payload)
	}
}

func offerBody(inc incident.Incident) string {
	b := "New " + inc.Severity + " " + inc.Trade + " job"
	if inc.PropertyID != "" {
		b += " at property " + inc.PropertyID
		if inc.UnitID != "" {
			b += " unit " + inc.UnitID
		}
	}
	if inc.Description != "" {
		b += ": " + inc.Description
	}
	return b + ". Reply YES to accept or NO to pass."
}
