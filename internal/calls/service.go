// Package calls is the orchestration layer between event producers
// (webhooks, the media relay) and everything a state change touches. The
// session registry decides WHAT happens; this service makes it happen:
// dashboard broadcasts, transfer dials, voicemail redirects, relay
// teardown, usage records.
package calls

import (
	"context"
	"log/slog"
	"time"

	"dispatchdesk/internal/session"
	"dispatchdesk/internal/transfer"
	"dispatchdesk/internal/usage"
)

// Notifier pushes dashboard events; the notify hub satisfies this.
type Notifier interface {
	Broadcast(accountID, eventType string, payload any)
}

// RelayControl tears down a session's media relay; the relay manager
// satisfies this.
type RelayControl interface {
	Stop(sessionID string)
}

// Dialer moves a live provider call to new call flow markup. The telephony
// package implements it against the provider's REST API.
type Dialer interface {
	RedirectToTransfer(ctx context.Context, accountID, providerCallID string, d transfer.Decision) error
	RedirectToVoicemail(ctx context.Context, accountID, providerCallID string) error
}

type Service struct {
	registry *session.Registry
	router   *transfer.Router
	notifier Notifier
	relays   RelayControl
	usage    *usage.Recorder
	dialer   Dialer
	log      *slog.Logger
}

func NewService(registry *session.Registry, router *transfer.Router, notifier Notifier, relays RelayControl, rec *usage.Recorder, dialer Dialer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		registry: registry,
		router:   router,
		notifier: notifier,
		relays:   relays,
		usage:    rec,
		dialer:   dialer,
		log:      log,
	}
}

func (s *Service) Registry() *session.Registry { return s.registry }

// AttachRelays wires the relay manager in after construction; the manager
// itself submits events through this service, so the two are built in
// sequence.
func (s *Service) AttachRelays(relays RelayControl) { s.relays = relays }

// Submit runs one canonical event through the state machine and executes
// the resulting side effects. Effect failures are logged, not returned:
// the state change is already durable, and a provider retry would replay
// it as a no-op without re-running the effects.
func (s *Service) Submit(ctx context.Context, ev session.Event) (session.CallSession, error) {
	sess, effects, err := s.registry.Apply(ctx, ev)
	if err != nil {
		return sess, err
	}
	for _, eff := range effects {
		s.execute(ctx, sess, eff)
	}
	return sess, nil
}

func (s *Service) execute(ctx context.Context, sess session.CallSession, eff session.SideEffect) {
	switch eff.Kind {
	case session.EffectBroadcast:
		if s.notifier != nil {
			s.notifier.Broadcast(sess.AccountID, eff.NotifyType, eff.NotifyPayload)
		}

	case session.EffectStartRelay:
		// The relay starts when the provider connects the media stream;
		// nothing to do here.

	case session.EffectStopRelay:
		if s.relays != nil {
			s.relays.Stop(sess.ID)
		}

	case session.EffectRouteTransfer:
		s.routeTransfer(ctx, sess, eff)

	case session.EffectPromptVoicemail:
		if s.dialer == nil {
			return
		}
		if err := s.dialer.RedirectToVoicemail(ctx, sess.AccountID, sess.ProviderCallID); err != nil {
			s.log.Error("voicemail redirect failed", "session_id", sess.ID, "err", err)
		}

	case session.EffectRecordUsage:
		if s.usage == nil {
			return
		}
		if _, err := s.usage.Record(ctx, sess.AccountID, sess.ID, sess.TotalMinutes, sess.AIMinutes); err != nil {
			s.log.Error("usage record failed", "session_id", sess.ID, "err", err)
		}

	default:
		s.log.Warn("unhandled side effect", "session_id", sess.ID, "kind", string(eff.Kind))
	}
}

// routeTransfer asks the router where the call should go and acts on the
// decision. A failed resolution or empty roster degrades into the
// no-staff-available path, never into a dropped call.
func (s *Service) routeTransfer(ctx context.Context, sess session.CallSession, eff session.SideEffect) {
	decision, err := s.router.Route(ctx, transfer.RouteInput{
		AccountID:      sess.AccountID,
		SpokenLocation: eff.TransferLocation,
		CallerNumber:   sess.CallerNumber,
		CallerName:     sess.CallerName,
		Intent:         sess.Intent,
		Trade:          sess.Trade,
		Severity:       sess.Severity,
		Reason:         eff.TransferReason,
	})
	if err != nil {
		s.log.Warn("transfer routing failed",
			"session_id", sess.ID, "spoken_location", eff.TransferLocation, "err", err)
		s.submitFollowup(ctx, sess, session.Event{Kind: session.KindNoStaffAvailable})
		return
	}

	switch decision.Action {
	case transfer.ActionRing:
		if err := s.dialer.RedirectToTransfer(ctx, sess.AccountID, sess.ProviderCallID, decision); err != nil {
			s.log.Error("transfer dial failed", "session_id", sess.ID, "err", err)
			s.submitFollowup(ctx, sess, session.Event{
				Kind: session.KindTransferFailed,
				Data: session.EventData{DialOutcome: "failed"},
			})
			return
		}
		s.submitFollowup(ctx, sess, session.Event{
			Kind: session.KindRingingStarted,
			Data: session.EventData{StaffCount: len(decision.Staff)},
		})

	case transfer.ActionForward:
		if err := s.dialer.RedirectToTransfer(ctx, sess.AccountID, sess.ProviderCallID, decision); err != nil {
			s.log.Error("after-hours forward failed", "session_id", sess.ID, "err", err)
			s.submitFollowup(ctx, sess, session.Event{
				Kind: session.KindTransferFailed,
				Data: session.EventData{DialOutcome: "failed"},
			})
			return
		}
		s.submitFollowup(ctx, sess, session.Event{
			Kind: session.KindRingingStarted,
			Data: session.EventData{StaffCount: 1},
		})

	case transfer.ActionVoicemail:
		s.submitFollowup(ctx, sess, session.Event{Kind: session.KindNoStaffAvailable})

	default:
		s.log.Warn("unknown transfer action", "session_id", sess.ID, "action", string(decision.Action))
	}
}

func (s *Service) submitFollowup(ctx context.Context, sess session.CallSession, ev session.Event) {
	ev.ProviderCallID = sess.ProviderCallID
	ev.At = time.Now().UTC()
	if _, err := s.Submit(ctx, ev); err != nil {
		s.log.Error("followup event failed",
			"session_id", sess.ID, "kind", string(ev.Kind), "err", err)
	}
}

