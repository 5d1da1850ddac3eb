package session

import (
	"errors"
	"fmt"
	"time"
)

// Transition is the authoritative state-transition function for a
// CallSession. It is pure: it never reads a clock, never touches storage,
// and never performs I/O. Side effects (broadcasts, dials, markup) are
// returned for the caller to execute.
//
// Replay policy: a duplicate event whose target state equals the session's
// current state is a no-op, and nothing ever transitions out of StateEnded.
var (
	ErrUnknownEventKind = errors.New("session: unknown event kind")
	ErrIncidentConflict = errors.New("session: incident already attached")
)

// NewSession builds the session created by the first inbound-call event.
// Only KindInboundReceived may create; the registry enforces that.
func NewSession(id string, ev Event) CallSession {
	return CallSession{
		ID:             id,
		AccountID:      ev.AccountID,
		ProviderCallID: ev.ProviderCallID,
		CallerNumber:   ev.From,
		DialedNumber:   ev.To,
		State:          StateInboundReceived,
		StartTime:      ev.At,
	}
}

// InboundEffects are the side effects of session creation: answer the call
// into the media relay and tell the account's dashboards about it.
func InboundEffects(sess CallSession) []SideEffect {
	return []SideEffect{
		{Kind: EffectStartRelay},
		broadcast("incoming_call", sess),
	}
}

func Transition(sess CallSession, ev Event) (CallSession, []SideEffect, error) {
	// ENDED is the sole terminal state; late or out-of-order deliveries
	// against it are dropped without error so provider retries stay cheap.
	if sess.Terminal() {
		return sess, nil, nil
	}

	switch ev.Kind {
	case KindInboundReceived:
		// Session already exists: duplicate delivery of the creating event.
		return sess, nil, nil

	case KindAIGreetingStarted:
		return advanceAI(sess, ev, StateAIGreeting, func(s *CallSession) {
			at := ev.At
			s.AIStartTime = &at
		})

	case KindIntentDetected:
		return advanceAI(sess, ev, StateAIIntentDetection, func(s *CallSession) {
			if ev.Data.Intent != "" {
				s.Intent = ev.Data.Intent
			}
		})

	case KindPropertyResolved:
		return advanceAI(sess, ev, StateAIPropertyUnit, func(s *CallSession) {
			if ev.Data.PropertyID != "" {
				s.PropertyID = ev.Data.PropertyID
			}
			if ev.Data.UnitID != "" {
				s.UnitID = ev.Data.UnitID
			}
		})

	case KindInfoCollected:
		return advanceAI(sess, ev, StateAIInfoCollection, func(s *CallSession) {
			if ev.Data.Trade != "" {
				s.Trade = ev.Data.Trade
			}
			if ev.Data.Severity != "" {
				s.Severity = ev.Data.Severity
			}
		})

	case KindActionExecuted:
		if sess.IncidentID != "" && ev.Data.IncidentID != "" && sess.IncidentID != ev.Data.IncidentID {
			// A session links at most one ticket.
			return sess, nil, ErrIncidentConflict
		}
		return advanceAI(sess, ev, StateAIActionExecution, func(s *CallSession) {
			if ev.Data.IncidentID != "" {
				s.IncidentID = ev.Data.IncidentID
			}
		})

	case KindTransferRequested:
		if !sess.State.isAI() && sess.State != StateEscalation && sess.State != StateFallback {
			return sess, nil, nil
		}
		next := sess
		next.State = StateRoutingToHuman
		if ev.Data.CallerName != "" {
			next.CallerName = ev.Data.CallerName
		}
		if ev.Data.Severity != "" && next.Severity == "" {
			next.Severity = ev.Data.Severity
		}
		closeAIWindow(&next, ev.At)
		effects := []SideEffect{
			{
				Kind:             EffectRouteTransfer,
				TransferLocation: ev.Data.LocationName,
				TransferReason:   ev.Data.TransferReason,
			},
			broadcast("incoming_transfer", next),
		}
		return next, effects, nil

	case KindRingingStarted:
		if sess.State != StateRoutingToHuman {
			return sess, nil, nil
		}
		next := sess
		next.State = StateRingingUsers
		return next, []SideEffect{broadcast("call_updated", next)}, nil

	case KindTransferAnswered:
		if sess.State != StateRingingUsers && sess.State != StateRoutingToHuman {
			return sess, nil, nil
		}
		next := sess
		next.State = StateConnected
		next.Outcome = OutcomeTransferred
		return next, []SideEffect{
			{Kind: EffectStopRelay},
			broadcast("call_updated", next),
		}, nil

	case KindTransferFailed:
		if sess.State != StateRingingUsers && sess.State != StateRoutingToHuman {
			return sess, nil, nil
		}
		next := sess
		next.State = StateFallback
		next.Outcome = dialOutcome(ev.Data.DialOutcome)
		return next, []SideEffect{
			{Kind: EffectPromptVoicemail},
			broadcast("call_updated", next),
		}, nil

	case KindNoStaffAvailable:
		if sess.State != StateRoutingToHuman && !sess.State.isAI() {
			return sess, nil, nil
		}
		next := sess
		next.State = StateFallback
		next.Outcome = OutcomeNoStaffAvailable
		closeAIWindow(&next, ev.At)
		return next, []SideEffect{
			{Kind: EffectPromptVoicemail},
			broadcast("call_updated", next),
		}, nil

	case KindEscalated:
		if !sess.State.isAI() && sess.State != StateFallback {
			return sess, nil, nil
		}
		next := sess
		next.State = StateEscalation
		return next, []SideEffect{broadcast("call_updated", next)}, nil

	case KindVoicemailRecorded:
		next := finalize(sess, ev.At, OutcomeVoicemail)
		if ev.Data.RecordingReference != "" {
			next.Summary = appendLine(next.Summary, "voicemail: "+ev.Data.RecordingReference)
		}
		return next, endEffects(next), nil

	case KindCallEnded:
		// The provider's final status callback carries no outcome; a
		// disposition already earned (transferred, dispatched, a failed
		// dial) must survive it.
		outcome := ev.Data.Outcome
		if outcome == "" {
			outcome = sess.Outcome
		}
		if outcome == "" {
			outcome = OutcomeAIResolved
		}
		next := finalize(sess, ev.At, outcome)
		if ev.Data.Transcript != "" {
			next.Transcript = ev.Data.Transcript
		}
		if ev.Data.Summary != "" {
			next.Summary = ev.Data.Summary
		}
		return next, endEffects(next), nil

	case KindCallerHangup:
		outcome := sess.Outcome
		if outcome == "" {
			outcome = OutcomeCallerHangup
		}
		next := finalize(sess, ev.At, outcome)
		return next, endEffects(next), nil

	case KindSpeechUpdate:
		next := sess
		if ev.Data.SpeechText != "" {
			next.Transcript = appendLine(next.Transcript, ev.Data.SpeechRole+": "+ev.Data.SpeechText)
		}
		payload := map[string]string{
			"session_id": sess.ID,
			"role":       ev.Data.SpeechRole,
			"text":       ev.Data.SpeechText,
		}
		return next, []SideEffect{{Kind: EffectBroadcast, NotifyType: "speech_update", NotifyPayload: payload}}, nil

	default:
		return sess, nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
}

// advanceAI applies a forward-only AI pipeline step. Replays and
// out-of-order AI progress events never move the session backwards.
func advanceAI(sess CallSession, ev Event, target State, apply func(*CallSession)) (CallSession, []SideEffect, error) {
	cur := sess.State.aiRank()
	if cur < 0 {
		// Not in the AI pipeline anymore (routing, fallback, ...); drop.
		return sess, nil, nil
	}
	if target.aiRank() <= cur {
		// Duplicate or stale progress event.
		return sess, nil, nil
	}
	next := sess
	next.State = target
	apply(&next)
	return next, []SideEffect{broadcast("call_updated", next)}, nil
}

func closeAIWindow(s *CallSession, at time.Time) {
	if s.AIStartTime != nil && s.AIEndTime == nil {
		t := at
		s.AIEndTime = &t
	}
}

func finalize(sess CallSession, at time.Time, outcome Outcome) CallSession {
	next := sess
	next.State = StateEnded
	next.Outcome = outcome
	end := at
	next.EndTime = &end
	closeAIWindow(&next, at)
	next.TotalMinutes = ceilMinutes(end.Sub(next.StartTime))
	if next.AIStartTime != nil && next.AIEndTime != nil {
		next.AIMinutes = ceilMinutes(next.AIEndTime.Sub(*next.AIStartTime))
	}
	return next
}

func endEffects(sess CallSession) []SideEffect {
	return []SideEffect{
		{Kind: EffectStopRelay},
		{Kind: EffectRecordUsage},
		broadcast("call_ended", sess),
	}
}

func broadcast(notifyType string, sess CallSession) SideEffect {
	return SideEffect{Kind: EffectBroadcast, NotifyType: notifyType, NotifyPayload: sess}
}

func dialOutcome(status string) Outcome {
	switch status {
	case "busy":
		return OutcomeTransferBusy
	case "no-answer":
		return OutcomeTransferNoAnswer
	default:
		return OutcomeTransferFailed
	}
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	m := int(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
