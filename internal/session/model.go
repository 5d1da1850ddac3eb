package session

import "time"

// CallSession is one phone call's end-to-end record, from ring to terminal
// outcome.
//
// Multi-tenant invariant: AccountID is required on every row.
//
// Mutation rules:
// - Created only by an inbound-call event.
// - Mutated only through Transition (see machine.go).
// - Immutable once State == StateEnded.
type CallSession struct {
	ID             string `json:"id" db:"id"`
	AccountID      string `json:"account_id" db:"account_id"`
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	CallerNumber string `json:"caller_number" db:"caller_number"`
	DialedNumber string `json:"dialed_number" db:"dialed_number"`

	// CallerName is filled when the AI agent learns who is calling; it
	// feeds the transfer whisper.
	CallerName string `json:"caller_name,omitempty" db:"caller_name"`

	State   State   `json:"state" db:"state"`
	Outcome Outcome `json:"outcome,omitempty" db:"outcome"`

	Intent     string `json:"intent,omitempty" db:"intent"`
	PropertyID string `json:"property_id,omitempty" db:"property_id"`
	UnitID     string `json:"unit_id,omitempty" db:"unit_id"`
	Trade      string `json:"trade,omitempty" db:"trade"`
	Severity   string `json:"severity,omitempty" db:"severity"`

	// IncidentID links the single service ticket created during this call.
	// A session never fans out into multiple tickets.
	IncidentID string `json:"incident_id,omitempty" db:"incident_id"`

	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// AIStartTime/AIEndTime bound the window the AI agent was on the call;
	// they feed AIMinutes at finalization.
	AIStartTime *time.Time `json:"ai_start_time,omitempty" db:"ai_start_time"`
	AIEndTime   *time.Time `json:"ai_end_time,omitempty" db:"ai_end_time"`

	TotalMinutes int `json:"total_minutes" db:"total_minutes"`
	AIMinutes    int `json:"ai_minutes" db:"ai_minutes"`

	Transcript string `json:"transcript,omitempty" db:"transcript"`
	Summary    string `json:"summary,omitempty" db:"summary"`

	// BillableMinor is the usage charge in minor currency units, computed at
	// finalization from TotalMinutes and the configured rate.
	BillableMinor int64 `json:"billable_minor" db:"billable_minor"`
}

// Terminal reports whether the session can never transition again.
func (s CallSession) Terminal() bool { return s.State == StateEnded }

type State string

const (
	StateInboundReceived   State = "inbound_received"
	StateAIGreeting        State = "ai_greeting"
	StateAIIntentDetection State = "ai_intent_detection"
	StateAIPropertyUnit    State = "ai_property_unit_resolution"
	StateAIInfoCollection  State = "ai_information_collection"
	StateAIActionExecution State = "ai_action_execution"
	StateRoutingToHuman    State = "routing_to_human"
	StateRingingUsers      State = "ringing_users"
	StateConnected         State = "connected"
	StateEscalation        State = "escalation"
	StateFallback          State = "fallback"
	StateEnded             State = "ended"
)

// aiStates are the states the AI agent actively drives. ESCALATION and
// FALLBACK are reachable from any of them.
func (s State) isAI() bool {
	switch s {
	case StateAIGreeting, StateAIIntentDetection, StateAIPropertyUnit,
		StateAIInfoCollection, StateAIActionExecution:
		return true
	default:
		return false
	}
}

// aiRank orders the AI pipeline so replayed or out-of-order AI progress
// events can never move a session backwards.
func (s State) aiRank() int {
	switch s {
	case StateInboundReceived:
		return 0
	case StateAIGreeting:
		return 1
	case StateAIIntentDetection:
		return 2
	case StateAIPropertyUnit:
		return 3
	case StateAIInfoCollection:
		return 4
	case StateAIActionExecution:
		return 5
	default:
		return -1
	}
}

type Outcome string

const (
	OutcomeAIResolved       Outcome = "ai_resolved"
	OutcomeTransferred      Outcome = "transferred"
	OutcomeDispatched       Outcome = "dispatched"
	OutcomeVoicemail        Outcome = "voicemail"
	OutcomeNoStaffAvailable Outcome = "no_staff_available"
	OutcomeCallerHangup     Outcome = "caller_hangup"
	OutcomeTransferBusy     Outcome = "transfer_busy"
	OutcomeTransferNoAnswer Outcome = "transfer_no_answer"
	OutcomeTransferFailed   Outcome = "transfer_failed"
)

// Event is a canonical, provider-agnostic occurrence applied to a session.
// Webhook adapters and the relay produce these; nothing else mutates state.
type Event struct {
	ProviderCallID string    `json:"provider_call_id"`
	Kind           EventKind `json:"kind"`

	// AccountID is required for KindInboundReceived (session creation);
	// later events inherit the session's account.
	AccountID string `json:"account_id,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// At is the event arrival time; Transition is pure and never reads a clock.
	At time.Time `json:"at"`

	Data EventData `json:"data,omitempty"`
}

// EventData carries the kind-specific payload fields.
type EventData struct {
	Intent     string `json:"intent,omitempty"`
	PropertyID string `json:"property_id,omitempty"`
	UnitID     string `json:"unit_id,omitempty"`
	Trade      string `json:"trade,omitempty"`
	Severity   string `json:"severity,omitempty"`
	IncidentID string `json:"incident_id,omitempty"`

	LocationName string `json:"location_name,omitempty"`
	StaffCount   int    `json:"staff_count,omitempty"`

	// CallerName and TransferReason are the caller context the AI agent
	// hands over with a transfer request.
	CallerName     string `json:"caller_name,omitempty"`
	TransferReason string `json:"transfer_reason,omitempty"`

	// DialOutcome is the provider's transfer dial result: completed, busy,
	// no-answer, failed.
	DialOutcome         string `json:"dial_outcome,omitempty"`
	DialDurationSeconds int    `json:"dial_duration_seconds,omitempty"`

	RecordingReference string `json:"recording_reference,omitempty"`
	DurationSeconds    int    `json:"duration_seconds,omitempty"`

	Outcome    Outcome `json:"outcome,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	Summary    string  `json:"summary,omitempty"`

	// Speech is a single transcript line for speech_update events.
	SpeechRole string `json:"speech_role,omitempty"`
	SpeechText string `json:"speech_text,omitempty"`
}

type EventKind string

const (
	KindInboundReceived   EventKind = "inbound_received"
	KindAIGreetingStarted EventKind = "ai_greeting_started"
	KindIntentDetected    EventKind = "intent_detected"
	KindPropertyResolved  EventKind = "property_resolved"
	KindInfoCollected     EventKind = "info_collected"
	KindActionExecuted    EventKind = "action_executed"
	KindTransferRequested EventKind = "transfer_requested"
	KindRingingStarted    EventKind = "ringing_started"
	KindTransferAnswered  EventKind = "transfer_answered"
	KindTransferFailed    EventKind = "transfer_failed"
	KindNoStaffAvailable  EventKind = "no_staff_available"
	KindEscalated         EventKind = "escalated"
	KindVoicemailRecorded EventKind = "voicemail_recorded"
	KindSpeechUpdate      EventKind = "speech_update"
	KindCallEnded         EventKind = "call_ended"
	KindCallerHangup      EventKind = "caller_hangup"
)

// Dedupable reports whether a second delivery of this kind for the same call
// is always a duplicate. Kinds that legitimately repeat (speech updates, the
// fallback retry loop around transfer routing) rely on the state machine's
// same-state short-circuit instead.
func (k EventKind) Dedupable() bool {
	switch k {
	case KindInboundReceived, KindTransferAnswered, KindVoicemailRecorded,
		KindCallEnded, KindCallerHangup:
		return true
	default:
		return false
	}
}

// SideEffect is an action the caller of Transition must execute. Keeping
// effects out of the transition function keeps it independently testable.
type SideEffect struct {
	Kind EffectKind `json:"kind"`

	// NotifyType/NotifyPayload describe a fan-out broadcast.
	NotifyType    string `json:"notify_type,omitempty"`
	NotifyPayload any    `json:"notify_payload,omitempty"`

	// TransferLocation and TransferReason carry the spoken location and
	// handover context for EffectRouteTransfer.
	TransferLocation string `json:"transfer_location,omitempty"`
	TransferReason   string `json:"transfer_reason,omitempty"`

	// Say is the spoken prompt for EffectSpeak.
	Say string `json:"say,omitempty"`
}

type EffectKind string

const (
	// EffectBroadcast pushes a notification to the account's subscribers.
	EffectBroadcast EffectKind = "broadcast"
	// EffectStartRelay opens the media relay for this session.
	EffectStartRelay EffectKind = "start_relay"
	// EffectStopRelay tears the media relay down.
	EffectStopRelay EffectKind = "stop_relay"
	// EffectRouteTransfer asks the transfer router to place the staff dial.
	EffectRouteTransfer EffectKind = "route_transfer"
	// EffectPromptVoicemail instructs the caller flow to offer voicemail.
	EffectPromptVoicemail EffectKind = "prompt_voicemail"
	// EffectRecordUsage writes the usage record for a finalized session.
	EffectRecordUsage EffectKind = "record_usage"
	// EffectSpeak plays a spoken prompt to the caller.
	EffectSpeak EffectKind = "speak"
)
