package transfer

import (
	"time"

	"dispatchdesk/internal/directory"
)

// Decision is the router's verdict for one transfer request. It is data
// only: the telephony layer turns it into dial markup and the caller flow
// executes it.
type Decision struct {
	AccountID string `json:"account_id"`

	Action Action `json:"action"`

	// Location is the resolved office, when one was asked for and found.
	Location *directory.Location `json:"location,omitempty"`

	// Staff are the users to ring simultaneously when Action is ring.
	Staff []directory.User `json:"staff,omitempty"`

	// RingTimeout bounds the simultaneous dial before it counts as
	// unanswered.
	RingTimeout time.Duration `json:"ring_timeout,omitempty"`

	// ForwardNumber is the dial target when Action is forward.
	ForwardNumber string `json:"forward_number,omitempty"`

	// Whisper is spoken to the staff member who answers, before the legs
	// are bridged, so they know who is on the line.
	Whisper string `json:"whisper,omitempty"`

	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	// ActionRing dials every decision's staff member at once; first to
	// answer wins.
	ActionRing Action = "ring"
	// ActionForward sends the call to a location's after-hours number.
	ActionForward Action = "forward"
	// ActionVoicemail sends the caller to voicemail.
	ActionVoicemail Action = "voicemail"
)
