// Package transfer decides how a live call reaches a human: which office
// the caller meant, which staff to ring, and what happens when nobody can
// take the call. The router only returns decisions; placing the dial and
// mutating session state stay with the caller.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchdesk/internal/directory"
)

const defaultRingTimeout = 30 * time.Second

// ErrAmbiguousLocation means the spoken name partially matched more than
// one office. The AI agent should ask the caller to clarify rather than
// guess.
var ErrAmbiguousLocation = errors.New("transfer: spoken location matches multiple offices")

type Router struct {
	Directory directory.Store

	// RingTimeout overrides the default simultaneous-dial bound.
	RingTimeout time.Duration

	// Now is injected for deterministic after-hours tests.
	Now func() time.Time
}

func NewRouter(dir directory.Store, ringTimeout time.Duration) *Router {
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}
	return &Router{Directory: dir, RingTimeout: ringTimeout, Now: time.Now}
}

type RouteInput struct {
	AccountID string

	// SpokenLocation is what the caller asked for, verbatim. Empty means
	// "any available person".
	SpokenLocation string

	CallerNumber string
	CallerName   string
	Intent       string
	Trade        string
	Severity     string

	// Reason is the AI agent's one-line account of why it is handing the
	// call over, spoken to the answering staff member.
	Reason  string
	Summary string
}

// Route resolves the location, applies its after-hours policy, and selects
// the staff to ring. Zero reachable staff is not an error: the decision
// says voicemail and the caller flow takes it from there.
func (r *Router) Route(ctx context.Context, in RouteInput) (Decision, error) {
	if in.AccountID == "" {
		return Decision{}, errors.New("transfer: account_id required")
	}

	var loc *directory.Location
	if in.SpokenLocation != "" {
		locations, err := r.Directory.ListLocations(ctx, in.AccountID)
		if err != nil {
			return Decision{}, fmt.Errorf("transfer: list locations: %w", err)
		}
		found, err := ResolveLocation(locations, in.SpokenLocation)
		if err != nil {
			return Decision{}, err
		}
		loc = found
	}

	d := Decision{AccountID: in.AccountID, Location: loc}

	if loc != nil && !loc.Open(r.Now()) {
		switch loc.AfterHoursMode {
		case directory.AfterHoursForward:
			if loc.ForwardNumber != "" {
				d.Action = ActionForward
				d.ForwardNumber = loc.ForwardNumber
				d.Reason = "after_hours_forward"
				return d, nil
			}
			// Misconfigured forward falls through to voicemail.
			d.Action = ActionVoicemail
			d.Reason = "after_hours_no_forward_number"
			return d, nil
		case directory.AfterHoursRingAnyway:
			// Proceed to staff selection.
		default:
			d.Action = ActionVoicemail
			d.Reason = "after_hours"
			return d, nil
		}
	}

	users, err := r.Directory.ListUsers(ctx, in.AccountID)
	if err != nil {
		return Decision{}, fmt.Errorf("transfer: list users: %w", err)
	}
	staff := eligibleStaff(users, loc)
	if len(staff) == 0 {
		d.Action = ActionVoicemail
		d.Reason = "no_staff_available"
		return d, nil
	}

	d.Action = ActionRing
	d.Staff = staff
	d.RingTimeout = r.RingTimeout
	d.Whisper = BuildWhisper(in, loc)
	return d, nil
}

// eligibleStaff keeps users who are available, have a direct line, and
// cover the requested location.
func eligibleStaff(users []directory.User, loc *directory.Location) []directory.User {
	var out []directory.User
	for _, u := range users {
		if !u.Reachable() {
			continue
		}
		if loc != nil && !u.AnswersFor(loc.ID) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ResolveLocation maps a caller's spoken office name to a directory entry.
//
// Matching, strictest first:
//  1. case-insensitive exact match on name or alias
//  2. containment either way between the spoken text and a name or alias
//
// Nothing fuzzier. A containment tie across different offices is
// ErrAmbiguousLocation; no match at all returns nil.
func ResolveLocation(locations []directory.Location, spoken string) (*directory.Location, error) {
	want := normalize(spoken)
	if want == "" {
		return nil, nil
	}

	for i := range locations {
		for _, name := range namesOf(locations[i]) {
			if name == want {
				return &locations[i], nil
			}
		}
	}

	var match *directory.Location
	for i := range locations {
		hit := false
		for _, name := range namesOf(locations[i]) {
			if strings.Contains(name, want) || strings.Contains(want, name) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if match != nil {
			return nil, ErrAmbiguousLocation
		}
		match = &locations[i]
	}
	return match, nil
}

func namesOf(loc directory.Location) []string {
	names := []string{normalize(loc.Name)}
	for _, a := range loc.Aliases {
		names = append(names, normalize(a))
	}
	return names
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// BuildWhisper composes the context line played to the answering staff
// member before the bridge.
func BuildWhisper(in RouteInput, loc *directory.Location) string {
	var b strings.Builder
	b.WriteString("Incoming transfer")
	caller := in.CallerName
	if caller == "" {
		caller = in.CallerNumber
	}
	if caller != "" {
		b.WriteString(" from ")
		b.WriteString(caller)
	}
	if loc != nil {
		b.WriteString(" for ")
		b.WriteString(loc.Name)
	}
	if in.Trade != "" {
		b.WriteString(". Issue: ")
		b.WriteString(in.Trade)
		if in.Severity != "" {
			b.WriteString(", ")
			b.WriteString(in.Severity)
		}
	} else if in.Intent != "" {
		b.WriteString(". Intent: ")
		b.WriteString(in.Intent)
	}
	if in.Reason != "" {
		b.WriteString(". Reason: ")
		b.WriteString(in.Reason)
	}
	if in.Summary != "" {
		b.WriteString(". ")
		b.WriteString(in.Summary)
	}
	b.WriteString(".")
	return b.String()
}
