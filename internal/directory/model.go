// Package directory holds the tenant's routing entities: the physical
// office locations callers ask for, the staff users who can take a live
// transfer, and the maintenance vendors who take dispatch jobs. The call
// orchestration packages read from here; the dashboard writes to it.
package directory

import "time"

// Location is a property office callers can ask to be transferred to.
type Location struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	Name string `json:"name" db:"name"`
	// Aliases are alternate spoken names ("front desk", "leasing office").
	Aliases []string `json:"aliases,omitempty" db:"aliases"`

	Timezone string `json:"timezone,omitempty" db:"timezone"`

	// OpenHour/CloseHour bound the staffed window in the location's local
	// time; zero values mean always staffed.
	OpenHour  int `json:"open_hour" db:"open_hour"`
	CloseHour int `json:"close_hour" db:"close_hour"`

	// AfterHoursMode decides what a transfer attempt does outside the
	// staffed window.
	AfterHoursMode AfterHoursMode `json:"after_hours_mode" db:"after_hours_mode"`
	// ForwardNumber receives the call when AfterHoursMode is forward.
	ForwardNumber string `json:"forward_number,omitempty" db:"forward_number"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AfterHoursMode string

const (
	// AfterHoursVoicemail sends the caller to voicemail outside hours.
	AfterHoursVoicemail AfterHoursMode = "voicemail"
	// AfterHoursForward forwards to ForwardNumber outside hours.
	AfterHoursForward AfterHoursMode = "forward"
	// AfterHoursRingAnyway rings staff regardless of the clock.
	AfterHoursRingAnyway AfterHoursMode = "ring_anyway"
)

// Open reports whether the location is inside its staffed window at the
// given instant. Unset hours mean always open; an unparseable timezone
// falls back to UTC.
func (l Location) Open(at time.Time) bool {
	if l.OpenHour == 0 && l.CloseHour == 0 {
		return true
	}
	loc := time.UTC
	if l.Timezone != "" {
		if tz, err := time.LoadLocation(l.Timezone); err == nil {
			loc = tz
		}
	}
	h := at.In(loc).Hour()
	if l.OpenHour <= l.CloseHour {
		return h >= l.OpenHour && h < l.CloseHour
	}
	// Overnight window (e.g. 22-6).
	return h >= l.OpenHour || h < l.CloseHour
}

// Property is a managed building callers report issues for.
type Property struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	Name    string `json:"name" db:"name"`
	Address string `json:"address,omitempty" db:"address"`
	// Aliases are alternate spoken names for the building.
	Aliases []string `json:"aliases,omitempty" db:"aliases"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Unit is one rentable unit inside a property.
type Unit struct {
	ID         string `json:"id" db:"id"`
	AccountID  string `json:"account_id" db:"account_id"`
	PropertyID string `json:"property_id" db:"property_id"`

	// Label is the spoken unit designation ("4B", "101").
	Label string `json:"label" db:"label"`
}

// User is a staff member who may receive live call transfers.
type User struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	Name string `json:"name" db:"name"`
	Role string `json:"role,omitempty" db:"role"`

	// LocationIDs lists the locations this user answers for. Empty means
	// every location in the account.
	LocationIDs []string `json:"location_ids,omitempty" db:"location_ids"`

	// Available is the user's self-set toggle from the dashboard.
	Available bool `json:"available" db:"available"`

	// DirectLine is the E.164 number a transfer dials. A user with no
	// direct line can never be rung, available or not.
	DirectLine string `json:"direct_line,omitempty" db:"direct_line"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Reachable reports whether this user can receive a live transfer.
func (u User) Reachable() bool { return u.Available && u.DirectLine != "" }

// AnswersFor reports whether the user covers the given location.
func (u User) AnswersFor(locationID string) bool {
	if len(u.LocationIDs) == 0 {
		return true
	}
	for _, id := range u.LocationIDs {
		if id == locationID {
			return true
		}
	}
	return false
}

// Vendor is a maintenance contractor reachable over SMS for dispatch.
type Vendor struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	Name string `json:"name" db:"name"`
	// Trades lists the work this vendor takes (plumbing, hvac, ...).
	Trades []string `json:"trades,omitempty" db:"trades"`

	// SMSNumber receives dispatch offers and sends YES/NO replies.
	SMSNumber string `json:"sms_number" db:"sms_number"`

	// Priority breaks ties when several vendors cover a trade; lower
	// dispatches first.
	Priority int `json:"priority" db:"priority"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Covers reports whether the vendor handles the given trade. A vendor with
// no trades listed is a generalist and covers everything.
func (v Vendor) Covers(trade string) bool {
	if len(v.Trades) == 0 {
		return true
	}
	for _, t := range v.Trades {
		if t == trade {
			return true
		}
	}
	return false
}
