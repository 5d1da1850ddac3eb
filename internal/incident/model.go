package incident

import "time"

// Incident is the service ticket created from a maintenance call. A call
// session creates at most one incident; the session row carries the link.
type Incident struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	SessionID string `json:"session_id" db:"session_id"`

	PropertyID   string `json:"property_id,omitempty" db:"property_id"`
	UnitID       string `json:"unit_id,omitempty" db:"unit_id"`
	CallerNumber string `json:"caller_number,omitempty" db:"caller_number"`

	Trade       string `json:"trade" db:"trade"`
	Severity    string `json:"severity" db:"severity"`
	Description string `json:"description,omitempty" db:"description"`

	Status Status `json:"status" db:"status"`

	// AssignedVendorID is set when a dispatch offer goes out and cleared if
	// the vendor declines.
	AssignedVendorID string `json:"assigned_vendor_id,omitempty" db:"assigned_vendor_id"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty" db:"escalated_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	// StatusNew is the state at creation, before any dispatch attempt.
	StatusNew Status = "new"
	// StatusDispatching means a vendor offer SMS is out, awaiting reply.
	StatusDispatching Status = "dispatching"
	// StatusInProgress means a vendor confirmed they will take the job.
	StatusInProgress Status = "in_progress"
	// StatusEscalated means no vendor confirmed in time (or one declined)
	// and a human must pick the incident up.
	StatusEscalated Status = "escalated"
	// StatusResolved is set from the dashboard when the work is done.
	StatusResolved Status = "resolved"
)

// LogEntry is one immutable line in an incident's history. Entries are
// append-only: no update or delete exists anywhere in this package.
type LogEntry struct {
	ID         string `json:"id" db:"id"`
	AccountID  string `json:"account_id" db:"account_id"`
	IncidentID string `json:"incident_id" db:"incident_id"`

	Kind LogKind `json:"kind" db:"kind"`

	// ActorID identifies who caused the entry: a vendor id, a user id, or
	// empty for system actions (timeouts).
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LogKind string

const (
	LogCreated      LogKind = "created"
	LogDispatchSent LogKind = "dispatch_sent"
	LogAcknowledged LogKind = "acknowledged"
	LogDeclined     LogKind = "declined"
	LogEscalated    LogKind = "escalated"
	LogResolved     LogKind = "resolved"
	LogLateAck      LogKind = "late_acknowledgment"
)
