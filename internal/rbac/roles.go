package rbac

// Role names. Keep these stable; they are part of the dashboard token
// contract.
const (
	// RoleAdmin manages the account: numbers, vendors, billing.
	RoleAdmin = "admin"
	// RoleManager runs a location: incidents, escalations, usage.
	RoleManager = "manager"
	// RoleDispatcher takes transfers and works the incident queue.
	RoleDispatcher = "dispatcher"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
