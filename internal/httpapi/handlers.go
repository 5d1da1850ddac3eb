package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"dispatchdesk/internal/auth"
	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/incident"
	"dispatchdesk/internal/notify"
	"dispatchdesk/internal/session"
	"dispatchdesk/internal/usage"

	"github.com/gin-gonic/gin"
)

// Broadcaster pushes a dashboard event to every subscriber of an account.
type Broadcaster interface {
	Broadcast(accountID, eventType string, payload any)
}

// Handlers groups the dashboard HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Sessions  session.Store
	Incidents *incident.Service
	Directory directory.Store
	Usage     *usage.Recorder
	Notify    Broadcaster
}

const defaultListLimit = 50

// --- Auth ---

type loginRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

// Login issues a dashboard token.
//
// Credential validation lives in the identity provider in front of this
// service; this endpoint only mints tokens for already-verified identities.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.AccountID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, account_id, role required"})
		return
	}
	token, err := h.Auth.IssueDashboardToken(time.Now(), req.UserID, req.AccountID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// --- Sessions ---

func (h Handlers) ListSessions(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())
	limit := queryLimit(c)

	sessions, err := h.Sessions.ListByAccount(c.Request.Context(), accountID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h Handlers) GetSession(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil || sess.AccountID != accountID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// --- Incidents ---

func (h Handlers) ListIncidents(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	incidents, err := h.Incidents.Store().ListByAccount(c.Request.Context(), accountID, queryLimit(c))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

func (h Handlers) GetIncident(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())
	id := c.Param("incident_id")

	inc, err := h.Incidents.Store().Get(c.Request.Context(), accountID, id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	history, err := h.Incidents.History(c.Request.Context(), accountID, id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": inc, "history": history})
}

func (h Handlers) ResolveIncident(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())
	userID, _ := auth.UserID(c.Request.Context())

	inc, err := h.Incidents.Resolve(c.Request.Context(), accountID, c.Param("incident_id"), userID)
	switch {
	case errors.Is(err, incident.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	case errors.Is(err, incident.ErrStatusConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "incident already resolved"})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "resolve failed"})
		return
	}
	if h.Notify != nil {
		h.Notify.Broadcast(accountID, notify.EventIncidentUpdated, inc)
	}
	c.JSON(http.StatusOK, inc)
}

// --- Users ---

type availabilityRequest struct {
	Available *bool `json:"available"`
}

// SetAvailability flips a user's on-call toggle and broadcasts the change so
// open dashboards update their rosters.
func (h Handlers) SetAvailability(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "available required"})
		return
	}

	user, err := h.Directory.SetUserAvailability(c.Request.Context(), accountID, c.Param("user_id"), *req.Available)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if h.Notify != nil {
		h.Notify.Broadcast(accountID, notify.EventUserAvailability, user)
	}
	c.JSON(http.StatusOK, user)
}

func (h Handlers) ListUsers(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	users, err := h.Directory.ListUsers(c.Request.Context(), accountID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// --- Directory ---

func (h Handlers) ListLocations(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	locations, err := h.Directory.ListLocations(c.Request.Context(), accountID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations})
}

func (h Handlers) ListVendors(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	vendors, err := h.Directory.ListVendors(c.Request.Context(), accountID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendors": vendors})
}

// --- Usage ---

func (h Handlers) UsageSummary(c *gin.Context) {
	accountID, _ := auth.AccountID(c.Request.Context())

	summary, err := h.Usage.Summarize(c.Request.Context(), accountID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func queryLimit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
