package telephony

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/session"
	"dispatchdesk/internal/transfer"
	"dispatchdesk/pkg/logger"
)

// The agent gateway endpoints speak JSON, not provider form posts. The AI
// agent calls them from inside the trusted network, so they carry no
// provider signature; session existence is the access check.

type callerContext struct {
	Name    string `json:"name,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Urgency string `json:"urgency,omitempty"`
}

type transferRequest struct {
	CallSessionID  string        `json:"call_session_id"`
	ProviderCallID string        `json:"provider_call_id"`
	LocationName   string        `json:"location_name"`
	CallerContext  callerContext `json:"caller_context"`
}

type transferResponse struct {
	Success            bool     `json:"success"`
	LocationName       string   `json:"location_name,omitempty"`
	StaffCount         int      `json:"staff_count,omitempty"`
	Error              string   `json:"error,omitempty"`
	AvailableLocations []string `json:"available_locations,omitempty"`
}

// TransferRequest hands a live call from the AI agent to a human. The
// location is resolved up front so a miss or an ambiguous name comes back
// with the account's office list and the agent can ask the caller to
// clarify instead of guessing.
func (h *WebhookHandlers) TransferRequest(c *gin.Context) {
	log := logger.FromGin(c)

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transferResponse{Error: "malformed request body"})
		return
	}
	sess, ok := h.lookupSession(c, req.CallSessionID, req.ProviderCallID)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var resolvedName string
	if req.LocationName != "" {
		locations, err := h.Transfers.Directory.ListLocations(ctx, sess.AccountID)
		if err != nil {
			log.Error("location list failed", "account_id", sess.AccountID, "err", err)
			c.JSON(http.StatusInternalServerError, transferResponse{Error: "location lookup failed"})
			return
		}
		loc, rerr := transfer.ResolveLocation(locations, req.LocationName)
		if rerr != nil || loc == nil {
			msg := "no office matches that name"
			if errors.Is(rerr, transfer.ErrAmbiguousLocation) {
				msg = "that name matches more than one office"
			}
			c.JSON(http.StatusOK, transferResponse{
				Error:              msg,
				AvailableLocations: locationNames(locations),
			})
			return
		}
		resolvedName = loc.Name
	}

	severity := sess.Severity
	if severity == "" {
		severity = req.CallerContext.Urgency
	}

	// Preview the routing decision for the response; the submitted event
	// drives the dial itself.
	decision, err := h.Transfers.Route(ctx, transfer.RouteInput{
		AccountID:      sess.AccountID,
		SpokenLocation: req.LocationName,
		CallerNumber:   sess.CallerNumber,
		CallerName:     req.CallerContext.Name,
		Intent:         sess.Intent,
		Trade:          sess.Trade,
		Severity:       severity,
		Reason:         req.CallerContext.Reason,
	})
	if err != nil {
		log.Error("transfer preview failed", "session_id", sess.ID, "err", err)
		c.JSON(http.StatusInternalServerError, transferResponse{Error: "transfer routing failed"})
		return
	}

	if _, err := h.Calls.Submit(ctx, session.Event{
		ProviderCallID: sess.ProviderCallID,
		Kind:           session.KindTransferRequested,
		At:             h.now(),
		Data: session.EventData{
			LocationName:   req.LocationName,
			CallerName:     req.CallerContext.Name,
			TransferReason: req.CallerContext.Reason,
			Severity:       req.CallerContext.Urgency,
		},
	}); err != nil {
		log.Error("transfer request submit failed", "session_id", sess.ID, "err", err)
		c.JSON(http.StatusInternalServerError, transferResponse{Error: "transfer failed"})
		return
	}

	c.JSON(http.StatusOK, transferResponse{
		Success:      true,
		LocationName: resolvedName,
		StaffCount:   len(decision.Staff),
	})
}

type callEndedRequest struct {
	CallSessionID  string `json:"call_session_id"`
	ProviderCallID string `json:"provider_call_id"`
	Outcome        string `json:"outcome"`
	Transcript     string `json:"transcript"`
	Summary        string `json:"summary"`
}

// AgentCallEnded records the AI agent's wrap-up: its outcome, the full
// transcript, and the call summary.
func (h *WebhookHandlers) AgentCallEnded(c *gin.Context) {
	log := logger.FromGin(c)

	var req callEndedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed request body"})
		return
	}
	sess, ok := h.lookupSession(c, req.CallSessionID, req.ProviderCallID)
	if !ok {
		return
	}

	if _, err := h.Calls.Submit(c.Request.Context(), session.Event{
		ProviderCallID: sess.ProviderCallID,
		Kind:           session.KindCallEnded,
		At:             h.now(),
		Data: session.EventData{
			Outcome:    session.Outcome(req.Outcome),
			Transcript: req.Transcript,
			Summary:    req.Summary,
		},
	}); err != nil {
		log.Error("agent call-ended submit failed", "session_id", sess.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "call end failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// lookupSession loads the session an agent request refers to, by session id
// when given, by provider call id otherwise.
func (h *WebhookHandlers) lookupSession(c *gin.Context, id, providerCallID string) (session.CallSession, bool) {
	ctx := c.Request.Context()
	var (
		sess session.CallSession
		err  error
	)
	switch {
	case id != "":
		sess, err = h.Sessions.Get(ctx, id)
	case providerCallID != "":
		sess, err = h.Sessions.GetByProviderCallID(ctx, providerCallID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "call_session_id or provider_call_id required"})
		return session.CallSession{}, false
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown call session"})
		return session.CallSession{}, false
	}
	return sess, true
}

func locationNames(locations []directory.Location) []string {
	names := make([]string, 0, len(locations))
	for _, loc := range locations {
		names = append(names, loc.Name)
	}
	return names
}
