package telephony

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dispatchdesk/internal/relay"
	"dispatchdesk/internal/session"
	"dispatchdesk/internal/transfer"
	"dispatchdesk/pkg/logger"
)

// CallSubmitter feeds canonical call events into the orchestrator.
type CallSubmitter interface {
	Submit(ctx context.Context, ev session.Event) (session.CallSession, error)
}

// CapReserver admits or refuses a new AI-relayed call for an account.
type CapReserver interface {
	Reserve(ctx context.Context, accountID string) error
}

// ReplyHandler processes a vendor's SMS answer to a dispatch offer and
// returns the text to send back.
type ReplyHandler interface {
	HandleReply(ctx context.Context, accountID, fromNumber, body string) (string, error)
}

// AccountResolver maps a dialed number to the tenant that owns it.
type AccountResolver interface {
	ResolveAccountByNumber(ctx context.Context, dialed string) (string, error)
}

// SessionLookup reads live sessions for the agent gateway endpoints. The
// session store satisfies this.
type SessionLookup interface {
	Get(ctx context.Context, id string) (session.CallSession, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (session.CallSession, error)
}

// ErrUnknownNumber means no account owns the dialed number.
var ErrUnknownNumber = errors.New("telephony: number not assigned to an account")

// StaticNumberMap resolves accounts from a fixed number inventory, keyed by
// normalized number.
type StaticNumberMap map[string]string

func (m StaticNumberMap) ResolveAccountByNumber(_ context.Context, dialed string) (string, error) {
	if id, ok := m[normalizePhone(dialed)]; ok {
		return id, nil
	}
	return "", ErrUnknownNumber
}

const (
	capacityApology = "We're sorry, all of our lines are busy right now. Please call back in a few minutes."
	inboundApology  = "We're sorry, we are unable to take your call right now. Please try again later."
)

// WebhookHandlers carries the wiring for every provider-facing endpoint.
type WebhookHandlers struct {
	Calls     CallSubmitter
	Relay     CapReserver
	Tracker   ReplyHandler
	Accounts  AccountResolver
	Sessions  SessionLookup
	Transfers *transfer.Router
	Sig       *SignatureValidator

	// StreamURL builds the media-stream websocket URL for a session.
	StreamURL func(sessionID string) string

	Now func() time.Time
}

func (h *WebhookHandlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Register mounts the webhook routes. The agent-gateway route posts JSON and
// is not covered by provider signatures; everything else is form-encoded and
// signature checked.
func (h *WebhookHandlers) Register(rg *gin.RouterGroup) {
	rg.POST("/twilio/voice", h.InboundVoice(VoiceDialect{}))
	rg.POST("/twilio/ivr", h.InboundVoice(IVRDialect{}))
	rg.POST("/agent/call", h.InboundVoice(AgentDialect{}))
	rg.POST("/agent/transfer", h.TransferRequest)
	rg.POST("/agent/call-ended", h.AgentCallEnded)
	rg.POST("/twilio/dial-status", h.DialStatus)
	rg.POST("/twilio/recording", h.Recording)
	rg.POST("/twilio/status", h.CallStatus)
	rg.POST("/twilio/sms", h.SMSReply)
	rg.GET("/twilio/whisper", h.Whisper)
	rg.POST("/twilio/whisper", h.Whisper)
}

// InboundVoice answers a new call: resolve the tenant from the dialed
// number, check the concurrent AI call cap, create the session, and attach
// the call's media to the relay.
func (h *WebhookHandlers) InboundVoice(d Dialect) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromGin(c).With("dialect", d.Name())

		if _, isAgent := d.(AgentDialect); !isAgent {
			if !h.verify(c) {
				return
			}
		}

		call, err := d.Parse(c.Request)
		if err != nil {
			log.Warn("inbound webhook rejected", "err", err)
			c.String(http.StatusBadRequest, "bad request")
			return
		}
		log = log.With("provider_call_id", call.ProviderCallID)

		if call.PromptMenu {
			h.respondTwiML(c, GatherMenuTwiML(h.callbackURL(c, c.Request.URL.Path)))
			return
		}

		accountID, err := h.Accounts.ResolveAccountByNumber(c.Request.Context(), call.To)
		if err != nil {
			log.Warn("dialed number not recognized", "to", call.To)
			h.respondTwiML(c, RejectTwiML())
			return
		}

		if err := h.Relay.Reserve(c.Request.Context(), accountID); err != nil {
			if errors.Is(err, relay.ErrAccountAtCapacity) {
				log.Info("call refused at capacity", "account_id", accountID)
				h.respondTwiML(c, SayHangupTwiML(capacityApology))
				return
			}
			log.Error("capacity check failed", "err", err)
			h.respondTwiML(c, SayHangupTwiML(inboundApology))
			return
		}

		ev := session.Event{
			ProviderCallID: call.ProviderCallID,
			Kind:           session.KindInboundReceived,
			AccountID:      accountID,
			From:           call.From,
			To:             call.To,
			At:             h.now(),
		}
		if call.Intent != "" {
			ev.Data.Intent = call.Intent
		}
		sess, err := h.Calls.Submit(c.Request.Context(), ev)
		if err != nil {
			log.Error("inbound session create failed", "err", err)
			h.respondTwiML(c, SayHangupTwiML(inboundApology))
			return
		}

		h.respondTwiML(c, ConnectStreamTwiML(h.StreamURL(sess.ID), map[string]string{
			"session_id": sess.ID,
		}))
	}
}

// DialStatus receives the outcome of a transfer dial.
func (h *WebhookHandlers) DialStatus(c *gin.Context) {
	if !h.verify(c) {
		return
	}
	log := logger.FromGin(c)

	providerCallID := strings.TrimSpace(c.Request.PostFormValue("CallSid"))
	outcome, answered := mapDialOutcome(c.Request.PostFormValue("DialCallStatus"))
	duration, _ := strconv.Atoi(c.Request.PostFormValue("DialCallDuration"))

	ev := session.Event{
		ProviderCallID: providerCallID,
		At:             h.now(),
	}
	if answered {
		ev.Kind = session.KindTransferAnswered
		ev.Data.DialDurationSeconds = duration
	} else {
		ev.Kind = session.KindTransferFailed
		ev.Data.DialOutcome = outcome
	}
	if _, err := h.Calls.Submit(c.Request.Context(), ev); err != nil && !errors.Is(err, session.ErrUnknownSession) {
		log.Error("dial status submit failed", "provider_call_id", providerCallID, "err", err)
	}

	if answered {
		// The dial action fires after the bridged leg ends.
		h.respondTwiML(c, GoodbyeTwiML())
		return
	}
	h.respondTwiML(c, VoicemailTwiML("", h.callbackURL(c, "/webhooks/twilio/recording")))
}

// Recording receives the finished voicemail recording reference.
func (h *WebhookHandlers) Recording(c *gin.Context) {
	if !h.verify(c) {
		return
	}
	log := logger.FromGin(c)

	providerCallID := strings.TrimSpace(c.Request.PostFormValue("CallSid"))
	duration, _ := strconv.Atoi(c.Request.PostFormValue("RecordingDuration"))

	ev := session.Event{
		ProviderCallID: providerCallID,
		Kind:           session.KindVoicemailRecorded,
		At:             h.now(),
	}
	ev.Data.RecordingReference = strings.TrimSpace(c.Request.PostFormValue("RecordingUrl"))
	ev.Data.DurationSeconds = duration

	if _, err := h.Calls.Submit(c.Request.Context(), ev); err != nil && !errors.Is(err, session.ErrUnknownSession) {
		log.Error("recording submit failed", "provider_call_id", providerCallID, "err", err)
	}
	h.respondTwiML(c, GoodbyeTwiML())
}

// CallStatus receives the provider's call lifecycle callback. A completed
// call ends the session; every other terminal status is an early hangup.
func (h *WebhookHandlers) CallStatus(c *gin.Context) {
	if !h.verify(c) {
		return
	}
	log := logger.FromGin(c)

	providerCallID := strings.TrimSpace(c.Request.PostFormValue("CallSid"))
	status := strings.ToLower(strings.TrimSpace(c.Request.PostFormValue("CallStatus")))

	var kind session.EventKind
	switch status {
	case "completed":
		kind = session.KindCallEnded
	case "busy", "failed", "no-answer", "canceled":
		kind = session.KindCallerHangup
	default:
		// Progress statuses (ringing, in-progress) carry no transition.
		c.Status(http.StatusNoContent)
		return
	}

	ev := session.Event{
		ProviderCallID: providerCallID,
		Kind:           kind,
		At:             h.now(),
	}
	if d, err := strconv.Atoi(c.Request.PostFormValue("CallDuration")); err == nil {
		ev.Data.DurationSeconds = d
	}
	if _, err := h.Calls.Submit(c.Request.Context(), ev); err != nil && !errors.Is(err, session.ErrUnknownSession) {
		log.Error("call status submit failed", "provider_call_id", providerCallID, "err", err)
	}
	c.Status(http.StatusNoContent)
}

// SMSReply receives a vendor's text answer to a dispatch offer.
func (h *WebhookHandlers) SMSReply(c *gin.Context) {
	if !h.verify(c) {
		return
	}
	log := logger.FromGin(c)

	from := c.Request.PostFormValue("From")
	to := c.Request.PostFormValue("To")
	body := c.Request.PostFormValue("Body")

	accountID, err := h.Accounts.ResolveAccountByNumber(c.Request.Context(), to)
	if err != nil {
		log.Warn("sms to unrecognized number", "to", normalizePhone(to))
		h.respondTwiML(c, EmptyTwiML())
		return
	}

	replyBody, err := h.Tracker.HandleReply(c.Request.Context(), accountID, normalizePhone(from), body)
	if err != nil {
		log.Warn("sms reply not handled", "err", err)
		h.respondTwiML(c, EmptyTwiML())
		return
	}
	h.respondTwiML(c, MessageTwiML(replyBody))
}

// Whisper plays the transfer context line to the staff member who answered.
func (h *WebhookHandlers) Whisper(c *gin.Context) {
	h.respondTwiML(c, WhisperTwiML(c.Query("text")))
}

// verify parses the form and checks the provider signature. A failed check
// answers 403 and must leave no trace in the system.
func (h *WebhookHandlers) verify(c *gin.Context) bool {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "bad request")
		return false
	}
	if err := h.Sig.Validate(c.Request); err != nil {
		logger.FromGin(c).Warn("webhook signature rejected", "path", c.Request.URL.Path)
		c.String(http.StatusForbidden, "invalid signature")
		return false
	}
	return true
}

func (h *WebhookHandlers) respondTwiML(c *gin.Context, body string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, body)
}

// callbackURL rebuilds an absolute callback URL from the validator's base.
func (h *WebhookHandlers) callbackURL(c *gin.Context, path string) string {
	if h.Sig != nil && h.Sig.publicBaseURL != "" {
		return h.Sig.publicBaseURL + path
	}
	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + path
}
