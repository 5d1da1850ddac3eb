package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// InboundCall is the canonical shape of an inbound-call webhook, whatever
// dialect it arrived in. Handlers turn it into the session creation event.
type InboundCall struct {
	ProviderCallID string
	From           string
	To             string

	// Intent is pre-classified by dialects that carry one (IVR keypresses,
	// agent gateways). Empty means the AI conversation discovers it.
	Intent string

	// PromptMenu is set when an IVR caller has not pressed anything yet;
	// the handler answers with the keypress menu instead of a session.
	PromptMenu bool
}

// Dialect parses one provider webhook shape into an InboundCall. The request
// body/form is consumed by Parse.
type Dialect interface {
	Name() string
	Parse(r *http.Request) (InboundCall, error)
}

// VoiceDialect handles native Twilio voice webhooks: form-encoded, the call
// goes straight to the AI relay.
type VoiceDialect struct{}

func (VoiceDialect) Name() string { return "twilio_voice" }

func (VoiceDialect) Parse(r *http.Request) (InboundCall, error) {
	if err := r.ParseForm(); err != nil {
		return InboundCall{}, fmt.Errorf("telephony: parse voice form: %w", err)
	}
	call := InboundCall{
		ProviderCallID: strings.TrimSpace(r.PostFormValue("CallSid")),
		From:           normalizePhone(r.PostFormValue("From")),
		To:             normalizePhone(r.PostFormValue("To")),
	}
	if call.ProviderCallID == "" {
		return InboundCall{}, errors.New("telephony: voice webhook missing CallSid")
	}
	return call, nil
}

// IVRDialect handles calls arriving from a legacy phone-tree front end. The
// keypress that escaped the tree is carried as Digits and mapped to an
// intent so the conversation can skip the greeting question.
type IVRDialect struct{}

func (IVRDialect) Name() string { return "legacy_ivr" }

func (IVRDialect) Parse(r *http.Request) (InboundCall, error) {
	if err := r.ParseForm(); err != nil {
		return InboundCall{}, fmt.Errorf("telephony: parse ivr form: %w", err)
	}
	call := InboundCall{
		ProviderCallID: strings.TrimSpace(r.PostFormValue("CallSid")),
		From:           normalizePhone(r.PostFormValue("From")),
		To:             normalizePhone(r.PostFormValue("To")),
		Intent:         ivrIntent(r.PostFormValue("Digits")),
	}
	if _, chose := r.PostForm["Digits"]; !chose {
		call.PromptMenu = true
	}
	if call.ProviderCallID == "" {
		return InboundCall{}, errors.New("telephony: ivr webhook missing CallSid")
	}
	return call, nil
}

func ivrIntent(digits string) string {
	switch strings.TrimSpace(digits) {
	case "1":
		return "maintenance_request"
	case "2":
		return "leasing_inquiry"
	case "3":
		return "speak_to_human"
	default:
		return ""
	}
}

// AgentDialect handles JSON posts from an agent-assist gateway that already
// knows the caller's intent.
type AgentDialect struct{}

func (AgentDialect) Name() string { return "agent_gateway" }

func (AgentDialect) Parse(r *http.Request) (InboundCall, error) {
	defer r.Body.Close()
	var payload struct {
		CallID string `json:"call_id"`
		From   string `json:"from"`
		To     string `json:"to"`
		Intent string `json:"intent"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&payload); err != nil {
		return InboundCall{}, fmt.Errorf("telephony: decode agent payload: %w", err)
	}
	if payload.CallID == "" {
		return InboundCall{}, errors.New("telephony: agent payload missing call_id")
	}
	return InboundCall{
		ProviderCallID: payload.CallID,
		From:           normalizePhone(payload.From),
		To:             normalizePhone(payload.To),
		Intent:         strings.TrimSpace(payload.Intent),
	}, nil
}

// normalizePhone strips formatting noise so numbers compare by digits.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mapDialOutcome translates Twilio's DialCallStatus into the session
// machine's dial outcome vocabulary. The second return reports whether the
// transfer leg was answered.
func mapDialOutcome(dialCallStatus string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(dialCallStatus)) {
	case "completed", "answered":
		return "completed", true
	case "busy":
		return "busy", false
	case "no-answer":
		return "no-answer", false
	case "canceled":
		return "canceled", false
	default:
		return "failed", false
	}
}
