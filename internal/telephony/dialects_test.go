package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestVoiceDialectParse(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("From", "+1 (555) 123-0000")
	form.Set("To", "+15559990000")

	r := httptest.NewRequest("POST", "/webhooks/twilio/voice", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	call, err := VoiceDialect{}.Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if call.ProviderCallID != "CA100" {
		t.Fatalf("ProviderCallID = %q", call.ProviderCallID)
	}
	if call.From != "+15551230000" {
		t.Fatalf("From = %q, want normalized", call.From)
	}
	if call.Intent != "" {
		t.Fatalf("Intent = %q, want empty", call.Intent)
	}
}

func TestVoiceDialectRequiresCallSid(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhooks/twilio/voice", strings.NewReader("From=%2B15551230000"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := (VoiceDialect{}).Parse(r); err == nil {
		t.Fatal("want error for missing CallSid")
	}
}

func TestIVRDialectMapsDigits(t *testing.T) {
	cases := []struct {
		digits string
		want   string
	}{
		{"1", "maintenance_request"},
		{"2", "leasing_inquiry"},
		{"3", "speak_to_human"},
		{"9", ""},
		{"", ""},
	}
	for _, tc := range cases {
		form := url.Values{}
		form.Set("CallSid", "CA200")
		form.Set("Digits", tc.digits)

		r := httptest.NewRequest("POST", "/webhooks/twilio/ivr", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		call, err := IVRDialect{}.Parse(r)
		if err != nil {
			t.Fatalf("digits %q: %v", tc.digits, err)
		}
		if call.Intent != tc.want {
			t.Fatalf("digits %q: Intent = %q, want %q", tc.digits, call.Intent, tc.want)
		}
	}
}

func TestIVRDialectPromptsMenuWithoutDigits(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA200")

	r := httptest.NewRequest("POST", "/webhooks/twilio/ivr", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	call, err := IVRDialect{}.Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !call.PromptMenu {
		t.Fatal("want PromptMenu when Digits is absent")
	}
}

func TestAgentDialectParse(t *testing.T) {
	body := `{"call_id":"AG300","from":"+15551230000","to":"+15559990000","intent":"maintenance_request"}`
	r := httptest.NewRequest("POST", "/webhooks/agent/call", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	call, err := AgentDialect{}.Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if call.ProviderCallID != "AG300" || call.Intent != "maintenance_request" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestAgentDialectRejectsBadJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhooks/agent/call", strings.NewReader("{not json"))
	if _, err := (AgentDialect{}).Parse(r); err == nil {
		t.Fatal("want decode error")
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-0000": "+15551230000",
		"555.123.0000":      "5551230000",
		"  +15551230000 ":   "+15551230000",
		"":                  "",
	}
	for in, want := range cases {
		if got := normalizePhone(in); got != want {
			t.Fatalf("normalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapDialOutcome(t *testing.T) {
	cases := []struct {
		status   string
		outcome  string
		answered bool
	}{
		{"completed", "completed", true},
		{"busy", "busy", false},
		{"no-answer", "no-answer", false},
		{"canceled", "canceled", false},
		{"failed", "failed", false},
		{"something-else", "failed", false},
	}
	for _, tc := range cases {
		outcome, answered := mapDialOutcome(tc.status)
		if outcome != tc.outcome || answered != tc.answered {
			t.Fatalf("mapDialOutcome(%q) = (%q, %v), want (%q, %v)",
				tc.status, outcome, answered, tc.outcome, tc.answered)
		}
	}
}
