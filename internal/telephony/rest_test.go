package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dispatchdesk/internal/config"
	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/transfer"
)

type capturedRequest struct {
	path string
	form map[string]string
	user string
}

func newCapturingClient(t *testing.T, status int) (*RestClient, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		captured.path = r.URL.Path
		captured.form = map[string]string{}
		for k := range r.PostForm {
			captured.form[k] = r.PostFormValue(k)
		}
		captured.user, _, _ = r.BasicAuth()
		w.WriteHeader(status)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := NewRestClient(config.TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "token",
		SMSFrom:    "+15550001234",
	}, "https://dispatch.example.com")
	c.baseURL = srv.URL
	return c, captured
}

func TestRedirectToTransfer(t *testing.T) {
	c, captured := newCapturingClient(t, http.StatusOK)

	d := transfer.Decision{
		Action:      transfer.ActionRing,
		RingTimeout: 30 * time.Second,
		Staff:       []directory.User{{ID: "u1", DirectLine: "+15550002222"}},
		Whisper:     "Incoming transfer from +15551230000.",
	}
	if err := c.RedirectToTransfer(context.Background(), "acct-1", "CA100", d); err != nil {
		t.Fatalf("RedirectToTransfer: %v", err)
	}

	if captured.path != "/2010-04-01/Accounts/AC123/Calls/CA100.json" {
		t.Fatalf("path = %q", captured.path)
	}
	if captured.user != "AC123" {
		t.Fatalf("basic auth user = %q", captured.user)
	}
	markup := captured.form["Twiml"]
	if !strings.Contains(markup, "+15550002222") {
		t.Fatalf("dial markup missing staff number:\n%s", markup)
	}
	if !strings.Contains(markup, "/webhooks/twilio/dial-status") {
		t.Fatalf("dial markup missing action callback:\n%s", markup)
	}
	if !strings.Contains(markup, "whisper?text=Incoming+transfer") {
		t.Fatalf("dial markup missing whisper url:\n%s", markup)
	}
}

func TestRedirectToVoicemail(t *testing.T) {
	c, captured := newCapturingClient(t, http.StatusOK)

	if err := c.RedirectToVoicemail(context.Background(), "acct-1", "CA100"); err != nil {
		t.Fatalf("RedirectToVoicemail: %v", err)
	}
	if !strings.Contains(captured.form["Twiml"], "<Record") {
		t.Fatalf("markup missing Record:\n%s", captured.form["Twiml"])
	}
}

func TestSendSMS(t *testing.T) {
	c, captured := newCapturingClient(t, http.StatusCreated)

	if err := c.SendSMS(context.Background(), "acct-1", "+15557770000", "Reply YES to accept."); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if captured.path != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Fatalf("path = %q", captured.path)
	}
	if captured.form["To"] != "+15557770000" || captured.form["From"] != "+15550001234" {
		t.Fatalf("unexpected form: %+v", captured.form)
	}
	if captured.form["Body"] != "Reply YES to accept." {
		t.Fatalf("Body = %q", captured.form["Body"])
	}
}

func TestProviderErrorSurfaces(t *testing.T) {
	c, _ := newCapturingClient(t, http.StatusUnauthorized)

	if err := c.RedirectToVoicemail(context.Background(), "acct-1", "CA100"); err == nil {
		t.Fatal("want error on provider 401")
	}
}

func TestSendSMSRequiresFromNumber(t *testing.T) {
	c := NewRestClient(config.TwilioConfig{AccountSID: "AC123", AuthToken: "t"}, "https://x")
	if err := c.SendSMS(context.Background(), "acct-1", "+15557770000", "hi"); err == nil {
		t.Fatal("want error without configured sender number")
	}
}
