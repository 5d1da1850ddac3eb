package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/relay"
	"dispatchdesk/internal/session"
	"dispatchdesk/internal/transfer"
)

type stubSubmitter struct {
	events []session.Event
	sess   session.CallSession
	err    error
}

func (s *stubSubmitter) Submit(_ context.Context, ev session.Event) (session.CallSession, error) {
	s.events = append(s.events, ev)
	if s.err != nil {
		return session.CallSession{}, s.err
	}
	return s.sess, nil
}

type stubReserver struct {
	err   error
	calls int
}

func (s *stubReserver) Reserve(context.Context, string) error {
	s.calls++
	return s.err
}

type stubTracker struct {
	accountID string
	from      string
	body      string
	reply     string
	err       error
}

func (s *stubTracker) HandleReply(_ context.Context, accountID, from, body string) (string, error) {
	s.accountID, s.from, s.body = accountID, from, body
	return s.reply, s.err
}

type handlerFixture struct {
	submitter *stubSubmitter
	reserver  *stubReserver
	tracker   *stubTracker
	sessions  *session.MemoryStore
	dir       *directory.MemoryStore
	router    *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		submitter: &stubSubmitter{sess: session.CallSession{ID: "sess-1", AccountID: "acct-1"}},
		reserver:  &stubReserver{},
		tracker:   &stubTracker{reply: "Got it, thank you!"},
		sessions:  session.NewMemoryStore(),
		dir:       directory.NewMemoryStore(),
	}
	h := &WebhookHandlers{
		Calls:   f.submitter,
		Relay:   f.reserver,
		Tracker: f.tracker,
		Accounts: StaticNumberMap{
			"+15559990000": "acct-1",
		},
		Sessions:  f.sessions,
		Transfers: transfer.NewRouter(f.dir, 30*time.Second),
		Sig:       NewSignatureValidator("", "https://dispatch.example.com"),
		StreamURL: func(id string) string { return "wss://dispatch.example.com/media/" + id },
		Now:       func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
	f.router = gin.New()
	h.Register(f.router.Group("/webhooks"))
	return f
}

func (f *handlerFixture) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// seedAgentSession puts a live mid-call session and a staffed office in
// place for the agent gateway tests.
func (f *handlerFixture) seedAgentSession(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	err := f.sessions.Create(ctx, session.CallSession{
		ID:             "sess-1",
		AccountID:      "acct-1",
		ProviderCallID: "CA100",
		CallerNumber:   "+15551230000",
		State:          session.StateAIInfoCollection,
		Trade:          "hvac",
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	_ = f.dir.PutLocation(ctx, directory.Location{ID: "loc-1", AccountID: "acct-1", Name: "Oak Ridge"})
	_ = f.dir.PutLocation(ctx, directory.Location{ID: "loc-2", AccountID: "acct-1", Name: "North Office"})
	_ = f.dir.PutUser(ctx, directory.User{
		ID: "user-1", AccountID: "acct-1", Name: "Ava",
		DirectLine: "+15557770001", Available: true,
	})
}

func (f *handlerFixture) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestInboundVoiceConnectsStream(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("From", "+15551230000")
	form.Set("To", "+15559990000")

	w := f.postForm(t, "/webhooks/twilio/voice", form)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "wss://dispatch.example.com/media/sess-1") {
		t.Fatalf("missing stream url:\n%s", w.Body.String())
	}

	if len(f.submitter.events) != 1 {
		t.Fatalf("submitted %d events", len(f.submitter.events))
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindInboundReceived || ev.AccountID != "acct-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.From != "+15551230000" || ev.ProviderCallID != "CA100" {
		t.Fatalf("unexpected event fields: %+v", ev)
	}
	if f.reserver.calls != 1 {
		t.Fatalf("Reserve called %d times", f.reserver.calls)
	}
}

func TestInboundVoiceAtCapacity(t *testing.T) {
	f := newHandlerFixture(t)
	f.reserver.err = relay.ErrAccountAtCapacity

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("To", "+15559990000")

	w := f.postForm(t, "/webhooks/twilio/voice", form)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lines are busy") {
		t.Fatalf("want apology markup:\n%s", w.Body.String())
	}
	if len(f.submitter.events) != 0 {
		t.Fatal("no session should be created at capacity")
	}
}

func TestInboundVoiceUnknownNumberRejects(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("To", "+15550000001")

	w := f.postForm(t, "/webhooks/twilio/voice", form)
	if !strings.Contains(w.Body.String(), "<Reject") {
		t.Fatalf("want Reject markup:\n%s", w.Body.String())
	}
	if len(f.submitter.events) != 0 {
		t.Fatal("unknown number must not create a session")
	}
}

func TestInboundIVRCarriesIntent(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA200")
	form.Set("To", "+15559990000")
	form.Set("Digits", "1")

	if w := f.postForm(t, "/webhooks/twilio/ivr", form); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := f.submitter.events[0].Data.Intent; got != "maintenance_request" {
		t.Fatalf("Intent = %q", got)
	}
}

func TestInboundIVRWithoutDigitsPlaysMenu(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA200")
	form.Set("To", "+15559990000")

	w := f.postForm(t, "/webhooks/twilio/ivr", form)
	if !strings.Contains(w.Body.String(), "<Gather") {
		t.Fatalf("want menu markup:\n%s", w.Body.String())
	}
	if len(f.submitter.events) != 0 {
		t.Fatal("menu prompt must not create a session")
	}
}

func TestInboundAgentJSON(t *testing.T) {
	f := newHandlerFixture(t)

	body := `{"call_id":"AG300","from":"+15551230000","to":"+15559990000","intent":"speak_to_human"}`
	req := httptest.NewRequest("POST", "/webhooks/agent/call", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := f.submitter.events[0].Data.Intent; got != "speak_to_human" {
		t.Fatalf("Intent = %q", got)
	}
}

func TestDialStatusAnswered(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("DialCallStatus", "completed")
	form.Set("DialCallDuration", "42")

	w := f.postForm(t, "/webhooks/twilio/dial-status", form)
	if !strings.Contains(w.Body.String(), "<Hangup>") {
		t.Fatalf("want hangup after bridged leg:\n%s", w.Body.String())
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindTransferAnswered || ev.Data.DialDurationSeconds != 42 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDialStatusFailedPromptsVoicemail(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("DialCallStatus", "no-answer")

	w := f.postForm(t, "/webhooks/twilio/dial-status", form)
	if !strings.Contains(w.Body.String(), "<Record") {
		t.Fatalf("want voicemail markup:\n%s", w.Body.String())
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindTransferFailed || ev.Data.DialOutcome != "no-answer" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRecordingCallback(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("RecordingUrl", "https://api.twilio.com/recordings/RE1")
	form.Set("RecordingDuration", "17")

	w := f.postForm(t, "/webhooks/twilio/recording", form)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindVoicemailRecorded {
		t.Fatalf("Kind = %q", ev.Kind)
	}
	if ev.Data.RecordingReference != "https://api.twilio.com/recordings/RE1" || ev.Data.DurationSeconds != 17 {
		t.Fatalf("unexpected data: %+v", ev.Data)
	}
}

func TestCallStatusCompleted(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("CallStatus", "completed")
	form.Set("CallDuration", "180")

	w := f.postForm(t, "/webhooks/twilio/status", form)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindCallEnded || ev.Data.DurationSeconds != 180 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCallStatusProgressIgnored(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("CallStatus", "in-progress")

	f.postForm(t, "/webhooks/twilio/status", form)
	if len(f.submitter.events) != 0 {
		t.Fatal("progress statuses must not submit events")
	}
}

func TestCallStatusUnknownSessionTolerated(t *testing.T) {
	f := newHandlerFixture(t)
	f.submitter.err = session.ErrUnknownSession

	form := url.Values{}
	form.Set("CallSid", "CA-ghost")
	form.Set("CallStatus", "completed")

	w := f.postForm(t, "/webhooks/twilio/status", form)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, unknown sessions should not error the provider", w.Code)
	}
}

func TestSMSReply(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("From", "+1 (555) 777-0000")
	form.Set("To", "+15559990000")
	form.Set("Body", "YES")

	w := f.postForm(t, "/webhooks/twilio/sms", form)
	if !strings.Contains(w.Body.String(), "<Message>Got it, thank you!</Message>") {
		t.Fatalf("want reply markup:\n%s", w.Body.String())
	}
	if f.tracker.accountID != "acct-1" || f.tracker.from != "+15557770000" || f.tracker.body != "YES" {
		t.Fatalf("unexpected tracker call: %+v", f.tracker)
	}
}

func TestSMSReplyUnknownSenderEmptyResponse(t *testing.T) {
	f := newHandlerFixture(t)
	f.tracker.err = errors.New("unknown sender")

	form := url.Values{}
	form.Set("From", "+15550009999")
	form.Set("To", "+15559990000")
	form.Set("Body", "YES")

	w := f.postForm(t, "/webhooks/twilio/sms", form)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "<Message>") {
		t.Fatalf("unknown sender must get no reply body:\n%s", w.Body.String())
	}
}

func TestWhisperEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest("GET", "/webhooks/twilio/whisper?text=Incoming+transfer+from+Oak+Ridge", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "<Say>Incoming transfer from Oak Ridge</Say>") {
		t.Fatalf("want whisper markup:\n%s", w.Body.String())
	}
}

func TestSignatureRejectionHasNoSideEffects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	submitter := &stubSubmitter{sess: session.CallSession{ID: "sess-1"}}
	h := &WebhookHandlers{
		Calls:     submitter,
		Relay:     &stubReserver{},
		Tracker:   &stubTracker{},
		Accounts:  StaticNumberMap{"+15559990000": "acct-1"},
		Sig:       NewSignatureValidator("real-token", "https://dispatch.example.com"),
		StreamURL: func(id string) string { return "wss://x/" + id },
	}
	router := gin.New()
	h.Register(router.Group("/webhooks"))

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("To", "+15559990000")

	req := httptest.NewRequest("POST", "/webhooks/twilio/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if len(submitter.events) != 0 {
		t.Fatal("forged request must leave no trace")
	}
}

func TestAgentTransferRequest(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedAgentSession(t)

	w := f.postJSON(t, "/webhooks/agent/transfer", `{
		"call_session_id": "sess-1",
		"location_name": "oak ridge",
		"caller_context": {"name": "Maria Lopez", "reason": "wants the office manager", "urgency": "high"}
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Success      bool   `json:"success"`
		LocationName string `json:"location_name"`
		StaffCount   int    `json:"staff_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.LocationName != "Oak Ridge" || resp.StaffCount != 1 {
		t.Fatalf("got %+v", resp)
	}

	if len(f.submitter.events) != 1 {
		t.Fatalf("submitted %d events", len(f.submitter.events))
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindTransferRequested || ev.ProviderCallID != "CA100" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Data.CallerName != "Maria Lopez" || ev.Data.TransferReason != "wants the office manager" || ev.Data.Severity != "high" {
		t.Fatalf("caller context dropped: %+v", ev.Data)
	}
}

func TestAgentTransferAmbiguousLocationListsOffices(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedAgentSession(t)
	_ = f.dir.PutLocation(context.Background(), directory.Location{
		ID: "loc-3", AccountID: "acct-1", Name: "Oak Hollow",
	})

	w := f.postJSON(t, "/webhooks/agent/transfer", `{"call_session_id": "sess-1", "location_name": "oak"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Success            bool     `json:"success"`
		Error              string   `json:"error"`
		AvailableLocations []string `json:"available_locations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("got %+v", resp)
	}
	if len(resp.AvailableLocations) != 3 {
		t.Fatalf("offices: %+v", resp.AvailableLocations)
	}
	if len(f.submitter.events) != 0 {
		t.Fatalf("ambiguous request must not submit events: %+v", f.submitter.events)
	}
}

func TestAgentTransferUnknownLocationListsOffices(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedAgentSession(t)

	w := f.postJSON(t, "/webhooks/agent/transfer", `{"call_session_id": "sess-1", "location_name": "madeup plaza"}`)

	var resp struct {
		Success            bool     `json:"success"`
		AvailableLocations []string `json:"available_locations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || len(resp.AvailableLocations) != 2 {
		t.Fatalf("got %+v", resp)
	}
}

func TestAgentTransferUnknownSession(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.postJSON(t, "/webhooks/agent/transfer", `{"call_session_id": "nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAgentCallEnded(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedAgentSession(t)

	w := f.postJSON(t, "/webhooks/agent/call-ended", `{
		"call_session_id": "sess-1",
		"outcome": "dispatched",
		"transcript": "caller: the heat is out",
		"summary": "No heat in 4B, plumber dispatched."
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	if len(f.submitter.events) != 1 {
		t.Fatalf("submitted %d events", len(f.submitter.events))
	}
	ev := f.submitter.events[0]
	if ev.Kind != session.KindCallEnded || ev.ProviderCallID != "CA100" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Data.Outcome != session.OutcomeDispatched || ev.Data.Summary == "" || ev.Data.Transcript == "" {
		t.Fatalf("wrap-up dropped: %+v", ev.Data)
	}
}

func TestAgentCallEndedByProviderCallID(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedAgentSession(t)

	w := f.postJSON(t, "/webhooks/agent/call-ended", `{"provider_call_id": "CA100", "outcome": "ai_resolved"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(f.submitter.events) != 1 || f.submitter.events[0].Data.Outcome != session.OutcomeAIResolved {
		t.Fatalf("events: %+v", f.submitter.events)
	}
}
