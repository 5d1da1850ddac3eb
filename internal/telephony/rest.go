package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dispatchdesk/internal/config"
	"dispatchdesk/internal/transfer"
)

const twilioAPIBase = "https://api.twilio.com"

// RestClient drives live calls and vendor texts through Twilio's REST API.
// It implements the orchestrator's Dialer and the dispatch tracker's
// SMSSender.
type RestClient struct {
	accountSID string
	authToken  string
	smsFrom    string

	// baseURL is overridable for tests.
	baseURL string

	// publicBaseURL builds the callback action URLs embedded in redirect
	// markup.
	publicBaseURL string

	httpClient *http.Client
}

func NewRestClient(cfg config.TwilioConfig, publicBaseURL string) *RestClient {
	return &RestClient{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		smsFrom:       cfg.SMSFrom,
		baseURL:       twilioAPIBase,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// RedirectToTransfer replaces the live call's instructions with dial markup
// for the routing decision. The AI relay leg drops when the provider
// executes the redirect.
func (c *RestClient) RedirectToTransfer(ctx context.Context, accountID, providerCallID string, d transfer.Decision) error {
	markup := TransferTwiML(d,
		c.publicBaseURL+"/webhooks/twilio/dial-status",
		c.publicBaseURL+"/webhooks/twilio/whisper?text="+url.QueryEscape(d.Whisper),
	)
	return c.updateCall(ctx, providerCallID, markup)
}

// RedirectToVoicemail sends the live call to the voicemail prompt.
func (c *RestClient) RedirectToVoicemail(ctx context.Context, accountID, providerCallID string) error {
	markup := VoicemailTwiML("", c.publicBaseURL+"/webhooks/twilio/recording")
	return c.updateCall(ctx, providerCallID, markup)
}

// SendSMS delivers a dispatch text to a vendor.
func (c *RestClient) SendSMS(ctx context.Context, accountID, to, body string) error {
	if c.smsFrom == "" {
		return fmt.Errorf("telephony: no SMS sender number configured")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.smsFrom)
	form.Set("Body", body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	return c.post(ctx, endpoint, form)
}

func (c *RestClient) updateCall(ctx context.Context, providerCallID, markup string) error {
	form := url.Values{}
	form.Set("Twiml", markup)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, providerCallID)
	return c.post(ctx, endpoint, form)
}

func (c *RestClient) post(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("telephony: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
