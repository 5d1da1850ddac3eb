package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"sort"
	"strings"
)

// ErrBadSignature means the X-Twilio-Signature header is missing or does not
// match the request body. Such requests must produce no side effects.
var ErrBadSignature = errors.New("telephony: invalid webhook signature")

// SignatureValidator checks Twilio's request signature: HMAC-SHA1 over the
// full request URL with every POST parameter appended in sorted key order,
// base64 encoded.
type SignatureValidator struct {
	authToken string

	// publicBaseURL reconstructs the URL Twilio signed; behind a proxy the
	// request's own Host/scheme are not what the provider saw.
	publicBaseURL string
}

func NewSignatureValidator(authToken, publicBaseURL string) *SignatureValidator {
	return &SignatureValidator{
		authToken:     authToken,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Validate verifies the signature on r. The request form must already be
// parsed. An empty auth token disables validation for local development.
func (v *SignatureValidator) Validate(r *http.Request) error {
	if v == nil || v.authToken == "" {
		return nil
	}
	header := r.Header.Get("X-Twilio-Signature")
	if header == "" {
		return ErrBadSignature
	}

	url := v.publicBaseURL + r.URL.RequestURI()
	expected := v.sign(url, r.PostForm)
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return ErrBadSignature
	}
	return nil
}

func (v *SignatureValidator) sign(url string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		for _, val := range form[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(v.authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
