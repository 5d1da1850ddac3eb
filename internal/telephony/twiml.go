package telephony

import (
	"bytes"
	"encoding/xml"
	"sort"

	"dispatchdesk/internal/transfer"
)

// TwiML rendering. Verbs are plain structs marshaled with encoding/xml so
// the markup we hand Twilio is always well formed, never string-spliced.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

type rejectVerb struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type dialVerb struct {
	XMLName  xml.Name     `xml:"Dial"`
	Action   string       `xml:"action,attr,omitempty"`
	Timeout  int          `xml:"timeout,attr,omitempty"`
	CallerID string       `xml:"callerId,attr,omitempty"`
	Numbers  []numberNoun `xml:"Number"`
}

type numberNoun struct {
	// URL plays whisper markup to the answering party before bridging.
	URL  string `xml:"url,attr,omitempty"`
	Text string `xml:",chardata"`
}

type gatherVerb struct {
	XMLName   xml.Name `xml:"Gather"`
	Action    string   `xml:"action,attr,omitempty"`
	Input     string   `xml:"input,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Say       *sayVerb `xml:"Say,omitempty"`
}

type recordVerb struct {
	XMLName   xml.Name `xml:"Record"`
	Action    string   `xml:"action,attr,omitempty"`
	MaxLength int      `xml:"maxLength,attr,omitempty"`
	PlayBeep  bool     `xml:"playBeep,attr"`
}

type connectVerb struct {
	XMLName xml.Name   `xml:"Connect"`
	Stream  streamNoun `xml:"Stream"`
}

type streamNoun struct {
	URL        string        `xml:"url,attr"`
	Parameters []streamParam `xml:"Parameter"`
}

type streamParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type messageVerb struct {
	XMLName xml.Name `xml:"Message"`
	Text    string   `xml:",chardata"`
}

func renderTwiML(verbs ...any) string {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	// Marshaling fixed struct shapes cannot fail; keep the error path anyway.
	if err := enc.Encode(twimlResponse{Verbs: verbs}); err != nil {
		return xml.Header + "<Response/>"
	}
	buf.WriteString("\n")
	return buf.String()
}

// ConnectStreamTwiML answers an inbound call by attaching its media to the
// relay websocket for the session.
func ConnectStreamTwiML(streamURL string, params map[string]string) string {
	stream := streamNoun{URL: streamURL}
	// Deterministic parameter order keeps the markup testable.
	for _, name := range sortedKeys(params) {
		stream.Parameters = append(stream.Parameters, streamParam{Name: name, Value: params[name]})
	}
	return renderTwiML(connectVerb{Stream: stream})
}

// SayHangupTwiML speaks one line and ends the call. Used for the
// over-capacity apology and for the model-unavailable path.
func SayHangupTwiML(text string) string {
	return renderTwiML(sayVerb{Text: text}, hangupVerb{})
}

// RejectTwiML declines a call without answering it.
func RejectTwiML() string {
	return renderTwiML(rejectVerb{Reason: "rejected"})
}

// TransferTwiML turns a routing decision into dial markup. Ring decisions
// dial every eligible staff line simultaneously; forward decisions dial the
// configured after-hours number. actionURL receives the dial outcome,
// whisperURL plays the context line to whoever answers.
func TransferTwiML(d transfer.Decision, actionURL, whisperURL string) string {
	timeout := int(d.RingTimeout.Seconds())
	dial := dialVerb{Action: actionURL, Timeout: timeout}
	switch d.Action {
	case transfer.ActionForward:
		dial.Numbers = []numberNoun{{Text: d.ForwardNumber}}
	default:
		for _, u := range d.Staff {
			dial.Numbers = append(dial.Numbers, numberNoun{URL: whisperURL, Text: u.DirectLine})
		}
	}
	return renderTwiML(
		sayVerb{Text: "Please hold while I connect you."},
		dial,
	)
}

// VoicemailTwiML prompts the caller and records a message, posting the
// recording reference to actionURL when done.
func VoicemailTwiML(prompt, actionURL string) string {
	if prompt == "" {
		prompt = "No one is available to take your call right now. Please leave a message after the tone."
	}
	return renderTwiML(
		sayVerb{Text: prompt},
		recordVerb{Action: actionURL, MaxLength: 120, PlayBeep: true},
		hangupVerb{},
	)
}

// GatherMenuTwiML plays the keypress menu to callers arriving through the
// phone-tree number before they have made a selection. The chosen digit
// posts back to actionURL.
func GatherMenuTwiML(actionURL string) string {
	return renderTwiML(
		gatherVerb{
			Action:    actionURL,
			Input:     "dtmf",
			NumDigits: 1,
			Timeout:   5,
			Say: &sayVerb{
				Text: "For a maintenance issue, press 1. For leasing, press 2. To speak with someone, press 3.",
			},
		},
		sayVerb{Text: "Sorry, we didn't get a selection. Goodbye."},
		hangupVerb{},
	)
}

// WhisperTwiML is played to the staff member who answers a transfer, before
// the legs are bridged.
func WhisperTwiML(text string) string {
	if text == "" {
		text = "Incoming transfer."
	}
	return renderTwiML(sayVerb{Text: text})
}

// GoodbyeTwiML thanks the caller and hangs up, after a voicemail or a
// completed transfer leg.
func GoodbyeTwiML() string {
	return renderTwiML(sayVerb{Text: "Thank you. Goodbye."}, hangupVerb{})
}

// MessageTwiML is the webhook reply body for an inbound SMS.
func MessageTwiML(body string) string {
	return renderTwiML(messageVerb{Text: body})
}

// EmptyTwiML acknowledges a webhook without instructing the call.
func EmptyTwiML() string {
	return xml.Header + "<Response></Response>\n"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
