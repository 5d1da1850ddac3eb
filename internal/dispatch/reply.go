package dispatch

import "strings"

// Reply is a vendor's parsed SMS answer to a dispatch offer.
type Reply int

const (
	ReplyUnknown Reply = iota
	ReplyYes
	ReplyNo
)

// ParseReply classifies a raw SMS body. Vendors answer from the road; the
// grammar is forgiving on case, whitespace and trailing punctuation, but
// anything that is not clearly yes or no stays unknown and gets a
// clarification text instead of a guessed commitment.
func ParseReply(body string) Reply {
	norm := strings.ToLower(strings.TrimSpace(body))
	// Only the first word decides; "yes but not until 5pm" is still a yes.
	if i := strings.IndexAny(norm, " \t\n"); i > 0 {
		norm = norm[:i]
	}
	norm = strings.TrimRight(norm, ".!?,")
	switch norm {
	case "yes", "y", "yep", "yeah", "confirm", "accept", "ok", "okay":
		return ReplyYes
	case "no", "n", "nope", "decline", "cant", "can't", "pass":
		return ReplyNo
	default:
		return ReplyUnknown
	}
}
