// Package classifier maps free-text issue descriptions to a maintenance
// trade and severity. It is deterministic keyword matching, not a model
// call: the AI agent supplies the description and this package supplies a
// consistent label for routing and reporting.
package classifier

import "strings"

type Result struct {
	Trade      string  `json:"trade"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
}

const (
	TradePlumbing   = "plumbing"
	TradeElectrical = "electrical"
	TradeHVAC       = "hvac"
	TradeAppliance  = "appliance"
	TradeLocksmith  = "locksmith"
	TradePest       = "pest_control"
	TradeGeneral    = "general"
)

const (
	SeverityEmergency = "emergency"
	SeverityUrgent    = "urgent"
	SeverityRoutine   = "routine"
)

// tradeKeywords orders more specific trades first; the first trade with a
// keyword hit wins and the hit count drives confidence.
var tradeKeywords = []struct {
	trade string
	words []string
}{
	{TradePlumbing, []string{"leak", "leaking", "pipe", "toilet", "faucet", "drain", "clog", "sewage", "water heater", "sink", "flood"}},
	{TradeElectrical, []string{"outlet", "breaker", "sparks", "wiring", "electrical", "power out", "light switch", "fuse"}},
	{TradeHVAC, []string{"heat", "heater", "heating", "furnace", "ac ", "a/c", "air condition", "thermostat", "hvac", "cooling"}},
	{TradeAppliance, []string{"fridge", "refrigerator", "dishwasher", "oven", "stove", "washer", "dryer", "microwave", "garbage disposal"}},
	{TradeLocksmith, []string{"locked out", "lock", "key", "deadbolt", "door won't"}},
	{TradePest, []string{"roach", "rodent", "mice", "mouse", "rat", "ants", "bed bug", "pest", "termite", "wasp"}},
}

// emergencyKeywords force SeverityEmergency regardless of trade.
var emergencyKeywords = []string{
	"gas", "smoke", "fire", "flood", "flooding", "burst", "sewage",
	"sparks", "carbon monoxide", "no heat", "no power", "emergency",
	"water everywhere", "ceiling collaps",
}

var urgentKeywords = []string{
	"no hot water", "not working", "broken", "won't turn on", "locked out",
	"leak", "overflowing", "urgent", "asap", "today",
}

// Classify labels a caller's issue description. Empty or unrecognized text
// falls back to the general trade at routine severity with low confidence.
func Classify(text string) Result {
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return Result{Trade: TradeGeneral, Severity: SeverityRoutine, Confidence: 0}
	}

	trade := TradeGeneral
	hits := 0
	for _, tk := range tradeKeywords {
		n := countHits(norm, tk.words)
		if n > hits {
			trade = tk.trade
			hits = n
		}
	}

	severity := SeverityRoutine
	if countHits(norm, urgentKeywords) > 0 {
		severity = SeverityUrgent
	}
	if countHits(norm, emergencyKeywords) > 0 {
		severity = SeverityEmergency
	}

	return Result{Trade: trade, Severity: severity, Confidence: confidence(hits)}
}

func countHits(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func confidence(hits int) float64 {
	switch {
	case hits >= 3:
		return 0.95
	case hits == 2:
		return 0.85
	case hits == 1:
		return 0.7
	default:
		return 0.3
	}
}
