package classifier

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		trade    string
		severity string
	}{
		{"burst pipe", "there is a burst pipe and water everywhere", TradePlumbing, SeverityEmergency},
		{"dripping faucet", "the kitchen faucet keeps dripping and the drain is slow", TradePlumbing, SeverityRoutine},
		{"toilet leak", "my toilet has a leak", TradePlumbing, SeverityUrgent},
		{"sparks", "the outlet is making sparks", TradeElectrical, SeverityEmergency},
		{"breaker", "the breaker keeps tripping", TradeElectrical, SeverityRoutine},
		{"no heat", "the furnace died and we have no heat", TradeHVAC, SeverityEmergency},
		{"thermostat", "thermostat display is blank", TradeHVAC, SeverityRoutine},
		{"fridge", "the refrigerator stopped running and food is spoiling", TradeAppliance, SeverityRoutine},
		{"dryer broken", "the dryer is broken", TradeAppliance, SeverityUrgent},
		{"lockout", "I'm locked out of my apartment", TradeLocksmith, SeverityUrgent},
		{"roaches", "I keep seeing roach after roach in the kitchen", TradePest, SeverityRoutine},
		{"gas smell", "I smell gas in the hallway", TradeGeneral, SeverityEmergency},
		{"vague", "something is off in the unit", TradeGeneral, SeverityRoutine},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.text)
			if got.Trade != tc.trade {
				t.Fatalf("trade: got %q want %q", got.Trade, tc.trade)
			}
			if got.Severity != tc.severity {
				t.Fatalf("severity: got %q want %q", got.Severity, tc.severity)
			}
		})
	}
}

func TestClassifyEmpty(t *testing.T) {
	got := Classify("   ")
	if got.Trade != TradeGeneral || got.Severity != SeverityRoutine || got.Confidence != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyConfidenceGrowsWithHits(t *testing.T) {
	one := Classify("the sink is acting up")
	many := Classify("the sink faucet has a leak and the drain is clogged")
	if one.Trade != TradePlumbing || many.Trade != TradePlumbing {
		t.Fatalf("trades: %q / %q", one.Trade, many.Trade)
	}
	if many.Confidence <= one.Confidence {
		t.Fatalf("confidence did not grow: %v vs %v", one.Confidence, many.Confidence)
	}
}
