package domain

import (
	"fmt"
	"strings"
)

// Target is a position the engine keeps open: when no live row exists for
// its key, the evaluate task opens one.
type Target struct {
	Symbol string
	Side   Side
	Tier   Tier
	Anchor bool
}

// Key returns the "SYMBOL:side" key of the target.
func (t Target) Key() string {
	return PositionKey(t.Symbol, t.Side)
}

// ParseTarget parses "SYMBOL:side:tier[:anchor]", e.g. "DOGEUSDT:short:small:anchor".
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 3 || len(parts) > 4 {
		return Target{}, fmt.Errorf("target %q: want SYMBOL:side:tier[:anchor]", s)
	}
	symbol := strings.ToUpper(strings.TrimSpace(parts[0]))
	if symbol == "" {
		return Target{}, fmt.Errorf("target %q: empty symbol", s)
	}
	side, err := ParseSide(strings.TrimSpace(parts[1]))
	if err != nil {
		return Target{}, fmt.Errorf("target %q: %w", s, err)
	}
	tier := Tier(strings.ToLower(strings.TrimSpace(parts[2])))
	if tier == "" || tier == TierNone {
		return Target{}, fmt.Errorf("target %q: tier %q cannot be opened", s, parts[2])
	}
	t := Target{Symbol: symbol, Side: side, Tier: tier}
	if len(parts) == 4 {
		if strings.ToLower(strings.TrimSpace(parts[3])) != "anchor" {
			return Target{}, fmt.Errorf("target %q: unknown flag %q", s, parts[3])
		}
		t.Anchor = true
	}
	return t, nil
}
