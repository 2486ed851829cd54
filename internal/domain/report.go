package domain

import (
	"errors"
	"fmt"
)

// ErrMalformedReport is returned by PositionReport.Validate.
var ErrMalformedReport = errors.New("malformed position report")

// PositionReport is one raw exposure as reported by the exchange for one
// account. Several reports may describe the same (symbol, side).
type PositionReport struct {
	Account          string   // Sub-account label; merged reports list every source
	Accounts         []string // Sorted, de-duplicated source accounts (set by merges)
	Symbol           string
	Side             Side
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	Margin           float64
	UnrealizedPNL    float64
	Leverage         int
	MaintenanceCount int
	IsAnchor         bool
}

// Key returns the "SYMBOL:side" key of the report.
func (r PositionReport) Key() string {
	return PositionKey(r.Symbol, r.Side)
}

// ProfitRate returns unrealized PnL as a percentage of margin (0 if margin is 0).
func (r PositionReport) ProfitRate() float64 {
	return profitRate(r.UnrealizedPNL, r.Margin)
}

// Validate rejects reports that are missing required fields instead of
// silently defaulting them.
func (r PositionReport) Validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrMalformedReport)
	case !r.Side.Valid():
		return fmt.Errorf("%w: %s has unknown side %q", ErrMalformedReport, r.Symbol, r.Side)
	case r.Size <= 0:
		return fmt.Errorf("%w: %s size %v must be positive", ErrMalformedReport, r.Key(), r.Size)
	case r.EntryPrice <= 0:
		return fmt.Errorf("%w: %s entry price %v must be positive", ErrMalformedReport, r.Key(), r.EntryPrice)
	case r.MarkPrice <= 0:
		return fmt.Errorf("%w: %s mark price %v must be positive", ErrMalformedReport, r.Key(), r.MarkPrice)
	case r.Margin < 0:
		return fmt.Errorf("%w: %s margin %v is negative", ErrMalformedReport, r.Key(), r.Margin)
	case r.Leverage <= 0:
		return fmt.Errorf("%w: %s leverage %d must be positive", ErrMalformedReport, r.Key(), r.Leverage)
	case r.MaintenanceCount < 0:
		return fmt.Errorf("%w: %s maintenance count %d is negative", ErrMalformedReport, r.Key(), r.MaintenanceCount)
	}
	return nil
}

// ToPosition builds an untracked Position from the report.
func (r PositionReport) ToPosition() *Position {
	p := &Position{
		Symbol:   r.Symbol,
		Side:     r.Side,
		State:    StateOpen,
		Tier:     TierNone,
		IsAnchor: r.IsAnchor,
	}
	p.ApplyReport(r)
	return p
}
