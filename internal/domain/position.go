package domain

import (
	"fmt"
	"time"
)

// PositionState is the lifecycle state of a logical position.
type PositionState string

const (
	StateNone       PositionState = "none"
	StateOpen       PositionState = "open"
	StateMaintained PositionState = "maintained"
	StateClosing    PositionState = "closing"
	StateClosed     PositionState = "closed"
)

var transitions = map[PositionState][]PositionState{
	StateNone:       {StateOpen},
	StateOpen:       {StateMaintained, StateClosing, StateClosed},
	StateMaintained: {StateMaintained, StateClosing, StateClosed},
	StateClosing:    {StateClosing, StateClosed},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to PositionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Position represents one logical (symbol, side) exposure held by the engine.
type Position struct {
	ID            int64         // Unique identifier (from DB)
	Symbol        string        // Trading symbol (e.g., "ETHUSDT")
	Side          Side          // long or short
	State         PositionState // Lifecycle state
	Tier          Tier          // Capital tier the position was opened with
	Size          float64       // Contracts / base-asset quantity
	EntryPrice    float64       // Average entry price
	MarkPrice     float64       // Last known mark price
	Margin        float64       // Margin committed to the position
	UnrealizedPNL float64       // Unrealized profit/loss
	Leverage      int           // Leverage used for the position
	IsAnchor      bool          // Anchor positions are never fully closed by automation

	MaintenanceCount  int        // Number of maintenance adds performed
	LastMaintenanceAt *time.Time // nil until the first maintenance

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	CloseReason CloseReason
}

// Key returns the per-exposure key used for locks and lookups.
func (p *Position) Key() string {
	return PositionKey(p.Symbol, p.Side)
}

// PositionKey builds the "SYMBOL:side" key.
func PositionKey(symbol string, side Side) string {
	return symbol + ":" + string(side)
}

// ProfitRate returns unrealized PnL as a percentage of margin.
func (p *Position) ProfitRate() float64 {
	return profitRate(p.UnrealizedPNL, p.Margin)
}

// IsOpen reports whether the position still holds exposure.
func (p *Position) IsOpen() bool {
	return p.State != StateClosed && p.State != StateNone
}

// Clone returns a deep copy so callers can stage mutations.
func (p *Position) Clone() *Position {
	c := *p
	if p.LastMaintenanceAt != nil {
		t := *p.LastMaintenanceAt
		c.LastMaintenanceAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// TransitionTo moves the position to a new state if the lifecycle allows it.
func (p *Position) TransitionTo(to PositionState) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("position %s: transition %s -> %s not allowed", p.Key(), p.State, to)
	}
	p.State = to
	return nil
}

// ApplyReport copies exchange-authoritative fields from a gateway report.
func (p *Position) ApplyReport(r PositionReport) {
	p.Size = r.Size
	p.EntryPrice = r.EntryPrice
	p.MarkPrice = r.MarkPrice
	p.Margin = r.Margin
	p.UnrealizedPNL = r.UnrealizedPNL
	if r.Leverage > 0 {
		p.Leverage = r.Leverage
	}
	if r.MaintenanceCount > p.MaintenanceCount {
		p.MaintenanceCount = r.MaintenanceCount
	}
}

func profitRate(upl, margin float64) float64 {
	if margin == 0 {
		return 0
	}
	return upl / margin * 100
}
