package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PositionState
		want     bool
	}{
		{StateNone, StateOpen, true},
		{StateNone, StateClosed, false},
		{StateOpen, StateMaintained, true},
		{StateOpen, StateClosing, true},
		{StateOpen, StateClosed, true},
		{StateMaintained, StateMaintained, true},
		{StateMaintained, StateClosed, true},
		{StateClosing, StateClosed, true},
		{StateClosing, StateMaintained, false},
		{StateClosing, StateOpen, false},
		{StateClosed, StateOpen, false},
		{StateClosed, StateClosed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPosition_TransitionTo(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: Long, State: StateClosed}
	err := p.TransitionTo(StateOpen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT:long")
	assert.Equal(t, StateClosed, p.State)

	p.State = StateOpen
	require.NoError(t, p.TransitionTo(StateMaintained))
	assert.Equal(t, StateMaintained, p.State)
}

func TestPosition_ProfitRateAndOpen(t *testing.T) {
	p := &Position{Margin: 10, UnrealizedPNL: -1.5, State: StateOpen}
	assert.InDelta(t, -15.0, p.ProfitRate(), 1e-12)
	assert.True(t, p.IsOpen())

	p.Margin = 0
	assert.Zero(t, p.ProfitRate())

	p.State = StateNone
	assert.False(t, p.IsOpen())
}

func TestPosition_CloneIsDeep(t *testing.T) {
	now := time.Now()
	p := &Position{Symbol: "ETHUSDT", LastMaintenanceAt: &now, ClosedAt: &now}
	c := p.Clone()
	later := now.Add(time.Hour)
	*c.LastMaintenanceAt = later
	*c.ClosedAt = later
	assert.Equal(t, now, *p.LastMaintenanceAt)
	assert.Equal(t, now, *p.ClosedAt)
}

func TestPosition_ApplyReport(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: Short, Leverage: 20, MaintenanceCount: 2, IsAnchor: true}
	p.ApplyReport(PositionReport{
		Symbol: "BTCUSDT", Side: Short, Size: 3, EntryPrice: 100, MarkPrice: 95,
		Margin: 30, UnrealizedPNL: 15, MaintenanceCount: 1,
	})
	assert.Equal(t, 3.0, p.Size)
	assert.Equal(t, 95.0, p.MarkPrice)
	assert.Equal(t, 20, p.Leverage, "zero leverage keeps the stored value")
	assert.Equal(t, 2, p.MaintenanceCount, "count never goes down")
	assert.True(t, p.IsAnchor, "the anchor flag is engine-owned")
}

func TestPositionReport_Validate(t *testing.T) {
	valid := PositionReport{Symbol: "BTCUSDT", Side: Long, Size: 1, EntryPrice: 100, MarkPrice: 101, Margin: 10, Leverage: 10}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*PositionReport)
	}{
		{"empty symbol", func(r *PositionReport) { r.Symbol = "" }},
		{"unknown side", func(r *PositionReport) { r.Side = "both" }},
		{"zero size", func(r *PositionReport) { r.Size = 0 }},
		{"zero entry", func(r *PositionReport) { r.EntryPrice = 0 }},
		{"zero mark", func(r *PositionReport) { r.MarkPrice = 0 }},
		{"negative mark", func(r *PositionReport) { r.MarkPrice = -1 }},
		{"negative margin", func(r *PositionReport) { r.Margin = -1 }},
		{"missing leverage", func(r *PositionReport) { r.Leverage = 0 }},
		{"negative count", func(r *PositionReport) { r.MaintenanceCount = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			assert.True(t, errors.Is(err, ErrMalformedReport), "got %v", err)
		})
	}
}

func TestPositionReport_ToPosition(t *testing.T) {
	r := PositionReport{Symbol: "DOGEUSDT", Side: Short, Size: 100, EntryPrice: 0.1, Margin: 1, Leverage: 10, IsAnchor: true}
	p := r.ToPosition()
	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, TierNone, p.Tier)
	assert.True(t, p.IsAnchor)
	assert.Equal(t, 10, p.Leverage)
	assert.Equal(t, "DOGEUSDT:short", p.Key())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "dogeusdt:short:small:anchor", want: Target{Symbol: "DOGEUSDT", Side: Short, Tier: TierSmall, Anchor: true}},
		{in: " BTCUSDT:LONG:Large ", want: Target{Symbol: "BTCUSDT", Side: Long, Tier: TierLarge}},
		{in: "ETHUSDT:long:scalp", want: Target{Symbol: "ETHUSDT", Side: Long, Tier: "scalp"}},
		{in: "BTCUSDT:long", wantErr: true},
		{in: ":long:small", wantErr: true},
		{in: "BTCUSDT:up:small", wantErr: true},
		{in: "BTCUSDT:long:none", wantErr: true},
		{in: "BTCUSDT:long:small:pinned", wantErr: true},
		{in: "BTCUSDT:long:small:anchor:x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSideOrderSides(t *testing.T) {
	assert.Equal(t, Buy, Long.OpenOrderSide())
	assert.Equal(t, Sell, Long.CloseOrderSide())
	assert.Equal(t, Sell, Short.OpenOrderSide())
	assert.Equal(t, Buy, Short.CloseOrderSide())

	s, err := ParseSide("SHORT")
	require.NoError(t, err)
	assert.Equal(t, Short, s)
	_, err = ParseSide("flat")
	assert.Error(t, err)
}

func TestStrengthSnapshot_DisplayText(t *testing.T) {
	s := StrengthSnapshot{Advisory: "calm", Regime: Regime{Reason: "no accumulation"}}
	assert.Equal(t, "calm", s.DisplayText())
	assert.True(t, s.AnchorOpenAllowed())

	s.Regime = Regime{Accumulation: true, Reason: "accumulation/reversal"}
	assert.Equal(t, "accumulation/reversal", s.DisplayText())
	assert.False(t, s.AnchorOpenAllowed())
}
