package risk

import (
	"fmt"
	"sort"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// TierConfig holds the sizing parameters of one capital tier.
type TierConfig struct {
	OpenPercent float64 `toml:"open_percent"` // Share of available capital used to open, e.g. 0.05 for 5%
	AddPercent  float64 `toml:"add_percent"`  // Share of available capital reserved for adds
	MaxCount    int     `toml:"max_count"`    // Max simultaneously open positions in the tier
}

// TierTable maps a tier to its sizing parameters.
type TierTable map[domain.Tier]TierConfig

// DefaultTierTable returns the table used when no tier file is configured.
func DefaultTierTable() TierTable {
	return TierTable{
		domain.TierSmall:  {OpenPercent: 0.02, AddPercent: 0.02, MaxCount: 5},
		domain.TierMedium: {OpenPercent: 0.05, AddPercent: 0.05, MaxCount: 3},
		domain.TierLarge:  {OpenPercent: 0.10, AddPercent: 0.10, MaxCount: 2},
	}
}

// Validate checks every tier's percentages and limits.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		tc := t[domain.Tier(name)]
		if tc.OpenPercent <= 0 || tc.OpenPercent > 1 {
			return fmt.Errorf("tier '%s': open_percent %v must be in (0, 1]", name, tc.OpenPercent)
		}
		if tc.AddPercent < 0 || tc.AddPercent > 1 {
			return fmt.Errorf("tier '%s': add_percent %v must be in [0, 1]", name, tc.AddPercent)
		}
		if tc.MaxCount < 0 {
			return fmt.Errorf("tier '%s': max_count cannot be negative", name)
		}
	}
	return nil
}

// PositionSizer turns available capital and a tier into order sizes.
type PositionSizer struct {
	tiers TierTable
}

// NewPositionSizer creates a sizer over the given tier table.
func NewPositionSizer(tiers TierTable) (*PositionSizer, error) {
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
	}
	return &PositionSizer{tiers: tiers}, nil
}

// Tier returns the configuration of a tier.
func (s *PositionSizer) Tier(tier domain.Tier) (TierConfig, bool) {
	tc, ok := s.tiers[tier]
	return tc, ok
}

// ComputeOpenSize calculates size = available_capital * open_percent / price.
func (s *PositionSizer) ComputeOpenSize(availableCapital float64, tier domain.Tier, price float64) (float64, error) {
	if availableCapital <= 0 {
		return 0, fmt.Errorf("%w: available capital %.4f", ports.ErrInsufficientCapital, availableCapital)
	}
	tc, ok := s.tiers[tier]
	if !ok {
		return 0, fmt.Errorf("%w: unknown tier '%s'", ports.ErrInvalidRequest, tier)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: price %v must be positive", ports.ErrInvalidRequest, price)
	}
	return availableCapital * tc.OpenPercent / price, nil
}

// CanOpen enforces the per-tier limit on simultaneously open positions.
func (s *PositionSizer) CanOpen(tier domain.Tier, tierCounts map[domain.Tier]int) (bool, string) {
	tc, ok := s.tiers[tier]
	if !ok {
		return false, fmt.Sprintf("tier '%s' is not configured", tier)
	}
	open := tierCounts[tier]
	if open >= tc.MaxCount {
		return false, fmt.Sprintf("tier '%s' already at limit %d/%d", tier, open, tc.MaxCount)
	}
	return true, fmt.Sprintf("tier '%s' has room %d/%d", tier, open, tc.MaxCount)
}

// RequiredMargin is the margin needed to carry size at price and leverage.
func RequiredMargin(size, price float64, leverage int) float64 {
	if leverage <= 0 {
		return size * price
	}
	return size * price / float64(leverage)
}

// CanAfford checks that available capital covers the margin of an order.
func (s *PositionSizer) CanAfford(availableCapital, size, price float64, leverage int) error {
	need := RequiredMargin(size, price, leverage)
	if availableCapital <= 0 || need > availableCapital {
		return fmt.Errorf("%w: need %.4f margin, have %.4f", ports.ErrInsufficientCapital, need, availableCapital)
	}
	return nil
}
