package risk

import (
	"errors"
	"math"
	"strings"
	"testing"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

func TestPositionSizer(t *testing.T) {
	sizer, err := NewPositionSizer(TierTable{
		domain.TierSmall: {OpenPercent: 0.02, AddPercent: 0.02, MaxCount: 5},
		domain.TierLarge: {OpenPercent: 0.10, AddPercent: 0.10, MaxCount: 3},
	})
	if err != nil {
		t.Fatalf("Expected no error creating sizer, got %v", err)
	}

	// Test open size calculation
	size, err := sizer.ComputeOpenSize(1000, domain.TierLarge, 50)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	expected := 1000 * 0.10 / 50
	if math.Abs(size-expected) > 1e-12 {
		t.Errorf("Expected open size %f, got %f", expected, size)
	}

	// Test insufficient capital
	_, err = sizer.ComputeOpenSize(0, domain.TierLarge, 50)
	if !errors.Is(err, ports.ErrInsufficientCapital) {
		t.Errorf("Expected ErrInsufficientCapital, got %v", err)
	}
	_, err = sizer.ComputeOpenSize(-5, domain.TierSmall, 50)
	if !errors.Is(err, ports.ErrInsufficientCapital) {
		t.Errorf("Expected ErrInsufficientCapital for negative capital, got %v", err)
	}

	// Test unknown tier and bad price
	if _, err = sizer.ComputeOpenSize(1000, domain.TierMedium, 50); err == nil {
		t.Error("Expected error for unconfigured tier")
	}
	if _, err = sizer.ComputeOpenSize(1000, domain.TierSmall, 0); err == nil {
		t.Error("Expected error for zero price")
	}
}

func TestPositionSizerCanOpen(t *testing.T) {
	sizer, err := NewPositionSizer(TierTable{
		domain.TierLarge: {OpenPercent: 0.10, MaxCount: 3},
	})
	if err != nil {
		t.Fatalf("Expected no error creating sizer, got %v", err)
	}

	ok, reason := sizer.CanOpen(domain.TierLarge, map[domain.Tier]int{domain.TierLarge: 2})
	if !ok {
		t.Errorf("Expected room in tier, got refusal: %s", reason)
	}

	ok, reason = sizer.CanOpen(domain.TierLarge, map[domain.Tier]int{domain.TierLarge: 3})
	if ok {
		t.Error("Expected refusal at tier limit")
	}
	if reason != "tier 'large' already at limit 3/3" {
		t.Errorf("Unexpected refusal reason: %q", reason)
	}

	ok, reason = sizer.CanOpen(domain.TierSmall, nil)
	if ok || !strings.Contains(reason, "not configured") {
		t.Errorf("Expected refusal for unknown tier, got ok=%v reason=%q", ok, reason)
	}
}

func TestPositionSizerCanAfford(t *testing.T) {
	sizer, err := NewPositionSizer(DefaultTierTable())
	if err != nil {
		t.Fatalf("Expected no error creating sizer, got %v", err)
	}

	if err := sizer.CanAfford(100, 10, 1, 10); err != nil {
		t.Errorf("Expected 1.0 margin to be affordable, got %v", err)
	}
	if err := sizer.CanAfford(0.5, 10, 1, 10); !errors.Is(err, ports.ErrInsufficientCapital) {
		t.Errorf("Expected ErrInsufficientCapital, got %v", err)
	}
}

func TestTierTableValidate(t *testing.T) {
	if err := DefaultTierTable().Validate(); err != nil {
		t.Errorf("Expected default table to be valid, got %v", err)
	}
	if err := (TierTable{}).Validate(); err == nil {
		t.Error("Expected error for empty table")
	}
	bad := TierTable{domain.TierSmall: {OpenPercent: 1.5, MaxCount: 1}}
	if _, err := NewPositionSizer(bad); !errors.Is(err, ports.ErrConfigurationError) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
