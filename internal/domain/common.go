package domain

import "fmt"

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Side is the direction of an exposure.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ParseSide converts "long"/"short" (case-insensitive variants included) into a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "long", "LONG", "Long":
		return Long, nil
	case "short", "SHORT", "Short":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Valid reports whether s is long or short.
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// OpenOrderSide returns the order side that increases an exposure on s.
func (s Side) OpenOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// CloseOrderSide returns the order side that reduces an exposure on s.
func (s Side) CloseOrderSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// Tier is a capital-allocation bucket.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
	TierNone   Tier = "none" // adopted positions that were not opened by the engine
)

// OrderType is the execution style requested from the gateway.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// MarginMode is the exchange margin mode of a position.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCrossed  MarginMode = "crossed"
)

// CloseReason indicates why a position was (partially) closed.
type CloseReason string

const (
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonStopLoss    CloseReason = "SL"
	CloseReasonMaintenance CloseReason = "MAINTENANCE_REDUCE"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonForced      CloseReason = "FORCED"   // floor-exempt operator action
	CloseReasonExternal    CloseReason = "EXTERNAL" // closed outside the engine
	CloseReasonUnknown     CloseReason = "Unknown"
)
