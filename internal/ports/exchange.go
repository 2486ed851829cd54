package ports

import (
	"context"
	"time"

	"anchorBot/internal/domain"
)

// OrderRequest describes an order sent to the exchange gateway.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	PositionSide  domain.Side // Exposure the order belongs to (hedge mode)
	Size          float64
	Type          domain.OrderType
	Price         float64 // Limit orders only
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	Price         float64   // Price of the order (might be 0 for market orders initially)
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string    // Order type (e.g., MARKET, LIMIT)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// Filled reports whether the response positively confirms a fill.
func (r *OrderResponse) Filled() bool {
	if r == nil {
		return false
	}
	return r.ExecutedQty > 0 || r.Status == "FILLED"
}

// ExchangeGateway abstracts the exchange. Every call is synchronous and
// bounded by the caller's context deadline.
type ExchangeGateway interface {
	// GetPositions returns every open exposure, or only those of symbol when it is non-empty.
	GetPositions(ctx context.Context, symbol string) ([]domain.PositionReport, error)

	// GetPrice retrieves the current mark price for a given symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetAvailableBalance retrieves the capital available for new margin in asset (e.g., "USDT").
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)

	// PlaceOrder places an order and returns the exchange's response.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// ClosePosition closes the whole exposure of symbol/side.
	ClosePosition(ctx context.Context, symbol string, marginMode domain.MarginMode, side domain.Side) (*OrderResponse, error)

	// SetLeverage sets the leverage used for new orders on symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetServerTime synchronizes the client clock with the exchange.
	SetServerTime(ctx context.Context) error

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error
}
