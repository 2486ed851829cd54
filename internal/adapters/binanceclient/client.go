package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeGateway interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	account       string
	hedgeMode     bool
	defaultPrec   int32

	precMu    sync.Mutex
	precision map[string]int32 // quantity precision per symbol, loaded lazily
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey            string
	SecretKey         string
	UseTestnet        bool
	Account           string // Label put on every position report
	HedgeMode         bool   // Dual-side position mode: orders carry LONG/SHORT position sides
	QuantityPrecision int    // Fallback when exchange info is unavailable
	Logger            ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	account := cfg.Account
	if account == "" {
		account = "main"
	}
	prec := cfg.QuantityPrecision
	if prec < 0 {
		prec = 3
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		account:       account,
		hedgeMode:     cfg.HedgeMode,
		defaultPrec:   int32(prec),
		precision:     make(map[string]int32),
	}, nil
}

// classifyError maps an adapter error onto the ports taxonomy. API errors
// that are not retryable are also marked as gateway rejections.
func classifyError(err error) (mapped error, retryable bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // Too many requests / orders
			return ports.ErrRateLimited, true
		case -1001, -1007: // Disconnected / backend timeout
			return ports.ErrGatewayTimeout, true
		case -1021: // Timestamp for this request is outside of the recvWindow
			return ports.ErrGatewayTimeout, true
		case -1022, -2014, -2015: // Signature / API-key / permissions
			return ports.ErrAuthenticationFailed, false
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130,
			-4003, -4014, -4015, -4061: // Parameter/request format errors, position side mismatch
			return ports.ErrInvalidRequest, false
		case -2019, -3005, -4047: // Margin is insufficient
			return ports.ErrInsufficientCapital, false
		case -2022, -4044, -3041: // ReduceOnly rejected / position not found / position not sufficient
			return ports.ErrPositionNotFound, false
		default:
			return ports.ErrUnknown, false
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ports.ErrGatewayTimeout, true
	case errors.Is(err, context.Canceled):
		return ports.ErrContextCanceled, false
	case errors.As(err, &netErr) && netErr.Timeout():
		return ports.ErrGatewayTimeout, true
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		return ports.ErrConnectionFailed, true
	}
	return ports.ErrUnknown, false
}

// handleError translates Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
	}

	mapped, retryable := classifyError(err)
	fields["retryable"] = retryable
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)

	if apiErr != nil && !retryable {
		return fmt.Errorf("%s failed: %w: %w: %w", operation, ports.ErrGatewayRejected, mapped, err)
	}
	return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// GetPrice retrieves the current mark price for a given symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return 0, c.handleError(ctx, fmt.Errorf("no price data returned for symbol %s", symbol), op)
	}
	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %v", tickers[0].MarkPrice, err), op)
	}
	return price, nil
}

// GetAvailableBalance retrieves the balance available for new margin in asset.
func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAvailableBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, bal := range account.Assets {
		if bal.Asset != asset {
			continue
		}
		balance, err := strconv.ParseFloat(bal.AvailableBalance, 64)
		if err != nil {
			return 0, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, asset, err), op)
		}
		return balance, nil
	}
	return 0, c.handleError(ctx, fmt.Errorf("asset %s not found in account balance", asset), op)
}

// GetPositions returns every non-zero exposure, or only those of symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]domain.PositionReport, error) {
	op := "GetPositions"
	svc := c.futuresClient.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	positions, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	reports := make([]domain.PositionReport, 0, len(positions))
	for _, p := range positions {
		r, ok, err := translatePositionRisk(c.account, p)
		if err != nil {
			c.logger.Warn(ctx, op+": Skipping malformed position", map[string]interface{}{"symbol": p.Symbol, "error": err.Error()})
			continue
		}
		if ok {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

// PlaceOrder places a market or limit order.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	qty, err := c.formatQuantity(ctx, req.Symbol, req.Size)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %v", op, ports.ErrInvalidRequest, err)
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if c.hedgeMode {
		// Binance refuses reduceOnly in hedge mode; the position side already scopes the order.
		svc = svc.PositionSide(positionSideType(req.PositionSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("%s failed: %w: limit order without price", op, ports.ErrInvalidRequest)
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(decimal.NewFromFloat(req.Price).String())
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "positionSide": req.PositionSide, "quantity": qty,
		"orderID": resp.OrderID, "status": resp.Status, "avgPrice": resp.AvgPrice,
	})
	return resp, nil
}

// ClosePosition closes the whole exposure of symbol/side with a market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, marginMode domain.MarginMode, side domain.Side) (*ports.OrderResponse, error) {
	op := "ClosePosition"
	reports, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var size float64
	for _, r := range reports {
		if r.Side == side {
			size += r.Size
		}
	}
	if size <= 0 {
		return nil, fmt.Errorf("%s failed for %s: %w", op, domain.PositionKey(symbol, side), ports.ErrPositionNotFound)
	}
	c.logger.Info(ctx, op+": Closing full exposure", map[string]interface{}{
		"symbol": symbol, "side": side, "marginMode": marginMode, "size": size,
	})
	return c.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:       symbol,
		Side:         side.CloseOrderSide(),
		PositionSide: side,
		Size:         size,
		Type:         domain.OrderTypeMarket,
		ReduceOnly:   true,
	})
}

// formatQuantity truncates size to the symbol's quantity precision.
func (c *Client) formatQuantity(ctx context.Context, symbol string, size float64) (string, error) {
	return formatQuantity(size, c.quantityPrecision(ctx, symbol))
}

func (c *Client) quantityPrecision(ctx context.Context, symbol string) int32 {
	c.precMu.Lock()
	defer c.precMu.Unlock()
	if p, ok := c.precision[symbol]; ok {
		return p
	}
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		c.logger.Warn(ctx, "Exchange info unavailable, using default quantity precision", map[string]interface{}{
			"symbol": symbol, "precision": c.defaultPrec, "error": err.Error(),
		})
		return c.defaultPrec
	}
	for _, s := range info.Symbols {
		c.precision[s.Symbol] = int32(s.QuantityPrecision)
	}
	if p, ok := c.precision[symbol]; ok {
		return p
	}
	return c.defaultPrec
}

// --- Translation Helpers ---

func formatQuantity(size float64, precision int32) (string, error) {
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return "", fmt.Errorf("quantity %v must be positive", size)
	}
	q := decimal.NewFromFloat(size).Truncate(precision)
	if !q.IsPositive() {
		return "", fmt.Errorf("quantity %v rounds to zero at precision %d", size, precision)
	}
	return q.String(), nil
}

func positionSideType(side domain.Side) futures.PositionSideType {
	if side == domain.Short {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

// translatePositionRisk converts one position-risk row. ok is false for
// flat rows. Margin is the initial margin, entry notional over leverage.
func translatePositionRisk(account string, p *futures.PositionRisk) (r domain.PositionReport, ok bool, err error) {
	if p == nil {
		return r, false, errors.New("nil position risk")
	}
	amt, err := strconv.ParseFloat(p.PositionAmt, 64)
	if err != nil {
		return r, false, fmt.Errorf("parsing position amount '%s': %w", p.PositionAmt, err)
	}
	if amt == 0 {
		return r, false, nil
	}
	entry, err := strconv.ParseFloat(p.EntryPrice, 64)
	if err != nil {
		return r, false, fmt.Errorf("parsing entry price '%s': %w", p.EntryPrice, err)
	}
	mark, err := strconv.ParseFloat(p.MarkPrice, 64)
	if err != nil {
		return r, false, fmt.Errorf("parsing mark price '%s': %w", p.MarkPrice, err)
	}
	upl, err := strconv.ParseFloat(p.UnRealizedProfit, 64)
	if err != nil {
		return r, false, fmt.Errorf("parsing unrealized profit '%s': %w", p.UnRealizedProfit, err)
	}
	leverage, err := strconv.Atoi(p.Leverage)
	if err != nil {
		return r, false, fmt.Errorf("parsing leverage '%s': %w", p.Leverage, err)
	}

	var side domain.Side
	switch strings.ToUpper(p.PositionSide) {
	case "LONG":
		side = domain.Long
	case "SHORT":
		side = domain.Short
	default:
		side = domain.Long
		if amt < 0 {
			side = domain.Short
		}
	}

	size := math.Abs(amt)
	r = domain.PositionReport{
		Account:       account,
		Symbol:        p.Symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPNL: upl,
		Leverage:      leverage,
	}
	if leverage > 0 {
		r.Margin = decimal.NewFromFloat(size).
			Mul(decimal.NewFromFloat(entry)).
			Div(decimal.NewFromInt(int64(leverage))).
			InexactFloat64()
	}
	if err := r.Validate(); err != nil {
		return domain.PositionReport{}, false, err
	}
	return r, true, nil
}
