package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      error
		retryable bool
	}{
		{"rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, ports.ErrRateLimited, true},
		{"recv window", &common.APIError{Code: -1021, Message: "Timestamp outside recvWindow"}, ports.ErrGatewayTimeout, true},
		{"bad signature", &common.APIError{Code: -1022, Message: "Signature invalid"}, ports.ErrAuthenticationFailed, false},
		{"bad api key", &common.APIError{Code: -2015, Message: "Invalid API-key"}, ports.ErrAuthenticationFailed, false},
		{"margin insufficient", &common.APIError{Code: -2019, Message: "Margin is insufficient"}, ports.ErrInsufficientCapital, false},
		{"bad parameter", &common.APIError{Code: -1111, Message: "Precision is over the maximum"}, ports.ErrInvalidRequest, false},
		{"reduce only rejected", &common.APIError{Code: -2022, Message: "ReduceOnly Order is rejected"}, ports.ErrPositionNotFound, false},
		{"unknown code", &common.APIError{Code: -9999, Message: "?"}, ports.ErrUnknown, false},
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), ports.ErrGatewayTimeout, true},
		{"canceled", context.Canceled, ports.ErrContextCanceled, false},
		{"refused", errors.New("dial tcp: connection refused"), ports.ErrConnectionFailed, true},
		{"other", errors.New("boom"), ports.ErrUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, retryable := classifyError(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestHandleError_MarksTerminalRejections(t *testing.T) {
	c := &Client{logger: &mockLogger{}}
	ctx := context.Background()

	err := c.handleError(ctx, &common.APIError{Code: -2019, Message: "Margin is insufficient"}, "PlaceOrder")
	assert.ErrorIs(t, err, ports.ErrGatewayRejected)
	assert.ErrorIs(t, err, ports.ErrInsufficientCapital)
	assert.False(t, ports.IsRetryable(err))

	err = c.handleError(ctx, &common.APIError{Code: -1003, Message: "Too many requests"}, "GetPrice")
	assert.NotErrorIs(t, err, ports.ErrGatewayRejected)
	assert.True(t, ports.IsRetryable(err))

	err = c.handleError(ctx, context.DeadlineExceeded, "GetPositions")
	assert.ErrorIs(t, err, ports.ErrGatewayTimeout)
	assert.True(t, ports.IsRetryable(err))

	assert.NoError(t, c.handleError(ctx, nil, "Ping"))
}

func TestTranslatePositionRisk(t *testing.T) {
	tests := []struct {
		name     string
		in       *futures.PositionRisk
		wantOK   bool
		wantErr  bool
		wantSide domain.Side
		wantSize float64
		wantMarg float64
	}{
		{
			name:     "one-way short from negative amount",
			in:       &futures.PositionRisk{Symbol: "DOGEUSDT", PositionAmt: "-108", EntryPrice: "0.0926", MarkPrice: "0.0933", UnRealizedProfit: "-0.0756", Leverage: "10", PositionSide: "BOTH"},
			wantOK:   true,
			wantSide: domain.Short,
			wantSize: 108,
			wantMarg: 1.00008,
		},
		{
			name:     "hedge mode long",
			in:       &futures.PositionRisk{Symbol: "BTCUSDT", PositionAmt: "0.010", EntryPrice: "60000", MarkPrice: "61000", UnRealizedProfit: "10", Leverage: "20", PositionSide: "LONG"},
			wantOK:   true,
			wantSide: domain.Long,
			wantSize: 0.01,
			wantMarg: 30,
		},
		{
			name:     "hedge mode short reported with negative amount",
			in:       &futures.PositionRisk{Symbol: "ETHUSDT", PositionAmt: "-2", EntryPrice: "3000", MarkPrice: "2900", UnRealizedProfit: "200", Leverage: "10", PositionSide: "SHORT"},
			wantOK:   true,
			wantSide: domain.Short,
			wantSize: 2,
			wantMarg: 600,
		},
		{
			name: "flat row is skipped",
			in:   &futures.PositionRisk{Symbol: "XRPUSDT", PositionAmt: "0", EntryPrice: "0", Leverage: "10", PositionSide: "BOTH"},
		},
		{
			name:    "unparseable amount",
			in:      &futures.PositionRisk{Symbol: "XRPUSDT", PositionAmt: "abc", Leverage: "10"},
			wantErr: true,
		},
		{
			name:    "zero entry price is malformed",
			in:      &futures.PositionRisk{Symbol: "XRPUSDT", PositionAmt: "5", EntryPrice: "0", Leverage: "10"},
			wantErr: true,
		},
		{
			name:    "unparseable unrealized profit",
			in:      &futures.PositionRisk{Symbol: "XRPUSDT", PositionAmt: "5", EntryPrice: "0.5", MarkPrice: "0.51", UnRealizedProfit: "garbage", Leverage: "10"},
			wantErr: true,
		},
		{
			name:    "unparseable mark price",
			in:      &futures.PositionRisk{Symbol: "XRPUSDT", PositionAmt: "5", EntryPrice: "0.5", MarkPrice: "n/a", UnRealizedProfit: "0.05", Leverage: "10"},
			wantErr: true,
		},
		{
			name:    "zero mark price is malformed",
			in:      &futures.PositionRisk{Symbol: "XRPUSDT", PositionAmt: "5", EntryPrice: "0.5", MarkPrice: "0", UnRealizedProfit: "0", Leverage: "10"},
			wantErr: true,
		},
		{
			name:    "nil row",
			in:      nil,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok, err := translatePositionRisk("main", tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, "main", r.Account)
			assert.Equal(t, tt.wantSide, r.Side)
			assert.InDelta(t, tt.wantSize, r.Size, 1e-12)
			assert.InDelta(t, tt.wantMarg, r.Margin, 1e-9)
		})
	}
}

func TestFormatQuantity(t *testing.T) {
	q, err := formatQuantity(1234.56789, 3)
	require.NoError(t, err)
	assert.Equal(t, "1234.567", q)

	q, err = formatQuantity(1045, 0)
	require.NoError(t, err)
	assert.Equal(t, "1045", q)

	_, err = formatQuantity(0.0004, 3)
	assert.Error(t, err, "truncates to zero")

	_, err = formatQuantity(-1, 3)
	assert.Error(t, err)
}

func TestTranslateOrderResponse(t *testing.T) {
	assert.Nil(t, translateOrderResponse(nil))

	resp := translateOrderResponse(&futures.CreateOrderResponse{
		Symbol:           "DOGEUSDT",
		OrderID:          42,
		ClientOrderID:    "mnt-1",
		AvgPrice:         "0.12",
		OrigQuantity:     "1000",
		ExecutedQuantity: "1000",
		Status:           futures.OrderStatusTypeFilled,
		Type:             futures.OrderTypeMarket,
		Side:             futures.SideTypeSell,
		UpdateTime:       1714564800000,
	})
	require.NotNil(t, resp)
	assert.True(t, resp.Filled())
	assert.Equal(t, int64(42), resp.OrderID)
	assert.Equal(t, 0.12, resp.AvgPrice)
	assert.Equal(t, "SELL", resp.Side)
}
