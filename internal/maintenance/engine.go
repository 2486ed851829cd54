// Package maintenance implements the one-shot averaging-down action: add to a
// losing position, then shed most of the combined size.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
	"anchorBot/internal/risk"
)

// Decision is the result of ShouldAdd. Reason is always set.
type Decision struct {
	Add        bool
	Reason     string
	AddPercent float64 // Added size as a percent of the current size
}

// Closer closes part of a position through the safety floor. The lifecycle
// supplies it; the caller already holds the position's lock.
type Closer interface {
	CloseWithFloor(ctx context.Context, pos *domain.Position, size float64, reason domain.CloseReason, minKeepMargin float64) (*domain.CloseRecord, error)
}

// Config holds the policy constants and collaborators of the engine.
type Config struct {
	Trigger        float64       // Profit rate (percent) at or below which an add triggers
	Multiplier     float64       // add_size = size * Multiplier
	Cooldown       time.Duration // Minimum time between two adds on one position
	AnchorMaxCount int           // Adds allowed on anchors; ordinary positions get one
	Excluded       []string      // Symbols whose non-anchor positions are never maintained; "*" matches all
	MinKeepMargin  float64       // Floor used by the post-add reduction
	QuoteAsset     string
	GatewayTimeout time.Duration

	Policy   ReducePolicy
	Sizer    *risk.PositionSizer
	Exchange ports.ExchangeGateway
	Store    ports.MaintenanceStore
	Logger   ports.Logger
	Now      func() time.Time // defaults to time.Now
}

// Engine evaluates and performs maintenance adds.
type Engine struct {
	cfg      Config
	excluded map[string]bool
	allOff   bool
}

// NewEngine validates cfg and creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Exchange == nil || cfg.Store == nil || cfg.Logger == nil || cfg.Sizer == nil || cfg.Policy == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for maintenance engine", ports.ErrConfigurationError)
	}
	if cfg.Trigger >= 0 {
		return nil, fmt.Errorf("%w: maintenance trigger %v must be negative", ports.ErrConfigurationError, cfg.Trigger)
	}
	if cfg.Multiplier <= 0 {
		return nil, fmt.Errorf("%w: maintenance multiplier must be positive", ports.ErrConfigurationError)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("%w: maintenance cooldown cannot be negative", ports.ErrConfigurationError)
	}
	if cfg.AnchorMaxCount < 1 {
		cfg.AnchorMaxCount = 1
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{cfg: cfg, excluded: make(map[string]bool)}
	for _, s := range cfg.Excluded {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "*" {
			e.allOff = true
		} else if s != "" {
			e.excluded[s] = true
		}
	}
	return e, nil
}

// Multiplier returns the configured add multiplier.
func (e *Engine) Multiplier() float64 { return e.cfg.Multiplier }

// MaxCount returns how many adds pos may receive in total.
func (e *Engine) MaxCount(pos *domain.Position) int {
	if pos.IsAnchor {
		return e.cfg.AnchorMaxCount
	}
	return 1
}

// IsExcluded reports whether the global toggle disables maintenance for pos.
// Anchors are never excluded.
func (e *Engine) IsExcluded(pos *domain.Position) bool {
	if pos.IsAnchor {
		return false
	}
	return e.allOff || e.excluded[strings.ToUpper(pos.Symbol)]
}

// Exhausted reports whether pos can no longer be maintained, either because
// every allowed add was used or because maintenance is excluded for it.
func (e *Engine) Exhausted(pos *domain.Position) bool {
	return pos.MaintenanceCount >= e.MaxCount(pos) || e.IsExcluded(pos)
}

// ShouldAdd decides whether pos should be maintained at the given profit
// rate. Checks run in order: trigger, cooldown, count, exclusion.
// Positions being unwound are never maintained.
func (e *Engine) ShouldAdd(pos *domain.Position, profitRate float64) Decision {
	if pos == nil || !pos.IsOpen() {
		return Decision{Reason: "no action: position is not open"}
	}
	if pos.State == domain.StateClosing {
		return Decision{Reason: "no action: position is closing"}
	}
	if profitRate > e.cfg.Trigger {
		return Decision{Reason: fmt.Sprintf("no action: profit rate %.2f%% above trigger %.2f%%", profitRate, e.cfg.Trigger)}
	}
	if pos.LastMaintenanceAt != nil {
		elapsed := e.cfg.Now().Sub(*pos.LastMaintenanceAt)
		if elapsed < e.cfg.Cooldown {
			remaining := e.cfg.Cooldown - elapsed
			return Decision{Reason: fmt.Sprintf("aborted: cooldown %.1f min remaining", remaining.Minutes())}
		}
	}
	if limit := e.MaxCount(pos); pos.MaintenanceCount >= limit {
		return Decision{Reason: fmt.Sprintf("aborted: maintenance count %d/%d reached", pos.MaintenanceCount, limit)}
	}
	if e.IsExcluded(pos) {
		return Decision{Reason: fmt.Sprintf("aborted: maintenance disabled for %s", pos.Symbol)}
	}
	return Decision{
		Add:        true,
		Reason:     fmt.Sprintf("maintain: profit rate %.2f%% at or below trigger %.2f%%", profitRate, e.cfg.Trigger),
		AddPercent: e.cfg.Multiplier * 100,
	}
}

// Add reserves a maintenance slot, places the averaging-down order and, on a
// confirmed fill, persists the record together with the new size, average
// price, count and timestamp. When the fill could not be recorded, Add returns
// the record together with the error and pos holds the filled state.
// Otherwise pos is only updated when everything succeeded.
func (e *Engine) Add(ctx context.Context, pos *domain.Position, currentPrice, multiplier float64) (*domain.MaintenanceRecord, error) {
	op := "MaintenanceAdd"
	if pos == nil || pos.Size <= 0 {
		return nil, fmt.Errorf("%s failed: %w: no open size", op, ports.ErrInvalidRequest)
	}
	if currentPrice <= 0 || multiplier <= 0 {
		return nil, fmt.Errorf("%s failed: %w: price %v multiplier %v", op, ports.ErrInvalidRequest, currentPrice, multiplier)
	}
	triggerRate := pos.ProfitRate()
	addSize := pos.Size * multiplier

	balCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	capital, err := e.cfg.Exchange.GetAvailableBalance(balCtx, e.cfg.QuoteAsset)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s failed to refresh capital: %w", op, err)
	}
	if err := e.cfg.Sizer.CanAfford(capital, addSize, currentPrice, pos.Leverage); err != nil {
		e.cfg.Logger.Warn(ctx, op+": Refused, insufficient capital", map[string]interface{}{
			"key": pos.Key(), "addSize": addSize, "capital": capital,
		})
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	// The slot is taken before the order goes out. Only an order that was
	// definitely not executed gives it back.
	now := e.cfg.Now().UTC()
	if err := e.cfg.Store.ReserveMaintenance(ctx, pos.ID, pos.MaintenanceCount, now); err != nil {
		return nil, fmt.Errorf("%s failed to reserve: %w", op, err)
	}

	req := ports.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.OpenOrderSide(),
		PositionSide:  pos.Side,
		Size:          addSize,
		Type:          domain.OrderTypeMarket,
		ClientOrderID: "mnt-" + uuid.NewString(),
	}
	e.cfg.Logger.Info(ctx, op+": Placing add order", map[string]interface{}{
		"key": pos.Key(), "size": addSize, "price": currentPrice, "profitRate": triggerRate,
	})
	orderCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	resp, err := e.cfg.Exchange.PlaceOrder(orderCtx, req)
	cancel()
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty order response", ports.ErrUnconfirmedFill)
	}
	if err == nil && !resp.Filled() {
		err = fmt.Errorf("%w: order %d status %s", ports.ErrUnconfirmedFill, resp.OrderID, resp.Status)
	}
	if err != nil {
		if notExecuted(resp, err) {
			e.release(ctx, pos)
			e.cfg.Logger.Error(ctx, err, op+": Add order not executed, position unchanged", map[string]interface{}{"key": pos.Key()})
		} else {
			e.cfg.Logger.Error(ctx, err, op+": Add outcome unknown, maintenance slot kept", map[string]interface{}{
				"key": pos.Key(), "clientOrderID": req.ClientOrderID,
			})
		}
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	fillPrice := resp.AvgPrice
	if fillPrice <= 0 {
		fillPrice = currentPrice
	}
	filled := resp.ExecutedQty
	if filled <= 0 {
		filled = addSize
	}

	staged := pos.Clone()
	if err := staged.TransitionTo(domain.StateMaintained); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %v", op, ports.ErrInvalidTransition, err)
	}
	newSize := pos.Size + filled
	staged.EntryPrice = (pos.Size*pos.EntryPrice + filled*fillPrice) / newSize
	staged.Size = newSize
	staged.Margin = pos.Margin + risk.RequiredMargin(filled, fillPrice, pos.Leverage)
	staged.MaintenanceCount = pos.MaintenanceCount + 1
	staged.LastMaintenanceAt = &now
	staged.UpdatedAt = now

	rec := &domain.MaintenanceRecord{
		PositionID:        pos.ID,
		Symbol:            pos.Symbol,
		Side:              pos.Side,
		TriggerProfitRate: triggerRate,
		AddSize:           filled,
		AddPrice:          fillPrice,
		ResultingAvgPrice: staged.EntryPrice,
		ResultingSize:     staged.Size,
		MaintenanceCount:  staged.MaintenanceCount,
		ClientOrderID:     req.ClientOrderID,
		CreatedAt:         now,
	}
	// The add is on the exchange now; recording it must not depend on the
	// caller's deadline.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.GatewayTimeout)
	err = e.cfg.Store.ApplyMaintenance(storeCtx, staged, rec)
	cancel()
	if err != nil {
		// The reserved slot stays used. pos still takes the filled state so
		// the caller can reduce the exposure that is on the exchange.
		e.cfg.Logger.Error(ctx, err, op+": Add filled but recording it failed", map[string]interface{}{
			"key": pos.Key(), "orderID": resp.OrderID, "clientOrderID": req.ClientOrderID,
		})
		*pos = *staged
		return rec, fmt.Errorf("%s failed to persist: %w", op, err)
	}

	*pos = *staged
	e.cfg.Logger.Info(ctx, op+": Maintenance applied", map[string]interface{}{
		"key":          pos.Key(),
		"addSize":      filled,
		"addPrice":     fillPrice,
		"avgPrice":     pos.EntryPrice,
		"size":         pos.Size,
		"maintenances": pos.MaintenanceCount,
	})
	return rec, nil
}

func (e *Engine) release(ctx context.Context, pos *domain.Position) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.GatewayTimeout)
	defer cancel()
	if err := e.cfg.Store.ReleaseMaintenance(relCtx, pos.ID, pos.MaintenanceCount, pos.LastMaintenanceAt); err != nil {
		e.cfg.Logger.Error(ctx, err, "MaintenanceAdd: Failed to release maintenance slot", map[string]interface{}{"key": pos.Key()})
	}
}

// notExecuted reports whether an add order is known to have left no exposure.
// Timeouts and unknown statuses are not: the order may still have filled.
func notExecuted(resp *ports.OrderResponse, err error) bool {
	if errors.Is(err, ports.ErrGatewayRejected) || errors.Is(err, ports.ErrInsufficientCapital) ||
		errors.Is(err, ports.ErrAuthenticationFailed) || errors.Is(err, ports.ErrInvalidRequest) {
		return true
	}
	if resp == nil || resp.ExecutedQty > 0 {
		return false
	}
	switch resp.Status {
	case "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

// ReduceAfterAdd closes the part of pos above the policy's target, through
// the safety floor. It returns nil without error when nothing needs closing.
func (e *Engine) ReduceAfterAdd(ctx context.Context, pos *domain.Position, price float64, closer Closer) (*domain.CloseRecord, error) {
	op := "ReduceAfterAdd"
	if closer == nil {
		return nil, fmt.Errorf("%s failed: %w: no closer", op, ports.ErrInvalidRequest)
	}
	target := e.cfg.Policy.TargetRemaining(pos, price)
	if target < 0 {
		target = 0
	}
	closeSize := pos.Size - target
	if closeSize <= 0 {
		e.cfg.Logger.Info(ctx, op+": Nothing to reduce", map[string]interface{}{
			"key": pos.Key(), "policy": e.cfg.Policy.Name(), "size": pos.Size, "target": target,
		})
		return nil, nil
	}
	e.cfg.Logger.Info(ctx, op+": Reducing after maintenance", map[string]interface{}{
		"key": pos.Key(), "policy": e.cfg.Policy.Name(), "closeSize": closeSize, "target": target,
	})
	return closer.CloseWithFloor(ctx, pos, closeSize, domain.CloseReasonMaintenance, e.cfg.MinKeepMargin)
}
