package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"anchorBot/internal/aggregate"
	"anchorBot/internal/domain"
	"anchorBot/internal/maintenance"
	"anchorBot/internal/metrics"
	"anchorBot/internal/ports"
	"anchorBot/internal/risk"
	"anchorBot/internal/strength"
)

// Action is what Evaluate asks for next.
type Action string

const (
	ActionNone       Action = "none"
	ActionMaintain   Action = "maintain"
	ActionTakeProfit Action = "take_profit"
	ActionStopLoss   Action = "stop_loss"
)

// Evaluation is the read-only decision for one position. Reason is always set.
type Evaluation struct {
	Action      Action
	Reason      string
	AddPercent  float64
	CloseReason domain.CloseReason
}

// MaintainResult reports what a maintenance action did.
type MaintainResult struct {
	Record    *domain.MaintenanceRecord // nil when the add did not happen
	Reduction *domain.CloseRecord       // nil when nothing was shed
	Reason    string
}

// LifecycleConfig holds the policy constants and collaborators.
type LifecycleConfig struct {
	ProfitTarget   float64 // profit rate (percent) at or above which a position is taken
	StopLoss       float64 // profit rate (percent) at or below which an exhausted position is cut
	MinKeepMargin  float64
	Leverage       int // used for opens and when a row has no leverage
	MarginMode     domain.MarginMode
	QuoteAsset     string
	GatewayTimeout time.Duration
	LockTTL        time.Duration

	Sizer       *risk.PositionSizer
	Maintenance *maintenance.Engine
	Classifier  *strength.Classifier
	Exchange    ports.ExchangeGateway
	Store       ports.Store
	Locker      ports.KeyLocker
	Advisor     ports.AdvisorySink // optional
	Metrics     *metrics.Metrics   // optional
	Logger      ports.Logger
	Now         func() time.Time
}

type strengthState struct {
	level        domain.StrengthLevel
	accumulation bool
}

// Lifecycle drives positions through open, maintain and close against the
// exchange and the store. Every mutating action holds the position's key
// lock; evaluation takes no lock.
type Lifecycle struct {
	cfg          LifecycleConfig
	lastStrength map[domain.Side]strengthState // owned by the strength task

	floorMu sync.Mutex
	atFloor map[string]bool // keys whose last close was fully blocked by the floor
}

// NewLifecycle validates cfg and creates a Lifecycle.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Sizer == nil || cfg.Maintenance == nil || cfg.Classifier == nil || cfg.Exchange == nil ||
		cfg.Store == nil || cfg.Locker == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for lifecycle", ports.ErrConfigurationError)
	}
	if cfg.ProfitTarget <= 0 {
		return nil, fmt.Errorf("%w: profit target must be positive", ports.ErrConfigurationError)
	}
	if cfg.StopLoss >= 0 {
		return nil, fmt.Errorf("%w: stop loss must be negative", ports.ErrConfigurationError)
	}
	if cfg.MinKeepMargin < 0 {
		return nil, fmt.Errorf("%w: min keep margin cannot be negative", ports.ErrConfigurationError)
	}
	if cfg.Leverage <= 0 {
		return nil, fmt.Errorf("%w: leverage must be positive", ports.ErrConfigurationError)
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= cfg.GatewayTimeout {
		return nil, fmt.Errorf("%w: lock ttl %s must exceed gateway timeout %s", ports.ErrConfigurationError, cfg.LockTTL, cfg.GatewayTimeout)
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = domain.MarginIsolated
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Advisor == nil {
		cfg.Advisor = noopSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Lifecycle{cfg: cfg, lastStrength: make(map[domain.Side]strengthState), atFloor: make(map[string]bool)}, nil
}

type noopSink struct{}

func (noopSink) Advise(context.Context, domain.Advisory) {}

// --- Read-only decisions ---

// Evaluate decides what pos needs at profitRate. Maintenance wins over the
// stop loss while the position is still eligible.
func (l *Lifecycle) Evaluate(pos *domain.Position, profitRate float64) Evaluation {
	d := l.cfg.Maintenance.ShouldAdd(pos, profitRate)
	if d.Add {
		return Evaluation{Action: ActionMaintain, Reason: d.Reason, AddPercent: d.AddPercent}
	}
	if pos == nil || !pos.IsOpen() {
		return Evaluation{Action: ActionNone, Reason: d.Reason}
	}
	if profitRate >= l.cfg.ProfitTarget {
		return Evaluation{
			Action:      ActionTakeProfit,
			Reason:      fmt.Sprintf("take profit: profit rate %.2f%% at or above target %.2f%%", profitRate, l.cfg.ProfitTarget),
			CloseReason: domain.CloseReasonTakeProfit,
		}
	}
	if profitRate <= l.cfg.StopLoss && l.cfg.Maintenance.Exhausted(pos) {
		return Evaluation{
			Action:      ActionStopLoss,
			Reason:      fmt.Sprintf("stop loss: profit rate %.2f%% at or below %.2f%% with maintenance exhausted", profitRate, l.cfg.StopLoss),
			CloseReason: domain.CloseReasonStopLoss,
		}
	}
	return Evaluation{
		Action: ActionNone,
		Reason: fmt.Sprintf("%s; profit rate %.2f%% between stop %.2f%% and target %.2f%%", d.Reason, profitRate, l.cfg.StopLoss, l.cfg.ProfitTarget),
	}
}

// Snapshots classifies both sides of the live, merged exposures.
func (l *Lifecycle) Snapshots(ctx context.Context) ([]domain.StrengthSnapshot, error) {
	reports, err := l.fetchMerged(ctx, "")
	if err != nil {
		return nil, err
	}
	return []domain.StrengthSnapshot{
		l.cfg.Classifier.Snapshot(reports, domain.Short),
		l.cfg.Classifier.Snapshot(reports, domain.Long),
	}, nil
}

// --- Mutating actions ---

// Open sizes and opens the target's position. Anchors are refused while
// their side is in the accumulation regime.
func (l *Lifecycle) Open(ctx context.Context, t domain.Target) (*domain.Position, error) {
	op := "Open"
	if t.Symbol == "" || !t.Side.Valid() {
		return nil, fmt.Errorf("%s failed: %w: symbol and side required", op, ports.ErrInvalidRequest)
	}
	key := t.Key()

	counts, err := l.cfg.Store.CountOpenByTier(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s failed to count tiers: %w", op, err)
	}
	if ok, reason := l.cfg.Sizer.CanOpen(t.Tier, counts); !ok {
		l.refuse(ctx, op, key, reason)
		return nil, fmt.Errorf("%s refused for %s: %w: %s", op, key, ports.ErrTierLimitReached, reason)
	}

	if t.Anchor {
		reports, err := l.fetchMerged(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
		}
		snap := l.cfg.Classifier.Snapshot(reports, t.Side)
		if !snap.AnchorOpenAllowed() {
			l.refuse(ctx, op, key, snap.Regime.Reason)
			return nil, fmt.Errorf("%s refused for %s: %w: %s", op, key, ports.ErrOpenBlocked, snap.Regime.Reason)
		}
	}

	unlock, err := l.cfg.Locker.Acquire(ctx, key, l.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LockTTL)
	defer cancel()

	existing, err := l.cfg.Store.FindOpen(ctx, t.Symbol, t.Side)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s failed for %s: %w: position %d is live", op, key, ports.ErrDuplicateEntry, existing.ID)
	}

	price, err := l.price(ctx, t.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	gctx, gcancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	capital, err := l.cfg.Exchange.GetAvailableBalance(gctx, l.cfg.QuoteAsset)
	gcancel()
	if err != nil {
		return nil, fmt.Errorf("%s failed to refresh capital: %w", op, err)
	}
	size, err := l.cfg.Sizer.ComputeOpenSize(capital, t.Tier, price)
	if err != nil {
		l.refuse(ctx, op, key, err.Error())
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}

	req := ports.OrderRequest{
		Symbol:        t.Symbol,
		Side:          t.Side.OpenOrderSide(),
		PositionSide:  t.Side,
		Size:          size,
		Type:          domain.OrderTypeMarket,
		ClientOrderID: "opn-" + uuid.NewString(),
	}
	l.cfg.Logger.Info(ctx, op+": Placing open order", map[string]interface{}{
		"key": key, "tier": t.Tier, "anchor": t.Anchor, "size": size, "price": price, "capital": capital,
	})
	gctx, gcancel = context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	resp, err := l.cfg.Exchange.PlaceOrder(gctx, req)
	gcancel()
	if err != nil {
		l.cfg.Logger.Error(ctx, err, op+": Open order failed", map[string]interface{}{"key": key})
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	if !resp.Filled() {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, ports.ErrUnconfirmedFill)
	}
	fillPrice, filled := fillOf(resp, price, size)

	now := l.cfg.Now().UTC()
	pos := &domain.Position{
		Symbol:    t.Symbol,
		Side:      t.Side,
		State:     domain.StateNone,
		Tier:      t.Tier,
		IsAnchor:  t.Anchor,
		Leverage:  l.cfg.Leverage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := pos.TransitionTo(domain.StateOpen); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %v", op, ports.ErrInvalidTransition, err)
	}
	pos.Size = filled
	pos.EntryPrice = fillPrice
	pos.MarkPrice = fillPrice
	pos.Margin = risk.RequiredMargin(filled, fillPrice, pos.Leverage)

	if _, err := l.cfg.Store.Create(ctx, pos); err != nil {
		// The exchange holds the exposure; the sync task adopts it.
		l.cfg.Logger.Error(ctx, err, op+": Order filled but storing the position failed", map[string]interface{}{
			"key": key, "orderID": resp.OrderID,
		})
		return nil, fmt.Errorf("%s failed to store %s: %w", op, key, err)
	}

	l.cfg.Logger.Info(ctx, op+": Position opened", map[string]interface{}{
		"key": key, "id": pos.ID, "size": pos.Size, "entryPrice": pos.EntryPrice, "margin": pos.Margin,
	})
	l.cfg.Advisor.Advise(ctx, domain.Advisory{
		Event:   "open",
		Title:   "Opened " + key,
		Message: fmt.Sprintf("tier %s, anchor %t", pos.Tier, pos.IsAnchor),
		Fields:  map[string]interface{}{"size": pos.Size, "price": pos.EntryPrice, "margin": pos.Margin},
	})
	return pos, nil
}

// Maintain reconciles pos, re-checks the trigger on live data, performs the
// add and sheds size per the reduce policy. A failed add leaves the row as
// reconciled, with the maintenance slot kept when the order may have filled.
// A failed reduction keeps the add. A filled add that could not be recorded is
// still reduced, and its error is returned with the result.
func (l *Lifecycle) Maintain(ctx context.Context, pos *domain.Position) (*MaintainResult, error) {
	op := "Maintain"
	key := pos.Key()
	unlock, err := l.cfg.Locker.Acquire(ctx, key, l.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LockTTL)
	defer cancel()

	fresh, err := l.Reconcile(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	*pos = *fresh

	d := l.cfg.Maintenance.ShouldAdd(fresh, fresh.ProfitRate())
	if !d.Add {
		l.cfg.Logger.Info(ctx, op+": Skipped after reconcile", map[string]interface{}{"key": key, "reason": d.Reason})
		return &MaintainResult{Reason: d.Reason}, nil
	}

	price, err := l.price(ctx, fresh.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	rec, err := l.cfg.Maintenance.Add(ctx, fresh, price, l.cfg.Maintenance.Multiplier())
	if err != nil && rec == nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	var recordErr error
	if err != nil {
		// Filled but not recorded: the reserved slot keeps it counted, and the
		// added size still has to come off.
		recordErr = fmt.Errorf("%s failed to record add for %s: %w", op, key, err)
		l.cfg.Logger.Warn(ctx, op+": Add not recorded, reducing anyway", map[string]interface{}{"key": key})
	}
	*pos = *fresh
	result := &MaintainResult{Record: rec, Reason: d.Reason}
	l.cfg.Advisor.Advise(ctx, domain.Advisory{
		Event:   "maintenance",
		Title:   "Maintained " + key,
		Message: d.Reason,
		Fields: map[string]interface{}{
			"addSize": rec.AddSize, "addPrice": rec.AddPrice, "avgPrice": rec.ResultingAvgPrice, "count": rec.MaintenanceCount,
		},
	})

	red, err := l.cfg.Maintenance.ReduceAfterAdd(ctx, fresh, price, lockedCloser{l: l})
	*pos = *fresh
	if err != nil {
		l.cfg.Logger.Error(ctx, err, op+": Reduction after add failed, add stands", map[string]interface{}{"key": key})
		return result, errors.Join(recordErr, fmt.Errorf("%s reduction failed for %s: %w", op, key, err))
	}
	result.Reduction = red
	return result, recordErr
}

// Close closes requested units of pos through the safety floor. Anchors keep
// MinKeepMargin; other positions may close fully. A requested size <= 0
// closes the whole position.
func (l *Lifecycle) Close(ctx context.Context, pos *domain.Position, requested float64, reason domain.CloseReason) (*domain.CloseRecord, error) {
	op := "Close"
	if reason == domain.CloseReasonForced {
		return nil, fmt.Errorf("%s failed: %w: forced closes go through ForceClose", op, ports.ErrInvalidRequest)
	}
	key := pos.Key()
	unlock, err := l.cfg.Locker.Acquire(ctx, key, l.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LockTTL)
	defer cancel()

	fresh, err := l.Reconcile(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if requested <= 0 {
		requested = fresh.Size
	}
	minKeep := 0.0
	if fresh.IsAnchor {
		minKeep = l.cfg.MinKeepMargin
	}
	rec, err := l.closeLocked(ctx, fresh, requested, reason, minKeep, false)
	*pos = *fresh
	return rec, err
}

// ForceClose fully closes symbol/side ignoring the floor and the anchor
// flag. It is an operator action and is never called by the periodic tasks.
func (l *Lifecycle) ForceClose(ctx context.Context, symbol string, side domain.Side, operator string) (*domain.CloseRecord, error) {
	op := "ForceClose"
	if operator == "" {
		return nil, fmt.Errorf("%s failed: %w: operator name required", op, ports.ErrInvalidRequest)
	}
	key := domain.PositionKey(symbol, side)
	unlock, err := l.cfg.Locker.Acquire(ctx, key, l.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LockTTL)
	defer cancel()

	pos, err := l.cfg.Store.FindOpen(ctx, symbol, side)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	if pos == nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, ports.ErrNotFound)
	}
	fresh, err := l.Reconcile(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	l.cfg.Logger.Warn(ctx, op+": Floor-exempt close requested", map[string]interface{}{
		"key": key, "operator": operator, "anchor": fresh.IsAnchor, "size": fresh.Size,
	})
	return l.closeLocked(ctx, fresh, fresh.Size, domain.CloseReasonForced, 0, true)
}

// ClearAnchor removes the anchor flag of symbol/side. It is the only way
// the flag is ever cleared.
func (l *Lifecycle) ClearAnchor(ctx context.Context, symbol string, side domain.Side, operator string) (*domain.Position, error) {
	op := "ClearAnchor"
	if operator == "" {
		return nil, fmt.Errorf("%s failed: %w: operator name required", op, ports.ErrInvalidRequest)
	}
	key := domain.PositionKey(symbol, side)
	unlock, err := l.cfg.Locker.Acquire(ctx, key, l.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pos, err := l.cfg.Store.FindOpen(ctx, symbol, side)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	if pos == nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, ports.ErrNotFound)
	}
	if !pos.IsAnchor {
		l.cfg.Logger.Info(ctx, op+": Position is not an anchor", map[string]interface{}{"key": key})
		return pos, nil
	}
	staged := pos.Clone()
	staged.IsAnchor = false
	staged.UpdatedAt = l.cfg.Now().UTC()
	if err := l.cfg.Store.Update(ctx, staged); err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	l.cfg.Logger.Warn(ctx, op+": Anchor flag cleared", map[string]interface{}{"key": key, "operator": operator, "id": staged.ID})
	return staged, nil
}

// Reconcile refreshes the exchange-owned fields of pos from the merged live
// reports and stores them. The caller holds the key's lock.
func (l *Lifecycle) Reconcile(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	op := "Reconcile"
	reports, err := l.fetchMerged(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, pos.Key(), err)
	}
	var live *domain.PositionReport
	for i := range reports {
		if reports[i].Side == pos.Side {
			live = &reports[i]
			break
		}
	}
	if live == nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, pos.Key(), ports.ErrPositionNotFound)
	}
	fresh := pos.Clone()
	// A reserved maintenance slot lives only in the store until the add is
	// recorded; never let a stale copy give it back.
	stored, err := l.cfg.Store.FindByID(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, pos.Key(), err)
	}
	if stored != nil && stored.MaintenanceCount > fresh.MaintenanceCount {
		fresh.MaintenanceCount = stored.MaintenanceCount
		fresh.LastMaintenanceAt = stored.LastMaintenanceAt
	}
	fresh.ApplyReport(*live)
	fresh.UpdatedAt = l.cfg.Now().UTC()
	if err := l.cfg.Store.Update(ctx, fresh); err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, pos.Key(), err)
	}
	return fresh, nil
}

// lockedCloser lets the maintenance engine close through the floor while the
// lifecycle already holds the key's lock.
type lockedCloser struct {
	l *Lifecycle
}

func (c lockedCloser) CloseWithFloor(ctx context.Context, pos *domain.Position, size float64, reason domain.CloseReason, minKeepMargin float64) (*domain.CloseRecord, error) {
	return c.l.closeLocked(ctx, pos, size, reason, minKeepMargin, false)
}

// closeLocked validates the close against the floor, executes it and stores
// the outcome. pos is only updated after a confirmed fill was stored.
func (l *Lifecycle) closeLocked(ctx context.Context, pos *domain.Position, requested float64, reason domain.CloseReason, minKeep float64, forced bool) (*domain.CloseRecord, error) {
	op := "Close"
	key := pos.Key()
	price, err := l.price(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = l.cfg.Leverage
	}

	closeSize := pos.Size
	if !forced {
		d := risk.ValidateClose(pos, requested, price, leverage, minKeep)
		closeSize = d.AdjustedSize
		if closeSize <= 0 {
			if !d.IsSafe && l.markAtFloor(key) {
				l.cfg.Logger.Debug(ctx, op+": Still at the floor, nothing closed", map[string]interface{}{"key": key, "reason": d.Message})
				return nil, nil
			}
			if !d.IsSafe {
				l.refuse(ctx, op, key, d.Message)
			}
			l.cfg.Logger.Info(ctx, op+": Nothing closed", map[string]interface{}{"key": key, "reason": d.Message})
			return nil, nil
		}
		l.clearAtFloor(key)
		if !d.IsSafe {
			l.refuse(ctx, op, key, d.Message)
		}
		if pos.IsAnchor && closeSize >= pos.Size {
			l.refuse(ctx, op, key, "anchor would be fully closed")
			return nil, fmt.Errorf("%s refused for %s: %w", op, key, ports.ErrAnchorProtected)
		}
	}
	full := closeSize >= pos.Size

	gctx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	var resp *ports.OrderResponse
	if full {
		resp, err = l.cfg.Exchange.ClosePosition(gctx, pos.Symbol, l.cfg.MarginMode, pos.Side)
	} else {
		resp, err = l.cfg.Exchange.PlaceOrder(gctx, ports.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.Side.CloseOrderSide(),
			PositionSide:  pos.Side,
			Size:          closeSize,
			Type:          domain.OrderTypeMarket,
			ReduceOnly:    true,
			ClientOrderID: "cls-" + uuid.NewString(),
		})
	}
	cancel()
	if err != nil {
		l.cfg.Logger.Error(ctx, err, op+": Close order failed, position unchanged", map[string]interface{}{
			"key": key, "size": closeSize, "reason": reason,
		})
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, err)
	}
	if !resp.Filled() {
		return nil, fmt.Errorf("%s failed for %s: %w", op, key, ports.ErrUnconfirmedFill)
	}
	fillPrice, filled := fillOf(resp, price, closeSize)
	filled = math.Min(filled, pos.Size)

	remaining := pos.Size - filled
	if full || remaining <= pos.Size*1e-9 {
		remaining = 0
	}
	now := l.cfg.Now().UTC()
	staged := pos.Clone()
	if remaining == 0 {
		if err := staged.TransitionTo(domain.StateClosed); err != nil {
			return nil, fmt.Errorf("%s failed: %w: %v", op, ports.ErrInvalidTransition, err)
		}
		staged.Size, staged.Margin, staged.UnrealizedPNL = 0, 0, 0
		staged.ClosedAt = &now
		staged.CloseReason = reason
	} else {
		// Anchors and post-add reductions keep their state; other partial
		// closes mark the position as being unwound.
		if !pos.IsAnchor && reason != domain.CloseReasonMaintenance {
			if err := staged.TransitionTo(domain.StateClosing); err != nil {
				return nil, fmt.Errorf("%s failed: %w: %v", op, ports.ErrInvalidTransition, err)
			}
		}
		ratio := remaining / pos.Size
		staged.Size = remaining
		staged.Margin = pos.Margin * ratio
		staged.UnrealizedPNL = pos.UnrealizedPNL * ratio
	}
	staged.MarkPrice = price
	staged.UpdatedAt = now

	if err := l.cfg.Store.Update(ctx, staged); err != nil {
		l.cfg.Logger.Error(ctx, err, op+": Close filled but updating the position failed", map[string]interface{}{
			"key": key, "orderID": resp.OrderID,
		})
		return nil, fmt.Errorf("%s failed to store %s: %w", op, key, err)
	}

	rec := &domain.CloseRecord{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		ClosedSize:    filled,
		Price:         fillPrice,
		EntryPrice:    pos.EntryPrice,
		RealizedPNL:   estimatePNL(pos.Side, pos.EntryPrice, fillPrice, filled),
		RemainingSize: remaining,
		Reason:        reason,
		CreatedAt:     now,
	}
	if _, err := l.cfg.Store.CreateCloseRecord(ctx, rec); err != nil {
		l.cfg.Logger.Error(ctx, err, op+": Failed to append close history", map[string]interface{}{"key": key})
	}
	*pos = *staged

	l.cfg.Logger.Info(ctx, op+": Position closed", map[string]interface{}{
		"key": key, "closed": filled, "remaining": remaining, "price": fillPrice, "pnl": rec.RealizedPNL, "reason": reason,
	})
	l.cfg.Advisor.Advise(ctx, domain.Advisory{
		Event:   "close",
		Title:   fmt.Sprintf("Closed %s (%s)", key, reason),
		Message: fmt.Sprintf("closed %.8g at %.8g, remaining %.8g", filled, fillPrice, remaining),
		Fields:  map[string]interface{}{"pnl": rec.RealizedPNL},
	})
	return rec, nil
}

// --- helpers ---

func (l *Lifecycle) price(ctx context.Context, symbol string) (float64, error) {
	gctx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	defer cancel()
	return l.cfg.Exchange.GetPrice(gctx, symbol)
}

// fetchMerged returns live exposures netted per key. Malformed reports are
// logged and skipped.
func (l *Lifecycle) fetchMerged(ctx context.Context, symbol string) ([]domain.PositionReport, error) {
	gctx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	raw, err := l.cfg.Exchange.GetPositions(gctx, symbol)
	cancel()
	if err != nil {
		return nil, err
	}
	merged, errs := aggregate.GroupAndMerge(raw)
	for _, e := range errs {
		l.cfg.Logger.Warn(ctx, "Rejected malformed position report", map[string]interface{}{"error": e.Error()})
	}
	return merged, nil
}

func (l *Lifecycle) refuse(ctx context.Context, op, key, reason string) {
	l.cfg.Logger.Warn(ctx, op+": Refused or adjusted", map[string]interface{}{"key": key, "reason": reason})
	l.cfg.Metrics.ObserveRefusal(op)
}

// markAtFloor records that key's close was blocked by the floor and reports
// whether that was already the case.
func (l *Lifecycle) markAtFloor(key string) bool {
	l.floorMu.Lock()
	defer l.floorMu.Unlock()
	was := l.atFloor[key]
	l.atFloor[key] = true
	return was
}

func (l *Lifecycle) clearAtFloor(key string) {
	l.floorMu.Lock()
	defer l.floorMu.Unlock()
	delete(l.atFloor, key)
}

func fillOf(resp *ports.OrderResponse, fallbackPrice, fallbackSize float64) (price, size float64) {
	price, size = resp.AvgPrice, resp.ExecutedQty
	if price <= 0 {
		price = fallbackPrice
	}
	if size <= 0 {
		size = fallbackSize
	}
	return price, size
}

func estimatePNL(side domain.Side, entry, exit, size float64) float64 {
	if side == domain.Short {
		return (entry - exit) * size
	}
	return (exit - entry) * size
}

func isContention(err error) bool {
	return errors.Is(err, ports.ErrConcurrentActionInProgress)
}
