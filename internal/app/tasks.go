package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// maxParallelKeys bounds how many keys a tick acts on at once. Each worker
// holds at most one key lock.
const maxParallelKeys = 4

// Tick evaluates every stored position on live data and performs the
// requested actions, then opens missing targets. Failures are logged per
// key; the next tick retries.
func (l *Lifecycle) Tick(ctx context.Context, targets []domain.Target) error {
	op := "Tick"
	reports, err := l.fetchMerged(ctx, "")
	if err != nil {
		l.cfg.Metrics.ObserveAction("evaluate", err)
		return fmt.Errorf("%s failed to fetch positions: %w", op, err)
	}
	live := make(map[string]domain.PositionReport, len(reports))
	held := make(map[string]bool, len(reports))
	for _, r := range reports {
		live[r.Key()] = r
		held[r.Key()] = true // untracked exposure waits for sync, never a second open
	}

	stored, err := l.cfg.Store.FindAllOpen(ctx)
	if err != nil {
		return fmt.Errorf("%s failed to load positions: %w", op, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelKeys)
	for _, pos := range stored {
		held[pos.Key()] = true
		r, ok := live[pos.Key()]
		if !ok {
			l.cfg.Logger.Debug(ctx, op+": No live exposure, left to sync", map[string]interface{}{"key": pos.Key()})
			continue
		}
		view := pos.Clone()
		view.ApplyReport(r)
		ev := l.Evaluate(view, view.ProfitRate())
		l.cfg.Logger.Debug(ctx, op+": Evaluated", map[string]interface{}{
			"key": pos.Key(), "action": ev.Action, "reason": ev.Reason, "profitRate": view.ProfitRate(),
		})
		if ev.Action == ActionNone {
			continue
		}
		g.Go(func() error {
			l.act(gctx, pos, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range targets {
		if held[t.Key()] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := l.Open(ctx, t)
		l.cfg.Metrics.ObserveAction("open", err)
		switch {
		case err == nil:
		case isContention(err):
			l.cfg.Logger.Debug(ctx, op+": Open skipped, key busy", map[string]interface{}{"key": t.Key()})
		case errors.Is(err, ports.ErrTierLimitReached), errors.Is(err, ports.ErrOpenBlocked),
			errors.Is(err, ports.ErrInsufficientCapital):
			l.cfg.Logger.Info(ctx, op+": Open refused", map[string]interface{}{"key": t.Key(), "error": err.Error()})
		default:
			l.cfg.Logger.Error(ctx, err, op+": Open failed", map[string]interface{}{"key": t.Key()})
		}
	}
	return nil
}

func (l *Lifecycle) act(ctx context.Context, pos *domain.Position, ev Evaluation) {
	var (
		action string
		err    error
	)
	switch ev.Action {
	case ActionMaintain:
		action = "maintain"
		_, err = l.Maintain(ctx, pos)
	case ActionTakeProfit, ActionStopLoss:
		action = "close"
		_, err = l.Close(ctx, pos, 0, ev.CloseReason)
	default:
		return
	}
	l.cfg.Metrics.ObserveAction(action, err)
	switch {
	case err == nil:
	case isContention(err):
		// Another task owns the key this cycle.
		l.cfg.Logger.Debug(ctx, "Action skipped, key busy", map[string]interface{}{"key": pos.Key(), "action": action})
	case errors.Is(err, ports.ErrAnchorProtected):
		l.cfg.Logger.Warn(ctx, "Action refused", map[string]interface{}{"key": pos.Key(), "action": action, "error": err.Error()})
	default:
		l.cfg.Logger.Error(ctx, err, "Action failed", map[string]interface{}{
			"key": pos.Key(), "action": action, "retryable": ports.IsRetryable(err),
		})
	}
}

// Sync aligns the store with the exchange: rows without live exposure are
// archived as closed externally and untracked exposures are adopted.
func (l *Lifecycle) Sync(ctx context.Context) error {
	op := "Sync"
	reports, err := l.fetchMerged(ctx, "")
	if err != nil {
		l.cfg.Metrics.ObserveAction("sync", err)
		return fmt.Errorf("%s failed to fetch positions: %w", op, err)
	}
	stored, err := l.cfg.Store.FindAllOpen(ctx)
	if err != nil {
		return fmt.Errorf("%s failed to load positions: %w", op, err)
	}

	tracked := make(map[string]bool, len(stored))
	for _, pos := range stored {
		tracked[pos.Key()] = true
		if err := l.syncOne(ctx, pos.ID, pos.Key()); err != nil {
			if isContention(err) {
				l.cfg.Logger.Debug(ctx, op+": Key busy, skipped", map[string]interface{}{"key": pos.Key()})
				continue
			}
			l.cfg.Logger.Error(ctx, err, op+": Failed to sync position", map[string]interface{}{"key": pos.Key()})
		}
	}

	for _, r := range reports {
		if tracked[r.Key()] {
			continue
		}
		pos := r.ToPosition()
		now := l.cfg.Now().UTC()
		pos.CreatedAt, pos.UpdatedAt = now, now
		if _, err := l.cfg.Store.Create(ctx, pos); err != nil {
			if errors.Is(err, ports.ErrDuplicateEntry) {
				continue
			}
			l.cfg.Logger.Error(ctx, err, op+": Failed to adopt exposure", map[string]interface{}{"key": r.Key()})
			continue
		}
		l.cfg.Logger.Warn(ctx, op+": Adopted untracked exposure", map[string]interface{}{
			"key": r.Key(), "id": pos.ID, "size": pos.Size, "accounts": r.Accounts,
		})
	}

	open, err := l.cfg.Store.FindAllOpen(ctx)
	if err == nil {
		l.cfg.Metrics.SetOpenPositions(len(open))
	}
	l.cfg.Metrics.ObserveAction("sync", nil)
	return nil
}

// syncOne reconciles one row under its lock. The row is re-read inside the
// lock since another task may have closed it meanwhile.
func (l *Lifecycle) syncOne(ctx context.Context, id int64, key string) error {
	unlock, err := l.cfg.Locker.Acquire(ctx, key, l.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LockTTL)
	defer cancel()

	pos, err := l.cfg.Store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if pos == nil || !pos.IsOpen() {
		return nil
	}
	_, err = l.Reconcile(ctx, pos)
	if !errors.Is(err, ports.ErrPositionNotFound) {
		return err
	}
	return l.archiveExternal(ctx, pos)
}

func (l *Lifecycle) archiveExternal(ctx context.Context, pos *domain.Position) error {
	now := l.cfg.Now().UTC()
	staged := pos.Clone()
	if err := staged.TransitionTo(domain.StateClosed); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidTransition, err)
	}
	staged.Size, staged.Margin, staged.UnrealizedPNL = 0, 0, 0
	staged.ClosedAt = &now
	staged.CloseReason = domain.CloseReasonExternal
	staged.UpdatedAt = now
	if err := l.cfg.Store.Update(ctx, staged); err != nil {
		return err
	}
	rec := &domain.CloseRecord{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		ClosedSize:  pos.Size,
		Price:       pos.MarkPrice,
		EntryPrice:  pos.EntryPrice,
		RealizedPNL: pos.UnrealizedPNL, // last known estimate
		Reason:      domain.CloseReasonExternal,
		CreatedAt:   now,
	}
	if _, err := l.cfg.Store.CreateCloseRecord(ctx, rec); err != nil {
		l.cfg.Logger.Error(ctx, err, "Sync: Failed to append close history", map[string]interface{}{"key": pos.Key()})
	}
	l.cfg.Logger.Warn(ctx, "Sync: Position closed outside the engine", map[string]interface{}{
		"key": pos.Key(), "id": pos.ID, "lastSize": pos.Size,
	})
	l.cfg.Advisor.Advise(ctx, domain.Advisory{
		Event:   "close",
		Title:   fmt.Sprintf("Closed %s (%s)", pos.Key(), domain.CloseReasonExternal),
		Message: "exposure no longer reported by the exchange",
	})
	return nil
}

// StrengthTick classifies both sides and advises when a side's level or
// regime changed since the last run.
func (l *Lifecycle) StrengthTick(ctx context.Context) error {
	snaps, err := l.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("StrengthTick failed: %w", err)
	}
	for _, s := range snaps {
		l.cfg.Metrics.SetStrengthLevel(s.Side, s.Level)
		h := s.Histogram
		fields := map[string]interface{}{
			"side": s.Side, "level": int(s.Level), "total": h.Total,
			"ge100": h.Ge100, "ge90": h.Ge90, "ge80": h.Ge80, "ge70": h.Ge70, "ge60": h.Ge60, "ge50": h.Ge50, "ge40": h.Ge40,
			"le20": h.Le20, "le10": h.Le10, "negative": h.Negative, "accumulation": s.Regime.Accumulation,
		}
		l.cfg.Logger.Info(ctx, "Strength: "+s.DisplayText(), fields)

		cur := strengthState{level: s.Level, accumulation: s.Regime.Accumulation}
		prev, seen := l.lastStrength[s.Side]
		l.lastStrength[s.Side] = cur
		if seen && prev == cur {
			continue
		}
		l.cfg.Advisor.Advise(ctx, domain.Advisory{
			Event:   "strength",
			Title:   fmt.Sprintf("%s strength level %d", s.Side, s.Level),
			Message: s.DisplayText(),
			Fields:  fields,
		})
	}
	return nil
}

// Report logs and advises a summary of open positions and realized PnL.
func (l *Lifecycle) Report(ctx context.Context) error {
	open, err := l.cfg.Store.FindAllOpen(ctx)
	if err != nil {
		return fmt.Errorf("Report failed to load positions: %w", err)
	}
	total, err := l.cfg.Store.GetTotalRealizedPNL(ctx)
	if err != nil {
		return fmt.Errorf("Report failed to sum PnL: %w", err)
	}
	l.cfg.Metrics.SetOpenPositions(len(open))

	var upl float64
	lines := make([]string, 0, len(open))
	for _, p := range open {
		upl += p.UnrealizedPNL
		lines = append(lines, fmt.Sprintf("%s %s size=%.8g rate=%.2f%% maint=%d anchor=%t",
			p.Key(), p.State, p.Size, p.ProfitRate(), p.MaintenanceCount, p.IsAnchor))
	}
	fields := map[string]interface{}{"open": len(open), "unrealizedPNL": upl, "realizedPNL": total}
	l.cfg.Logger.Info(ctx, "Report: Position summary", fields)
	msg := "no open positions"
	if len(lines) > 0 {
		msg = strings.Join(lines, "\n")
	}
	l.cfg.Advisor.Advise(ctx, domain.Advisory{Event: "report", Title: "Position report", Message: msg, Fields: fields})
	return nil
}
