package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// --- MaintenanceStore Implementation ---

// ReserveMaintenance claims the next maintenance slot of position id before
// the add order is sent: the count is incremented and the maintenance time
// stamped only if the stored count still equals prevCount.
func (r *Repository) ReserveMaintenance(ctx context.Context, id int64, prevCount int, at time.Time) error {
	op := "ReserveMaintenance"
	const update = `
	UPDATE positions
	SET maintenance_count = maintenance_count + 1, last_maintenance_at = ?, updated_at = ?
	WHERE id = ? AND state != ? AND maintenance_count = ?`
	result, err := r.db.ExecContext(ctx, update, at.UTC(), r.now().UTC(), id, domain.StateClosed, prevCount)
	if err != nil {
		return fmt.Errorf("%s failed for position %d: %w: %w", op, id, ports.ErrUpdateFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s failed to read rows affected: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	if n == 0 {
		return fmt.Errorf("%s failed: position %d is closed or its maintenance count is no longer %d: %w", op, id, prevCount, ports.ErrUpdateFailed)
	}
	return nil
}

// ReleaseMaintenance gives back a slot taken by ReserveMaintenance when the
// add order was definitely not executed.
func (r *Repository) ReleaseMaintenance(ctx context.Context, id int64, prevCount int, prevAt *time.Time) error {
	op := "ReleaseMaintenance"
	const update = `
	UPDATE positions
	SET maintenance_count = ?, last_maintenance_at = ?, updated_at = ?
	WHERE id = ? AND maintenance_count = ?`
	result, err := r.db.ExecContext(ctx, update, prevCount, nullTime(prevAt), r.now().UTC(), id, prevCount+1)
	if err != nil {
		return fmt.Errorf("%s failed for position %d: %w: %w", op, id, ports.ErrUpdateFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s failed to read rows affected: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	if n == 0 {
		return fmt.Errorf("%s failed: position %d holds no reserved slot: %w", op, id, ports.ErrUpdateFailed)
	}
	return nil
}

// ApplyMaintenance writes rec and the position's size, average price, count
// and maintenance time in one transaction. The slot must have been reserved:
// the row is only updated while its count equals rec's count and no record
// exists for that count yet, so the same add cannot be recorded twice.
func (r *Repository) ApplyMaintenance(ctx context.Context, pos *domain.Position, rec *domain.MaintenanceRecord) error {
	op := "ApplyMaintenance"
	if pos == nil || rec == nil || pos.LastMaintenanceAt == nil {
		return fmt.Errorf("%s failed: %w: position, record and maintenance time are required", op, ports.ErrInvalidRequest)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s failed to begin: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	defer tx.Rollback() // no-op after commit

	pos.UpdatedAt = r.now().UTC()
	const update = `
	UPDATE positions
	SET size = ?, entry_price = ?, margin = ?, maintenance_count = ?, last_maintenance_at = ?,
	    state = ?, updated_at = ?
	WHERE id = ? AND state != ? AND maintenance_count = ?
	  AND NOT EXISTS (SELECT 1 FROM maintenance_records WHERE position_id = ? AND maintenance_count = ?)`
	result, err := tx.ExecContext(ctx, update,
		pos.Size, pos.EntryPrice, pos.Margin, pos.MaintenanceCount, nullTime(pos.LastMaintenanceAt),
		pos.State, pos.UpdatedAt,
		pos.ID, domain.StateClosed, pos.MaintenanceCount,
		pos.ID, pos.MaintenanceCount)
	if err != nil {
		return fmt.Errorf("%s failed to update position %d: %w: %w", op, pos.ID, ports.ErrUpdateFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s failed to read rows affected: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	if n == 0 {
		return fmt.Errorf("%s failed: position %d is closed, unreserved or already recorded: %w", op, pos.ID, ports.ErrUpdateFailed)
	}

	const insert = `
	INSERT INTO maintenance_records (position_id, symbol, side, trigger_profit_rate, add_size, add_price,
	                                 resulting_avg_price, resulting_size, maintenance_count, client_order_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert,
		rec.PositionID, rec.Symbol, rec.Side, rec.TriggerProfitRate, rec.AddSize, rec.AddPrice,
		rec.ResultingAvgPrice, rec.ResultingSize, rec.MaintenanceCount, rec.ClientOrderID, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%s failed to insert record: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%s failed to get record ID: %w: %w", op, ports.ErrUpdateFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s failed to commit: %w: %w", op, ports.ErrUpdateFailed, err)
	}
	rec.ID = id
	r.logger.Debug(ctx, "Maintenance recorded", map[string]interface{}{
		"positionID": pos.ID, "recordID": id, "count": rec.MaintenanceCount,
	})
	return nil
}

// FindMaintenance returns the latest maintenance records for symbol/side, newest first.
func (r *Repository) FindMaintenance(ctx context.Context, symbol string, side domain.Side, limit int) ([]*domain.MaintenanceRecord, error) {
	const query = `
	SELECT id, position_id, symbol, side, trigger_profit_rate, add_size, add_price,
	       resulting_avg_price, resulting_size, maintenance_count, client_order_id, created_at
	FROM maintenance_records
	WHERE symbol = ? AND side = ?
	ORDER BY id DESC LIMIT ?`

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, query, symbol, side, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query maintenance records for %s: %w: %w", domain.PositionKey(symbol, side), ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]*domain.MaintenanceRecord, 0)
	for rows.Next() {
		rec := &domain.MaintenanceRecord{}
		var recSide string
		if err := rows.Scan(&rec.ID, &rec.PositionID, &rec.Symbol, &recSide, &rec.TriggerProfitRate,
			&rec.AddSize, &rec.AddPrice, &rec.ResultingAvgPrice, &rec.ResultingSize,
			&rec.MaintenanceCount, &rec.ClientOrderID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan maintenance record: %w", err)
		}
		rec.Side = domain.Side(recSide)
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating maintenance rows: %w", err)
	}
	return records, nil
}

// --- CloseHistoryStore Implementation ---

// CreateCloseRecord saves a close record and returns its assigned ID.
func (r *Repository) CreateCloseRecord(ctx context.Context, rec *domain.CloseRecord) (int64, error) {
	const query = `
	INSERT INTO close_history (position_id, symbol, side, closed_size, price, entry_price,
	                           realized_pnl, remaining_size, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var positionID sql.NullInt64
	if rec.PositionID != 0 {
		positionID = sql.NullInt64{Int64: rec.PositionID, Valid: true}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		positionID, rec.Symbol, rec.Side, rec.ClosedSize, rec.Price, rec.EntryPrice,
		rec.RealizedPNL, rec.RemainingSize, rec.Reason, rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert close record for %s: %w: %w", domain.PositionKey(rec.Symbol, rec.Side), ports.ErrUpdateFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for close record: %w", err)
	}
	rec.ID = id
	r.logger.Debug(ctx, "Close recorded", map[string]interface{}{"closeID": id, "symbol": rec.Symbol, "pnl": rec.RealizedPNL})
	return id, nil
}

// FindCloseHistory returns the latest close records for symbol, newest first.
func (r *Repository) FindCloseHistory(ctx context.Context, symbol string, limit int) ([]*domain.CloseRecord, error) {
	const query = `
	SELECT id, position_id, symbol, side, closed_size, price, entry_price, realized_pnl,
	       remaining_size, reason, created_at
	FROM close_history
	WHERE symbol = ? ORDER BY id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query close history for %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]*domain.CloseRecord, 0)
	for rows.Next() {
		rec := &domain.CloseRecord{}
		var positionID sql.NullInt64
		var side string
		var reason sql.NullString
		if err := rows.Scan(&rec.ID, &positionID, &rec.Symbol, &side, &rec.ClosedSize, &rec.Price,
			&rec.EntryPrice, &rec.RealizedPNL, &rec.RemainingSize, &reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan close record: %w", err)
		}
		rec.PositionID = positionID.Int64
		rec.Side = domain.Side(side)
		rec.Reason = domain.CloseReasonUnknown
		if reason.Valid {
			rec.Reason = domain.CloseReason(reason.String)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating close history rows: %w", err)
	}
	return records, nil
}

// GetTotalRealizedPNL sums realized PnL across all close records.
func (r *Repository) GetTotalRealizedPNL(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_pnl), 0) FROM close_history`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total realized PnL: %w: %w", ports.ErrQueryFailed, err)
	}
	return total, nil
}
