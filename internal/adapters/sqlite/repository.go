package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// Repository implements ports.Store and ports.KeyLocker using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/anchor_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL lets the read-only tools run next to the engine.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger, now: time.Now}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		state TEXT NOT NULL,
		tier TEXT NOT NULL,
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		mark_price REAL NOT NULL DEFAULT 0,
		margin REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL,
		is_anchor INTEGER NOT NULL DEFAULT 0,
		maintenance_count INTEGER NOT NULL DEFAULT 0,
		last_maintenance_at TIMESTAMP DEFAULT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		close_reason TEXT DEFAULT NULL
	);
	-- one live row per (symbol, side)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_live_key ON positions (symbol, side) WHERE state != 'closed';

	CREATE TABLE IF NOT EXISTS maintenance_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		trigger_profit_rate REAL NOT NULL,
		add_size REAL NOT NULL,
		add_price REAL NOT NULL,
		resulting_avg_price REAL NOT NULL,
		resulting_size REAL NOT NULL,
		maintenance_count INTEGER NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_maintenance_key_time ON maintenance_records (symbol, side, created_at);

	CREATE TABLE IF NOT EXISTS close_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		closed_size REAL NOT NULL,
		price REAL NOT NULL,
		entry_price REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		remaining_size REAL NOT NULL,
		reason TEXT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_close_history_symbol_time ON close_history (symbol, created_at);

	CREATE TABLE IF NOT EXISTS action_locks (
		lock_key TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionStore Implementation ---

const positionColumns = `id, symbol, side, state, tier, size, entry_price, mark_price, margin,
	       unrealized_pnl, leverage, is_anchor, maintenance_count, last_maintenance_at,
	       created_at, updated_at, closed_at, close_reason`

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, state, tier, size, entry_price, mark_price, margin,
	                       unrealized_pnl, leverage, is_anchor, maintenance_count, last_maintenance_at,
	                       created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := r.now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.State, pos.Tier, pos.Size, pos.EntryPrice, pos.MarkPrice, pos.Margin,
		pos.UnrealizedPNL, pos.Leverage, pos.IsAnchor, pos.MaintenanceCount, nullTime(pos.LastMaintenanceAt),
		pos.CreatedAt, pos.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("position %s already live: %w", pos.Key(), ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert position %s: %w: %w", pos.Key(), ports.ErrUpdateFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Key(), err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "key": pos.Key(), "tier": pos.Tier})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET state = ?, tier = ?, size = ?, entry_price = ?, mark_price = ?, margin = ?, unrealized_pnl = ?,
	    leverage = ?, is_anchor = ?, maintenance_count = ?, last_maintenance_at = ?, updated_at = ?,
	    closed_at = ?, close_reason = ?
	WHERE id = ?`

	pos.UpdatedAt = r.now().UTC()
	var reason sql.NullString
	if pos.CloseReason != "" {
		reason = sql.NullString{String: string(pos.CloseReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.State, pos.Tier, pos.Size, pos.EntryPrice, pos.MarkPrice, pos.Margin, pos.UnrealizedPNL,
		pos.Leverage, pos.IsAnchor, pos.MaintenanceCount, nullTime(pos.LastMaintenanceAt), pos.UpdatedAt,
		nullTime(pos.ClosedAt), reason,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w: %w", pos.ID, ports.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "key": pos.Key(), "state": pos.State})
	return nil
}

// FindOpen retrieves the live position for symbol/side, if any.
func (r *Repository) FindOpen(ctx context.Context, symbol string, side domain.Side) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE symbol = ? AND side = ? AND state != ?`

	row := r.db.QueryRowContext(ctx, query, symbol, side, domain.StateClosed)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position %s: %w: %w", domain.PositionKey(symbol, side), ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w: %w", id, ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// FindAllOpen retrieves every live position ordered by symbol and side.
func (r *Repository) FindAllOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE state != ? ORDER BY symbol, side`

	rows, err := r.db.QueryContext(ctx, query, domain.StateClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindAllOpen: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// CountOpenByTier counts live positions per tier.
func (r *Repository) CountOpenByTier(ctx context.Context) (map[domain.Tier]int, error) {
	const query = `SELECT tier, COUNT(*) FROM positions WHERE state != ? GROUP BY tier`

	rows, err := r.db.QueryContext(ctx, query, domain.StateClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to count positions by tier: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	counts := make(map[domain.Tier]int)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("failed to scan tier count: %w", err)
		}
		counts[domain.Tier(tier)] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tier counts: %w", err)
	}
	return counts, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, state, tier string
	var lastMaintenance, closedAt sql.NullTime
	var closeReason sql.NullString
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &state, &tier, &p.Size, &p.EntryPrice, &p.MarkPrice, &p.Margin,
		&p.UnrealizedPNL, &p.Leverage, &p.IsAnchor, &p.MaintenanceCount, &lastMaintenance,
		&p.CreatedAt, &p.UpdatedAt, &closedAt, &closeReason)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	p.Tier = domain.Tier(tier)
	if lastMaintenance.Valid {
		t := lastMaintenance.Time
		p.LastMaintenanceAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	return p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
