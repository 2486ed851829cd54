package ports

import (
	"context"
	"time"

	"anchorBot/internal/domain"
)

// PositionStore defines the interface for storing and retrieving positions.
type PositionStore interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpen retrieves the open position for symbol/side. Returns nil, nil if none.
	FindOpen(ctx context.Context, symbol string, side domain.Side) (*domain.Position, error)
	// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindAllOpen retrieves every position that is not closed.
	FindAllOpen(ctx context.Context) ([]*domain.Position, error)
	// CountOpenByTier counts open positions per tier.
	CountOpenByTier(ctx context.Context) (map[domain.Tier]int, error)
}

// MaintenanceStore persists maintenance adds. A slot is reserved before the
// add order is sent, so an add whose outcome was never recorded still counts.
type MaintenanceStore interface {
	// ReserveMaintenance increments the stored maintenance count of position id
	// and stamps at as its maintenance time, if the count still equals prevCount.
	ReserveMaintenance(ctx context.Context, id int64, prevCount int, at time.Time) error
	// ReleaseMaintenance restores prevCount and prevAt after an add that was
	// definitely not executed.
	ReleaseMaintenance(ctx context.Context, id int64, prevCount int, prevAt *time.Time) error
	// ApplyMaintenance stores the record and the position's size, average price,
	// maintenance count and last maintenance time in one transaction.
	ApplyMaintenance(ctx context.Context, pos *domain.Position, rec *domain.MaintenanceRecord) error
	// FindMaintenance returns the most recent records for symbol/side, newest first.
	FindMaintenance(ctx context.Context, symbol string, side domain.Side, limit int) ([]*domain.MaintenanceRecord, error)
}

// CloseHistoryStore persists confirmed closes.
type CloseHistoryStore interface {
	// CreateCloseRecord saves a close record and returns its assigned ID.
	CreateCloseRecord(ctx context.Context, rec *domain.CloseRecord) (int64, error)
	// GetTotalRealizedPNL sums realized PnL across all close records.
	GetTotalRealizedPNL(ctx context.Context) (float64, error)
}

// Store groups every persistence capability the lifecycle needs.
type Store interface {
	PositionStore
	MaintenanceStore
	CloseHistoryStore
}

// KeyLocker serializes mutating actions per position key.
type KeyLocker interface {
	// Acquire takes an exclusive, time-boxed lock on key. It returns an
	// idempotent unlock function, or ErrConcurrentActionInProgress when held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// AdvisorySink receives fire-and-forget advisories. Implementations must not
// block the caller on delivery.
type AdvisorySink interface {
	Advise(ctx context.Context, adv domain.Advisory)
}
