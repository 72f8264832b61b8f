package storage

import (
	"context"
	"time"

	"tradeflow/models"
)

// Storage persists trades and indicator results. Implementations must be safe
// for concurrent use; the scheduler writes from many calculation goroutines.
type Storage interface {
	// SaveTrades appends trades to a key's window.
	SaveTrades(ctx context.Context, trades []models.Trade) error
	// GetRecentTrades returns the trades for one key at or after since,
	// oldest first.
	GetRecentTrades(ctx context.Context, symbol, exchange string, since time.Time) ([]models.Trade, error)
	// SaveVolumeProfile stores the latest profile for its key and timeframe.
	SaveVolumeProfile(ctx context.Context, profile *models.VolumeProfile) error
	// SaveOrderFlow stores the latest snapshot for its key and timeframe.
	SaveOrderFlow(ctx context.Context, snapshot *models.OrderFlowSnapshot) error
	// GetLatestOrderFlow returns the most recent snapshot for a key and
	// timeframe, or nil when none exists.
	GetLatestOrderFlow(ctx context.Context, symbol, exchange, timeframe string) (*models.OrderFlowSnapshot, error)
	// Close releases the backing connection.
	Close() error
}
