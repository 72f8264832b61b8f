package storage

import (
	"context"
	"sync"
	"time"

	"tradeflow/models"
)

// MemoryStorage is a process-local Storage used when Redis is disabled and in
// tests. Trades older than the retention window are pruned on write, and each
// key holds at most maxPerKey trades (0 means unbounded), matching the Redis
// implementation's window policy.
type MemoryStorage struct {
	mu        sync.RWMutex
	retention time.Duration
	maxPerKey int
	trades    map[string][]models.Trade
	profiles  map[string]*models.VolumeProfile
	flows     map[string]*models.OrderFlowSnapshot
}

func NewMemoryStorage(retention time.Duration, maxPerKey int) *MemoryStorage {
	if retention <= 0 {
		retention = time.Hour
	}
	return &MemoryStorage{
		retention: retention,
		maxPerKey: maxPerKey,
		trades:    make(map[string][]models.Trade),
		profiles:  make(map[string]*models.VolumeProfile),
		flows:     make(map[string]*models.OrderFlowSnapshot),
	}
}

func tradeKey(symbol, exchange string) string {
	return exchange + ":" + symbol
}

func indicatorKey(symbol, exchange, timeframe string) string {
	return exchange + ":" + symbol + ":" + timeframe
}

func (s *MemoryStorage) SaveTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trades {
		key := tradeKey(t.Symbol, t.Exchange)
		s.trades[key] = append(s.trades[key], t)
	}
	for _, t := range trades {
		key := tradeKey(t.Symbol, t.Exchange)
		kept := s.trades[key]
		idx := 0
		for idx < len(kept) && kept[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if s.maxPerKey > 0 && len(kept)-idx > s.maxPerKey {
			idx = len(kept) - s.maxPerKey
		}
		if idx > 0 {
			s.trades[key] = append([]models.Trade(nil), kept[idx:]...)
		}
	}
	return nil
}

func (s *MemoryStorage) GetRecentTrades(ctx context.Context, symbol, exchange string, since time.Time) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Trade
	for _, t := range s.trades[tradeKey(symbol, exchange)] {
		if !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStorage) SaveVolumeProfile(ctx context.Context, profile *models.VolumeProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[indicatorKey(profile.Symbol, profile.Exchange, profile.Timeframe)] = profile
	return nil
}

// GetVolumeProfile returns the latest stored profile for a key, or nil.
func (s *MemoryStorage) GetVolumeProfile(ctx context.Context, symbol, exchange, timeframe string) (*models.VolumeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[indicatorKey(symbol, exchange, timeframe)], nil
}

func (s *MemoryStorage) SaveOrderFlow(ctx context.Context, snapshot *models.OrderFlowSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[indicatorKey(snapshot.Symbol, snapshot.Exchange, snapshot.Timeframe)] = snapshot
	return nil
}

func (s *MemoryStorage) GetLatestOrderFlow(ctx context.Context, symbol, exchange, timeframe string) (*models.OrderFlowSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flows[indicatorKey(symbol, exchange, timeframe)], nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
