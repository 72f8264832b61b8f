package buffer

import (
	"sync"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

// TradeBuffer keeps the most recent trades per (exchange,symbol) key in
// memory for indicator calculations. Each key holds at most maxPerKey trades;
// a global ceiling bounds total memory by evicting the oldest half of the
// largest key's buffer when exceeded. Reads copy, so a calculation never
// observes a buffer mutated mid-read.
type TradeBuffer struct {
	mu        sync.RWMutex
	maxPerKey int
	maxTotal  int
	trades    map[string][]models.Trade
	total     int
	log       *logger.Log
}

func NewTradeBuffer(maxPerKey, maxTotal int) *TradeBuffer {
	return &TradeBuffer{
		maxPerKey: maxPerKey,
		maxTotal:  maxTotal,
		trades:    make(map[string][]models.Trade),
		log:       logger.GetLogger(),
	}
}

// Add appends trades to their per-key windows, trimming the oldest entries
// past the per-key bound and enforcing the global ceiling.
func (b *TradeBuffer) Add(trades []models.Trade) {
	if len(trades) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range trades {
		key := t.Key()
		buf := append(b.trades[key], t)
		if overflow := len(buf) - b.maxPerKey; overflow > 0 {
			buf = buf[overflow:]
			b.total -= overflow
		}
		b.trades[key] = buf
		b.total++
	}

	for b.total > b.maxTotal {
		b.evictLargest()
	}
}

// evictLargest drops the oldest half of the largest key's buffer. Caller must
// hold the write lock.
func (b *TradeBuffer) evictLargest() {
	var largestKey string
	largest := 0
	for key, buf := range b.trades {
		if len(buf) > largest {
			largest = len(buf)
			largestKey = key
		}
	}
	if largestKey == "" || largest == 0 {
		return
	}

	half := largest / 2
	if half == 0 {
		half = 1
	}
	b.trades[largestKey] = b.trades[largestKey][half:]
	b.total -= half

	b.log.WithComponent("trade_buffer").WithFields(logger.Fields{
		"key":     largestKey,
		"evicted": half,
		"total":   b.total,
	}).Debug("evicted oldest trades to honor global ceiling")
}

// Query returns a copy of the buffered trades for one (symbol,exchange) key
// with timestamps at or after since, preserving arrival order.
func (b *TradeBuffer) Query(symbol, exchange string, since time.Time) []models.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.trades[exchange+":"+symbol]
	if len(buf) == 0 {
		return nil
	}

	out := make([]models.Trade, 0, len(buf))
	for _, t := range buf {
		if !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out
}

// Keys returns every (exchange,symbol) key currently holding trades.
func (b *TradeBuffer) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.trades))
	for key := range b.trades {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the total number of buffered trades.
func (b *TradeBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
