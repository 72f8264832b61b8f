package flow

import (
	"context"
	"sync"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries trade batches from the collectors into the scheduler. The
// channel is bounded so collectors never block on a slow consumer; saturation
// drops the batch and counts it.
type Channels struct {
	Trades chan models.TradeBatch

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Trades: make(chan models.TradeBatch, bufferSize),
		log:    log,
	}

	log.WithComponent("trade_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("trade channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Trades)
	c.log.WithComponent("trade_channels").Info("trade channels closed")
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

// SendTrades offers a batch to the scheduler without blocking. It returns
// false when the context is cancelled or the channel is saturated.
func (c *Channels) SendTrades(ctx context.Context, batch models.TradeBatch) bool {
	select {
	case c.Trades <- batch:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementDropped()
		logger.IncrementTradeDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel occupancy until the context
// is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("trade_channels").WithFields(logger.Fields{
				"trades_len":     len(c.Trades),
				"trades_cap":     cap(c.Trades),
				"batches_sent":   stats.Sent,
				"batches_dropped": stats.Dropped,
			}).Info("trade channel sizes")
		}
	}
}
