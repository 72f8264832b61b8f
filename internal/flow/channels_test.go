package flow

import (
	"context"
	"testing"
	"time"

	"tradeflow/models"
)

func TestSendTrades(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx := context.Background()
	batch := models.TradeBatch{Exchange: "bybit", Timestamp: time.Now()}

	if !c.SendTrades(ctx, batch) {
		t.Fatalf("expected send to succeed")
	}
	// channel is full now, second send must drop without blocking
	if c.SendTrades(ctx, batch) {
		t.Fatalf("expected send to drop on full channel")
	}

	stats := c.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendTradesCancelledContext(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Trades <- models.TradeBatch{} // fill the buffer
	if c.SendTrades(ctx, models.TradeBatch{}) {
		t.Fatalf("expected send to fail after cancellation")
	}
}
