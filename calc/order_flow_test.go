package calc

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tradeflow/config"
	"tradeflow/models"
)

func flowConfig() *appconfig.CalcConfig {
	return &appconfig.CalcConfig{
		ValueAreaPercentage: 0.70,
		DefaultTickSize:     "1",
		TickSizes:           map[string]string{},
		LargeTradeNotional:  "100000",
		Absorption: appconfig.AbsorptionConfig{
			SubWindow:          60 * time.Second,
			MinTrades:          10,
			IntensityRatio:     2.5,
			MaxPriceRangePct:   0.0015,
			ImbalanceThreshold: 0.6,
		},
	}
}

func TestOrderFlowEmptyInput(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	_, err := c.Calculate(nil, "BTCUSDT", "bybit", "1m")
	require.Error(t, err)
}

func TestOrderFlowDeltaInvariant(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	now := time.Now()
	trades := []models.Trade{
		trade("100", "3", models.SideBuy, now),
		trade("100", "1.5", models.SideSell, now.Add(time.Second)),
		trade("101", "2.25", models.SideBuy, now.Add(2*time.Second)),
		trade("99", "4", models.SideSell, now.Add(3*time.Second)),
	}

	snap, err := c.Calculate(trades, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)

	assert.True(t, snap.Delta.Equal(snap.BuyVolume.Sub(snap.SellVolume)), "delta == buy - sell")
	total := snap.BuyVolume.Add(snap.SellVolume)
	assert.True(t, total.Equal(decimal.RequireFromString("10.75")), "buy+sell == window volume")
}

func TestOrderFlowScenario(t *testing.T) {
	// 25 buys of quantity 1 @ 100 and 5 sells of quantity 1 @ 99 with no
	// previous snapshot.
	c := NewOrderFlowCalculator(flowConfig())
	now := time.Now()
	var trades []models.Trade
	for i := 0; i < 25; i++ {
		trades = append(trades, trade("100", "1", models.SideBuy, now.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 5; i++ {
		trades = append(trades, trade("99", "1", models.SideSell, now.Add(time.Duration(25+i)*time.Second)))
	}

	snap, err := c.Calculate(trades, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)

	assert.Equal(t, "25", snap.BuyVolume.String())
	assert.Equal(t, "5", snap.SellVolume.String())
	assert.Equal(t, "20", snap.Delta.String())
	assert.Equal(t, "20", snap.CumulativeDelta.String())
	assert.InDelta(t, 0.833, snap.ImbalanceRatio, 0.001)
}

func TestOrderFlowAllBuys(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	now := time.Now()
	trades := []models.Trade{
		trade("100", "1", models.SideBuy, now),
		trade("100", "2", models.SideBuy, now.Add(time.Second)),
	}

	snap, err := c.Calculate(trades, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)

	assert.Equal(t, 1.0, snap.ImbalanceRatio)
	assert.True(t, snap.SellVolume.IsZero())
}

func TestOrderFlowCumulativeDeltaAdditivity(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	now := time.Now()

	first := []models.Trade{
		trade("100", "5", models.SideBuy, now),
		trade("100", "2", models.SideSell, now.Add(time.Second)),
	}
	second := []models.Trade{
		trade("100", "1", models.SideBuy, now.Add(2*time.Second)),
		trade("100", "4", models.SideSell, now.Add(3*time.Second)),
	}

	s1, err := c.Calculate(first, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)
	s2, err := c.Calculate(second, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)

	assert.True(t, s2.CumulativeDelta.Equal(s1.CumulativeDelta.Add(s2.Delta)),
		"cumulative delta carries across snapshots")
	assert.Equal(t, "0", s2.CumulativeDelta.String())
}

func TestOrderFlowCumulativeDeltaPerKey(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	now := time.Now()
	trades := []models.Trade{trade("100", "3", models.SideBuy, now)}

	_, err := c.Calculate(trades, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)

	snap, err := c.Calculate(trades, "ETHUSDT", "bybit", "1m")
	require.NoError(t, err)
	assert.Equal(t, "3", snap.CumulativeDelta.String(), "keys do not share cumulative delta")
}

func TestOrderFlowSeedAndReset(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	c.Seed("BTCUSDT", "bybit", decimal.RequireFromString("42"))

	now := time.Now()
	snap, err := c.Calculate([]models.Trade{trade("100", "1", models.SideBuy, now)}, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)
	assert.Equal(t, "43", snap.CumulativeDelta.String())

	// a live value is not overwritten by a late seed
	c.Seed("BTCUSDT", "bybit", decimal.RequireFromString("1000"))
	assert.Equal(t, "43", c.CumulativeDelta("BTCUSDT", "bybit").String())

	c.Reset("BTCUSDT", "bybit")
	assert.True(t, c.CumulativeDelta("BTCUSDT", "bybit").IsZero())
}

func TestOrderFlowLargeTrades(t *testing.T) {
	cfg := flowConfig()
	cfg.LargeTradeNotional = "500"
	c := NewOrderFlowCalculator(cfg)

	now := time.Now()
	trades := []models.Trade{
		trade("100", "6", models.SideBuy, now),  // notional 600
		trade("100", "1", models.SideSell, now), // notional 100
	}

	snap, err := c.Calculate(trades, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.LargeTradesCount)
}

func TestAbsorptionDetection(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	base := time.Now().Truncate(time.Minute)

	var trades []models.Trade
	// two quiet balanced sub-windows around a spike keep the average
	// intensity low enough for the spike to clear the 2.5x bar
	for i := 0; i < 10; i++ {
		side := models.SideBuy
		if i%2 == 0 {
			side = models.SideSell
		}
		trades = append(trades, trade("100", "0.1", side, base.Add(time.Duration(i*5)*time.Second)))
		trades = append(trades, trade("100", "0.1", side, base.Add(2*time.Minute).Add(time.Duration(i*5)*time.Second)))
	}
	// spike window: 12 trades of quantity 5, 11 buys vs 1 sell, price
	// pinned between 100 and 100.05
	for i := 0; i < 12; i++ {
		side := models.SideBuy
		if i == 0 {
			side = models.SideSell
		}
		price := "100"
		if i%2 == 1 {
			price = "100.05"
		}
		trades = append(trades, trade(price, "5", side, base.Add(time.Minute).Add(time.Duration(i*4)*time.Second)))
	}

	snap, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)

	require.Len(t, snap.AbsorptionEvents, 1)
	evt := snap.AbsorptionEvents[0]
	assert.Equal(t, models.SideBuy, evt.DominantSide)
	assert.True(t, evt.Volume.Equal(decimal.RequireFromString("60")))
	assert.Greater(t, evt.Strength, 0.6)
}

func TestAbsorptionQuietWindowNotFlagged(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	base := time.Now().Truncate(time.Minute)

	var trades []models.Trade
	for i := 0; i < 20; i++ {
		side := models.SideBuy
		if i%2 == 0 {
			side = models.SideSell
		}
		trades = append(trades, trade("100", "1", side, base.Add(time.Duration(i*2)*time.Second)))
	}

	snap, err := c.Calculate(trades, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)
	assert.Empty(t, snap.AbsorptionEvents)
}

func TestMomentumScoreBounds(t *testing.T) {
	c := NewOrderFlowCalculator(flowConfig())
	now := time.Now()

	var buys []models.Trade
	for i := 0; i < 30; i++ {
		buys = append(buys, trade("100", "1", models.SideBuy, now.Add(time.Duration(i)*100*time.Millisecond)))
	}
	snap, err := c.Calculate(buys, "BTCUSDT", "bybit", "1m")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.MomentumScore, 0.0)
	assert.LessOrEqual(t, snap.MomentumScore, 100.0)
	assert.Greater(t, snap.MomentumScore, 80.0, "one-sided flow scores strongly bullish")

	var sells []models.Trade
	for i := 0; i < 30; i++ {
		sells = append(sells, trade("100", "1", models.SideSell, now.Add(time.Duration(i)*time.Second)))
	}
	snap, err = c.Calculate(sells, "ETHUSDT", "bybit", "1m")
	require.NoError(t, err)
	assert.Less(t, snap.MomentumScore, 50.0, "one-sided selling scores bearish")
}
