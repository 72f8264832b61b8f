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

func calcConfig() *appconfig.CalcConfig {
	return &appconfig.CalcConfig{
		ValueAreaPercentage: 0.70,
		DefaultTickSize:     "1",
		TickSizes:           map[string]string{},
		LargeTradeNotional:  "100000",
	}
}

func trade(price string, qty string, side models.Side, ts time.Time) models.Trade {
	return models.Trade{
		Symbol:    "BTCUSDT",
		Exchange:  "bybit",
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Side:      side,
		Timestamp: ts,
	}
}

func TestVolumeProfileEmptyInput(t *testing.T) {
	c := NewVolumeProfileCalculator(calcConfig())
	_, err := c.Calculate(nil, "BTCUSDT", "bybit", "5m")
	require.Error(t, err)
}

func TestVolumeProfileSingleTrade(t *testing.T) {
	c := NewVolumeProfileCalculator(calcConfig())
	trades := []models.Trade{trade("100.4", "2", models.SideBuy, time.Now())}

	profile, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)

	rounded := decimal.RequireFromString("100")
	assert.True(t, profile.POC.Equal(rounded), "poc = %s", profile.POC)
	assert.True(t, profile.VAH.Equal(rounded), "vah = %s", profile.VAH)
	assert.True(t, profile.VAL.Equal(rounded), "val = %s", profile.VAL)
	assert.True(t, profile.TotalVolume.Equal(decimal.RequireFromString("2")))
}

func TestVolumeProfileValueAreaExpansion(t *testing.T) {
	// 10 @ 100, 5 @ 101, 3 @ 99 with a 70% value area: POC is 100 and the
	// first expansion step takes 101 (15/18 ~ 83% >= 70%), so VAL=100 VAH=101.
	c := NewVolumeProfileCalculator(calcConfig())
	now := time.Now()
	trades := []models.Trade{
		trade("100", "10", models.SideBuy, now),
		trade("101", "5", models.SideSell, now),
		trade("99", "3", models.SideBuy, now),
	}

	profile, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)

	assert.Equal(t, "100", profile.POC.String())
	assert.Equal(t, "101", profile.VAH.String())
	assert.Equal(t, "100", profile.VAL.String())
}

func TestVolumeProfileInvariants(t *testing.T) {
	c := NewVolumeProfileCalculator(calcConfig())
	now := time.Now()
	trades := []models.Trade{
		trade("99.2", "1.5", models.SideBuy, now),
		trade("100.7", "2.25", models.SideSell, now),
		trade("101.1", "0.5", models.SideBuy, now),
		trade("100.9", "4", models.SideSell, now),
		trade("98.4", "3.1", models.SideBuy, now),
		trade("100.1", "1", models.SideSell, now),
	}

	profile, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)

	assert.True(t, profile.VAL.LessThanOrEqual(profile.POC), "val <= poc")
	assert.True(t, profile.POC.LessThanOrEqual(profile.VAH), "poc <= vah")

	sum := decimal.Zero
	for _, lvl := range profile.Distribution {
		sum = sum.Add(lvl.Volume)
	}
	assert.True(t, sum.Equal(profile.TotalVolume), "distribution sums to total volume")
}

func TestVolumeProfilePOCTieBreaksLow(t *testing.T) {
	c := NewVolumeProfileCalculator(calcConfig())
	now := time.Now()
	trades := []models.Trade{
		trade("100", "5", models.SideBuy, now),
		trade("102", "5", models.SideSell, now),
	}

	profile, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)
	assert.Equal(t, "100", profile.POC.String())
}

func TestVolumeProfileIdempotent(t *testing.T) {
	c := NewVolumeProfileCalculator(calcConfig())
	now := time.Now()
	trades := []models.Trade{
		trade("100", "10", models.SideBuy, now),
		trade("101", "5", models.SideSell, now),
		trade("99", "3", models.SideBuy, now),
	}

	first, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)
	second, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)

	assert.True(t, first.POC.Equal(second.POC))
	assert.True(t, first.VAH.Equal(second.VAH))
	assert.True(t, first.VAL.Equal(second.VAL))
}

func TestVolumeProfileUsesConfiguredTick(t *testing.T) {
	cfg := calcConfig()
	cfg.TickSizes["BTCUSDT"] = "0.5"
	c := NewVolumeProfileCalculator(cfg)

	trades := []models.Trade{trade("100.3", "1", models.SideBuy, time.Now())}
	profile, err := c.Calculate(trades, "BTCUSDT", "bybit", "5m")
	require.NoError(t, err)
	assert.Equal(t, "100.5", profile.POC.String())
}
