package calc

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// VolumeProfileCalculator buckets trades into tick-rounded price levels and
// derives the point of control and value area. The calculator is stateless;
// identical input always yields an identical profile.
type VolumeProfileCalculator struct {
	config *appconfig.CalcConfig
	log    *logger.Log
}

func NewVolumeProfileCalculator(cfg *appconfig.CalcConfig) *VolumeProfileCalculator {
	return &VolumeProfileCalculator{
		config: cfg,
		log:    logger.GetLogger(),
	}
}

// roundToTick rounds a price to the nearest multiple of the tick size.
func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Round(0).Mul(tick)
}

// Calculate builds a volume profile for one (symbol, exchange) window. The
// trade set must be non-empty; an empty input is a caller error.
func (c *VolumeProfileCalculator) Calculate(trades []models.Trade, symbol, exchange, timeframe string) (*models.VolumeProfile, error) {
	if len(trades) == 0 {
		return nil, fmt.Errorf("volume profile requires a non-empty trade set")
	}

	tick := c.config.TickSize(symbol)

	volumes := make(map[string]decimal.Decimal)
	prices := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, t := range trades {
		level := roundToTick(t.Price, tick)
		key := level.String()
		volumes[key] = volumes[key].Add(t.Quantity)
		prices[key] = level
		total = total.Add(t.Quantity)
	}

	levels := make([]models.PriceLevel, 0, len(volumes))
	for key, vol := range volumes {
		levels = append(levels, models.PriceLevel{Price: prices[key], Volume: vol})
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})

	// POC is the highest-volume level; ties break toward the lowest price
	// for determinism.
	pocIdx := 0
	for i := 1; i < len(levels); i++ {
		if levels[i].Volume.GreaterThan(levels[pocIdx].Volume) {
			pocIdx = i
		}
	}

	low, high := c.expandValueArea(levels, pocIdx, total)

	profile := &models.VolumeProfile{
		Symbol:       symbol,
		Exchange:     exchange,
		Timeframe:    timeframe,
		Timestamp:    time.Now().UTC(),
		POC:          levels[pocIdx].Price,
		VAH:          levels[high].Price,
		VAL:          levels[low].Price,
		TotalVolume:  total,
		TradeCount:   len(trades),
		Distribution: levels,
	}
	return profile, nil
}

// expandValueArea grows [low,high] outward from the POC, one tick level at a
// time toward whichever adjacent level holds more volume, until the
// accumulated volume reaches the configured share of the total. A side stops
// once no further level exists.
func (c *VolumeProfileCalculator) expandValueArea(levels []models.PriceLevel, pocIdx int, total decimal.Decimal) (int, int) {
	target := total.Mul(decimal.NewFromFloat(c.config.ValueAreaPercentage))
	low, high := pocIdx, pocIdx
	acc := levels[pocIdx].Volume

	for acc.LessThan(target) {
		hasBelow := low > 0
		hasAbove := high < len(levels)-1
		if !hasBelow && !hasAbove {
			break
		}

		switch {
		case hasBelow && hasAbove:
			below := levels[low-1].Volume
			above := levels[high+1].Volume
			// equal volumes extend downward, matching the POC tie rule
			if above.GreaterThan(below) {
				high++
				acc = acc.Add(above)
			} else {
				low--
				acc = acc.Add(below)
			}
		case hasBelow:
			low--
			acc = acc.Add(levels[low].Volume)
		default:
			high++
			acc = acc.Add(levels[high].Volume)
		}
	}
	return low, high
}
