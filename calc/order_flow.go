package calc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// OrderFlowCalculator computes buy/sell volumes, delta, absorption events and
// a momentum score from a time-ordered trade window. The cumulative delta per
// (symbol,exchange) key is the only state carried across calls; it is owned
// here, updated only after a calculation fully succeeds, and reset only by an
// explicit operator action.
type OrderFlowCalculator struct {
	config        *appconfig.CalcConfig
	log           *logger.Log
	largeNotional decimal.Decimal

	mu         sync.Mutex
	cumulative map[string]decimal.Decimal
}

func NewOrderFlowCalculator(cfg *appconfig.CalcConfig) *OrderFlowCalculator {
	largeNotional, err := decimal.NewFromString(cfg.LargeTradeNotional)
	if err != nil {
		largeNotional = decimal.NewFromInt(100000)
	}
	return &OrderFlowCalculator{
		config:        cfg,
		log:           logger.GetLogger(),
		largeNotional: largeNotional,
		cumulative:    make(map[string]decimal.Decimal),
	}
}

// Seed initialises the cumulative delta for a key, typically from the latest
// persisted snapshot on restart. It does not overwrite a live value.
func (c *OrderFlowCalculator) Seed(symbol, exchange string, cum decimal.Decimal) {
	key := exchange + ":" + symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cumulative[key]; !ok {
		c.cumulative[key] = cum
	}
}

// Reset clears the cumulative delta for a key. Operator action only.
func (c *OrderFlowCalculator) Reset(symbol, exchange string) {
	key := exchange + ":" + symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cumulative, key)

	c.log.WithComponent("order_flow").WithFields(logger.Fields{
		"symbol":   symbol,
		"exchange": exchange,
	}).Info("cumulative delta reset")
}

// CumulativeDelta returns the carried cumulative delta for a key.
func (c *OrderFlowCalculator) CumulativeDelta(symbol, exchange string) decimal.Decimal {
	key := exchange + ":" + symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulative[key]
}

// Calculate builds an order flow snapshot for one time-ordered trade window.
// The trade set must be non-empty; an empty input is a caller error. The
// scheduler must not run Calculate concurrently for the same key so cumulative
// delta updates apply in timestamp order.
func (c *OrderFlowCalculator) Calculate(trades []models.Trade, symbol, exchange, timeframe string) (*models.OrderFlowSnapshot, error) {
	if len(trades) == 0 {
		return nil, fmt.Errorf("order flow requires a non-empty trade set")
	}

	buyVolume := decimal.Zero
	sellVolume := decimal.Zero
	largeTrades := 0
	for _, t := range trades {
		if t.Side == models.SideBuy {
			buyVolume = buyVolume.Add(t.Quantity)
		} else {
			sellVolume = sellVolume.Add(t.Quantity)
		}
		if t.Notional().GreaterThanOrEqual(c.largeNotional) {
			largeTrades++
		}
	}

	delta := buyVolume.Sub(sellVolume)
	totalVolume := buyVolume.Add(sellVolume)

	imbalance := 0.5
	if totalVolume.IsPositive() {
		imbalance, _ = buyVolume.Div(totalVolume).Float64()
	}

	snapshot := &models.OrderFlowSnapshot{
		ID:               uuid.New().String(),
		Symbol:           symbol,
		Exchange:         exchange,
		Timeframe:        timeframe,
		Timestamp:        time.Now().UTC(),
		BuyVolume:        buyVolume,
		SellVolume:       sellVolume,
		Delta:            delta,
		ImbalanceRatio:   imbalance,
		LargeTradesCount: largeTrades,
		TradeCount:       len(trades),
		AbsorptionEvents: c.detectAbsorption(trades),
	}
	snapshot.MomentumScore = c.momentumScore(trades, delta, totalVolume, imbalance, largeTrades)

	// Cumulative delta is committed last so a failed calculation never
	// leaves a partial update behind.
	key := exchange + ":" + symbol
	c.mu.Lock()
	cum := c.cumulative[key].Add(delta)
	c.cumulative[key] = cum
	c.mu.Unlock()
	snapshot.CumulativeDelta = cum

	return snapshot, nil
}

// momentumScore maps window activity onto a 0-100 scale where 50 is neutral:
// up to ±40 from delta strength, ±30 from imbalance skew, +20 from the large
// trade share and +10 from arrival rate.
func (c *OrderFlowCalculator) momentumScore(trades []models.Trade, delta, totalVolume decimal.Decimal, imbalance float64, largeTrades int) float64 {
	score := 50.0

	if totalVolume.IsPositive() {
		strength, _ := delta.Abs().Div(totalVolume).Float64()
		if delta.IsNegative() {
			strength = -strength
		}
		score += 40 * strength
	}

	score += 60 * (imbalance - 0.5)

	score += 20 * float64(largeTrades) / float64(len(trades))

	windowSeconds := trades[len(trades)-1].Timestamp.Sub(trades[0].Timestamp).Seconds()
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	rate := float64(len(trades)) / windowSeconds
	if rate > 10 {
		rate = 10
	}
	score += rate

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

type subWindow struct {
	start      time.Time
	buyVolume  decimal.Decimal
	sellVolume decimal.Decimal
	minPrice   decimal.Decimal
	maxPrice   decimal.Decimal
	sumPrice   decimal.Decimal
	notional   decimal.Decimal
	count      int
}

// detectAbsorption splits the window into fixed sub-windows and flags those
// where volume intensity spikes while price stays pinned and one side
// dominates. Thresholds come from configuration; they are empirically chosen
// and not known to be optimal.
func (c *OrderFlowCalculator) detectAbsorption(trades []models.Trade) []models.AbsorptionEvent {
	windowLen := c.config.Absorption.SubWindow
	start := trades[0].Timestamp.Truncate(windowLen)

	windows := make(map[int64]*subWindow)
	for _, t := range trades {
		idx := t.Timestamp.Sub(start) / windowLen
		w, ok := windows[int64(idx)]
		if !ok {
			w = &subWindow{
				start:    start.Add(time.Duration(idx) * windowLen),
				minPrice: t.Price,
				maxPrice: t.Price,
			}
			windows[int64(idx)] = w
		}
		if t.Side == models.SideBuy {
			w.buyVolume = w.buyVolume.Add(t.Quantity)
		} else {
			w.sellVolume = w.sellVolume.Add(t.Quantity)
		}
		if t.Price.LessThan(w.minPrice) {
			w.minPrice = t.Price
		}
		if t.Price.GreaterThan(w.maxPrice) {
			w.maxPrice = t.Price
		}
		w.sumPrice = w.sumPrice.Add(t.Price)
		w.notional = w.notional.Add(t.Notional())
		w.count++
	}

	// Average intensity across sub-windows is the spike baseline.
	avgIntensity := 0.0
	for _, w := range windows {
		volume := w.buyVolume.Add(w.sellVolume)
		intensity, _ := volume.Div(decimal.NewFromInt(int64(w.count))).Float64()
		avgIntensity += intensity
	}
	avgIntensity /= float64(len(windows))
	if avgIntensity == 0 {
		return nil
	}

	var events []models.AbsorptionEvent
	for _, w := range windows {
		if w.count < c.config.Absorption.MinTrades {
			continue
		}
		volume := w.buyVolume.Add(w.sellVolume)
		intensity, _ := volume.Div(decimal.NewFromInt(int64(w.count))).Float64()
		if intensity < c.config.Absorption.IntensityRatio*avgIntensity {
			continue
		}

		avgPrice := w.sumPrice.Div(decimal.NewFromInt(int64(w.count)))
		rangePct, _ := w.maxPrice.Sub(w.minPrice).Div(avgPrice).Float64()
		if rangePct >= c.config.Absorption.MaxPriceRangePct {
			continue
		}

		imbalanceVol := w.buyVolume.Sub(w.sellVolume).Abs()
		imbalanceFrac, _ := imbalanceVol.Div(volume).Float64()
		if imbalanceFrac <= c.config.Absorption.ImbalanceThreshold {
			continue
		}

		side := models.SideBuy
		if w.sellVolume.GreaterThan(w.buyVolume) {
			side = models.SideSell
		}
		events = append(events, models.AbsorptionEvent{
			Timestamp:    w.start,
			PriceLevel:   w.notional.Div(volume),
			Volume:       volume,
			DominantSide: side,
			Strength:     imbalanceFrac,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}
