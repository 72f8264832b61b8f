package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a tick-rounded price with its aggregated traded volume.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// VolumeProfile is the result of one volume profile calculation over a
// (symbol, exchange, timeframe) window. Invariants: VAL <= POC <= VAH and the
// distribution volumes sum to TotalVolume.
type VolumeProfile struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Timeframe    string          `json:"timeframe"`
	Timestamp    time.Time       `json:"timestamp"`
	POC          decimal.Decimal `json:"poc"`
	VAH          decimal.Decimal `json:"vah"`
	VAL          decimal.Decimal `json:"val"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	TradeCount   int             `json:"trade_count"`
	Distribution []PriceLevel    `json:"distribution"`
}

// AbsorptionEvent marks a sub-window where resting liquidity absorbed
// aggressive flow without proportional price movement.
type AbsorptionEvent struct {
	Timestamp    time.Time       `json:"timestamp"`
	PriceLevel   decimal.Decimal `json:"price_level"`
	Volume       decimal.Decimal `json:"volume"`
	DominantSide Side            `json:"dominant_side"`
	Strength     float64         `json:"strength"`
}

// OrderFlowSnapshot is the result of one order flow calculation. Invariant:
// Delta == BuyVolume - SellVolume. CumulativeDelta carries across snapshots
// for the same (symbol, exchange) key and is only reset by operator action.
type OrderFlowSnapshot struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	Exchange         string            `json:"exchange"`
	Timeframe        string            `json:"timeframe"`
	Timestamp        time.Time         `json:"timestamp"`
	BuyVolume        decimal.Decimal   `json:"buy_volume"`
	SellVolume       decimal.Decimal   `json:"sell_volume"`
	Delta            decimal.Decimal   `json:"delta"`
	CumulativeDelta  decimal.Decimal   `json:"cumulative_delta"`
	ImbalanceRatio   float64           `json:"imbalance_ratio"`
	LargeTradesCount int               `json:"large_trades_count"`
	TradeCount       int               `json:"trade_count"`
	MomentumScore    float64           `json:"momentum_score"`
	AbsorptionEvents []AbsorptionEvent `json:"absorption_events"`
}
