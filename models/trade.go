package models

import (
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side is the canonical aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is the canonical normalized trade execution. Prices and quantities are
// decimals end-to-end; monetary values never pass through a binary float.
// A Trade is immutable once decoded from an exchange message.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
	TradeID   string          `json:"trade_id"`
}

// Notional returns price * quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Key returns the (exchange,symbol) key used by the buffer and scheduler.
func (t Trade) Key() string {
	return t.Exchange + ":" + t.Symbol
}

// TradeBatch wraps the trades decoded from one websocket message, tagged with
// the source exchange and receive time.
type TradeBatch struct {
	Exchange  string
	Trades    []Trade
	Timestamp time.Time
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BYBIT /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BybitTradeResp mirrors Bybit's publicTrade websocket event structure.
type BybitTradeResp struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Data  []struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Size      string `json:"v"`
		Side      string `json:"S"`
		Timestamp int64  `json:"T"`
		TradeID   string `json:"i"`
	} `json:"data"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceTradeResp mirrors Binance's aggTrade websocket event structure.
type BinanceTradeResp struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsMaker   bool   `json:"m"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// COINBASE //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinbaseMatchResp mirrors Coinbase's match channel event. The side field is
// the resting (maker) order side, not the aggressor side.
type CoinbaseMatchResp struct {
	Type      string `json:"type"`
	TradeID   int64  `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// KRAKEN ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// KrakenTradeResp mirrors one trade event on Kraken's futures trade feed. The
// snapshot variant carries the same entries under a trades array. Price and
// quantity arrive as JSON numbers and are decoded straight into decimals.
type KrakenTradeResp struct {
	Feed      string          `json:"feed"`
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"qty"`
	Side      string          `json:"side"`
	Time      int64           `json:"time"`
	UID       string          `json:"uid"`
	Seq       int64           `json:"seq"`
}

// KrakenTradeSnapshotResp is the initial burst of recent trades sent after a
// subscription is accepted.
type KrakenTradeSnapshotResp struct {
	Feed   string            `json:"feed"`
	Trades []KrakenTradeResp `json:"trades"`
}
