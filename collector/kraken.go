package collector

import (
	"encoding/json"
	"fmt"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/internal/symbols"
	"tradeflow/models"
)

const krakenDefaultURL = "wss://futures.kraken.com/ws/v1"

// KrakenAdapter speaks the Kraken Futures feed. Kraken reports the taker side
// directly. The adapter does not implement Unsubscriber; removed symbols keep
// a stale subscription until the next reconnect and the framework filters
// their trades.
type KrakenAdapter struct {
	url       string
	batchSize int
}

func NewKrakenAdapter(cfg *appconfig.Config) *KrakenAdapter {
	url := cfg.Source.Kraken.URL
	if url == "" {
		url = krakenDefaultURL
	}
	return &KrakenAdapter{
		url:       url,
		batchSize: cfg.Collector.SubscribeBatchSize,
	}
}

func (a *KrakenAdapter) Name() string { return "kraken" }
func (a *KrakenAdapter) URL() string  { return a.url }

type krakenRequest struct {
	Event      string   `json:"event"`
	Feed       string   `json:"feed"`
	ProductIDs []string `json:"product_ids"`
}

func (a *KrakenAdapter) BuildSubscriptions(syms []string) ([][]byte, error) {
	products := make([]string, 0, len(syms))
	for _, s := range syms {
		products = append(products, symbols.ToKraken(s))
	}

	var payloads [][]byte
	for len(products) > 0 {
		n := a.batchSize
		if n <= 0 || n > len(products) {
			n = len(products)
		}
		payload, err := json.Marshal(krakenRequest{
			Event:      "subscribe",
			Feed:       "trade",
			ProductIDs: products[:n],
		})
		if err != nil {
			return nil, fmt.Errorf("marshal subscribe request: %w", err)
		}
		payloads = append(payloads, payload)
		products = products[n:]
	}
	return payloads, nil
}

// Keepalive is not needed; Kraken sends heartbeat events on the feed.
func (a *KrakenAdapter) Keepalive() ([]byte, time.Duration) {
	return nil, 0
}

func (a *KrakenAdapter) ParseMessage(data []byte) ([]models.Trade, error) {
	var envelope struct {
		Feed  string `json:"feed"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode kraken message: %w", err)
	}
	if envelope.Event != "" {
		// subscribed acks, info and error events
		return nil, nil
	}

	switch envelope.Feed {
	case "trade":
		var resp models.KrakenTradeResp
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode kraken trade: %w", err)
		}
		return []models.Trade{krakenTrade(resp)}, nil
	case "trade_snapshot":
		var resp models.KrakenTradeSnapshotResp
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode kraken trade snapshot: %w", err)
		}
		trades := make([]models.Trade, 0, len(resp.Trades))
		for _, t := range resp.Trades {
			trades = append(trades, krakenTrade(t))
		}
		return trades, nil
	default:
		return nil, nil
	}
}

func krakenTrade(resp models.KrakenTradeResp) models.Trade {
	side := models.SideSell
	if resp.Side == "buy" {
		side = models.SideBuy
	}
	return models.Trade{
		Symbol:    symbols.Canonical("kraken", resp.ProductID),
		Exchange:  "kraken",
		Price:     resp.Price,
		Quantity:  resp.Quantity,
		Side:      side,
		Timestamp: time.UnixMilli(resp.Time).UTC(),
		TradeID:   resp.UID,
	}
}
