package collector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	appconfig "tradeflow/config"
	"tradeflow/internal/symbols"
	"tradeflow/models"
)

const coinbaseDefaultURL = "wss://ws-feed.exchange.coinbase.com"

// CoinbaseAdapter speaks the Coinbase Exchange feed with the matches channel.
// Coinbase reports the MAKER side of a match, so the canonical aggressor side
// is the opposite of the reported one.
type CoinbaseAdapter struct {
	url string
}

func NewCoinbaseAdapter(cfg *appconfig.Config) *CoinbaseAdapter {
	url := cfg.Source.Coinbase.URL
	if url == "" {
		url = coinbaseDefaultURL
	}
	return &CoinbaseAdapter{url: url}
}

func (a *CoinbaseAdapter) Name() string { return "coinbase" }
func (a *CoinbaseAdapter) URL() string  { return a.url }

type coinbaseRequest struct {
	Type     string            `json:"type"`
	Channels []coinbaseChannel `json:"channels"`
}

type coinbaseChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// BuildSubscriptions emits a single payload; Coinbase does not cap products
// per subscribe message.
func (a *CoinbaseAdapter) BuildSubscriptions(syms []string) ([][]byte, error) {
	return a.buildRequests("subscribe", syms)
}

func (a *CoinbaseAdapter) BuildUnsubscriptions(syms []string) ([][]byte, error) {
	return a.buildRequests("unsubscribe", syms)
}

func (a *CoinbaseAdapter) buildRequests(typ string, syms []string) ([][]byte, error) {
	products := make([]string, 0, len(syms))
	for _, s := range syms {
		products = append(products, symbols.ToCoinbase(s))
	}
	payload, err := json.Marshal(coinbaseRequest{
		Type:     typ,
		Channels: []coinbaseChannel{{Name: "matches", ProductIDs: products}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", typ, err)
	}
	return [][]byte{payload}, nil
}

// Keepalive is not needed; the feed stays alive on transport pings.
func (a *CoinbaseAdapter) Keepalive() ([]byte, time.Duration) {
	return nil, 0
}

func (a *CoinbaseAdapter) ParseMessage(data []byte) ([]models.Trade, error) {
	var resp models.CoinbaseMatchResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode coinbase message: %w", err)
	}
	if resp.Type != "match" && resp.Type != "last_match" {
		if resp.Type == "error" {
			return nil, fmt.Errorf("coinbase feed error: %s", string(data))
		}
		return nil, nil
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return nil, fmt.Errorf("coinbase price %q: %w", resp.Price, err)
	}
	qty, err := decimal.NewFromString(resp.Size)
	if err != nil {
		return nil, fmt.Errorf("coinbase size %q: %w", resp.Size, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, resp.Time)
	if err != nil {
		return nil, fmt.Errorf("coinbase time %q: %w", resp.Time, err)
	}

	// reported side is the resting order's; a resting buy means the
	// aggressor sold
	side := models.SideBuy
	if resp.Side == "buy" {
		side = models.SideSell
	}
	return []models.Trade{{
		Symbol:    symbols.Canonical("coinbase", resp.ProductID),
		Exchange:  "coinbase",
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: ts.UTC(),
		TradeID:   fmt.Sprintf("%d", resp.TradeID),
	}}, nil
}
