package collector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appconfig "tradeflow/config"
	"tradeflow/internal/symbols"
	"tradeflow/models"
)

const bybitDefaultURL = "wss://stream.bybit.com/v5/public/linear"

// BybitAdapter speaks Bybit's v5 public linear websocket. Bybit reports the
// taker side directly, so its side maps onto the canonical aggressor side
// without translation.
type BybitAdapter struct {
	url       string
	batchSize int
}

func NewBybitAdapter(cfg *appconfig.Config) *BybitAdapter {
	url := cfg.Source.Bybit.URL
	if url == "" {
		url = bybitDefaultURL
	}
	return &BybitAdapter{
		url:       url,
		batchSize: cfg.Collector.SubscribeBatchSize,
	}
}

func (a *BybitAdapter) Name() string { return "bybit" }
func (a *BybitAdapter) URL() string  { return a.url }

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// BuildSubscriptions chunks topics because Bybit rejects subscribe messages
// carrying more than 10 args.
func (a *BybitAdapter) BuildSubscriptions(syms []string) ([][]byte, error) {
	return a.buildRequests("subscribe", syms)
}

func (a *BybitAdapter) BuildUnsubscriptions(syms []string) ([][]byte, error) {
	return a.buildRequests("unsubscribe", syms)
}

func (a *BybitAdapter) buildRequests(op string, syms []string) ([][]byte, error) {
	args := make([]string, 0, len(syms))
	for _, s := range syms {
		args = append(args, "publicTrade."+s)
	}

	var payloads [][]byte
	for len(args) > 0 {
		n := a.batchSize
		if n <= 0 || n > len(args) {
			n = len(args)
		}
		payload, err := json.Marshal(bybitRequest{Op: op, Args: args[:n]})
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		payloads = append(payloads, payload)
		args = args[n:]
	}
	return payloads, nil
}

// Keepalive returns Bybit's application-level ping; the server drops idle
// connections that go 20s without one.
func (a *BybitAdapter) Keepalive() ([]byte, time.Duration) {
	return []byte(`{"op":"ping"}`), 20 * time.Second
}

func (a *BybitAdapter) ParseMessage(data []byte) ([]models.Trade, error) {
	var resp models.BybitTradeResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode bybit message: %w", err)
	}
	if !strings.HasPrefix(resp.Topic, "publicTrade.") {
		// op acks, pong responses and other control frames
		return nil, nil
	}

	trades := make([]models.Trade, 0, len(resp.Data))
	for _, d := range resp.Data {
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(d.Size)
		if err != nil {
			continue
		}
		side := models.SideSell
		if d.Side == "Buy" {
			side = models.SideBuy
		}
		trades = append(trades, models.Trade{
			Symbol:    symbols.Canonical("bybit", d.Symbol),
			Exchange:  "bybit",
			Price:     price,
			Quantity:  qty,
			Side:      side,
			Timestamp: time.UnixMilli(d.Timestamp).UTC(),
			TradeID:   d.TradeID,
		})
	}
	return trades, nil
}
