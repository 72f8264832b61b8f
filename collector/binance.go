package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	appconfig "tradeflow/config"
	"tradeflow/internal/symbols"
	"tradeflow/logger"
	"tradeflow/models"
)

const binanceDefaultURL = "wss://stream.binance.com:9443/ws"

// BinanceAdapter speaks Binance's raw websocket stream with aggTrade events.
// Binance reports the maker flag instead of the taker side: m=true means the
// buyer was the maker, so the aggressor sold.
type BinanceAdapter struct {
	url       string
	batchSize int
	requestID int64
}

func NewBinanceAdapter(cfg *appconfig.Config) *BinanceAdapter {
	url := cfg.Source.Binance.URL
	if url == "" {
		url = binanceDefaultURL
	}
	return &BinanceAdapter{
		url:       url,
		batchSize: cfg.Collector.SubscribeBatchSize,
	}
}

func (a *BinanceAdapter) Name() string { return "binance" }
func (a *BinanceAdapter) URL() string  { return a.url }

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *BinanceAdapter) BuildSubscriptions(syms []string) ([][]byte, error) {
	return a.buildRequests("SUBSCRIBE", syms)
}

func (a *BinanceAdapter) BuildUnsubscriptions(syms []string) ([][]byte, error) {
	return a.buildRequests("UNSUBSCRIBE", syms)
}

func (a *BinanceAdapter) buildRequests(method string, syms []string) ([][]byte, error) {
	params := make([]string, 0, len(syms))
	for _, s := range syms {
		params = append(params, strings.ToLower(s)+"@aggTrade")
	}

	var payloads [][]byte
	for len(params) > 0 {
		n := a.batchSize
		if n <= 0 || n > len(params) {
			n = len(params)
		}
		payload, err := json.Marshal(binanceRequest{
			Method: method,
			Params: params[:n],
			ID:     atomic.AddInt64(&a.requestID, 1),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
		payloads = append(payloads, payload)
		params = params[n:]
	}
	return payloads, nil
}

// Keepalive is not needed; Binance pings the client and gorilla's default ping
// handler answers with pongs during reads.
func (a *BinanceAdapter) Keepalive() ([]byte, time.Duration) {
	return nil, 0
}

func (a *BinanceAdapter) ParseMessage(data []byte) ([]models.Trade, error) {
	var resp models.BinanceTradeResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode binance message: %w", err)
	}
	if resp.Event != "aggTrade" {
		// subscribe acks carry {"result":null,"id":n}
		return nil, nil
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return nil, fmt.Errorf("binance price %q: %w", resp.Price, err)
	}
	qty, err := decimal.NewFromString(resp.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance quantity %q: %w", resp.Quantity, err)
	}

	side := models.SideBuy
	if resp.IsMaker {
		side = models.SideSell
	}
	return []models.Trade{{
		Symbol:    symbols.Canonical("binance", resp.Symbol),
		Exchange:  "binance",
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: time.UnixMilli(resp.TradeTime).UTC(),
		TradeID:   fmt.Sprintf("%d", resp.TradeID),
	}}, nil
}

// ValidateSymbols checks the configured symbols against Binance's exchange
// info and returns the tradable subset. Unknown symbols are logged and
// skipped rather than failing startup.
func (a *BinanceAdapter) ValidateSymbols(ctx context.Context, syms []string) ([]string, error) {
	client := binance.NewClient("", "")
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch binance exchange info: %w", err)
	}

	tradable := make(map[string]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			tradable[symbols.Canonical("binance", s.Symbol)] = struct{}{}
		}
	}

	log := logger.GetLogger().WithComponent("binance_collector")
	valid := make([]string, 0, len(syms))
	for _, s := range syms {
		if _, ok := tradable[s]; ok {
			valid = append(valid, s)
		} else {
			log.WithFields(logger.Fields{"symbol": s}).Warn("symbol not tradable on binance, skipping")
		}
	}
	return valid, nil
}
