package collector

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tradeflow/config"
	"tradeflow/models"
)

func TestBybitParseTrade(t *testing.T) {
	a := NewBybitAdapter(testConfig())
	msg := []byte(`{
		"topic": "publicTrade.BTCUSDT",
		"type": "snapshot",
		"ts": 1672304486868,
		"data": [
			{"T": 1672304486865, "s": "BTCUSDT", "S": "Buy", "v": "0.001", "p": "16578.50", "i": "20f43950-d8dd-5b31-9112-a178eb6023af"},
			{"T": 1672304486900, "s": "BTCUSDT", "S": "Sell", "v": "0.5", "p": "16578.00", "i": "21f43950-d8dd-5b31-9112-a178eb6023af"}
		]
	}`)

	trades, err := a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "BTCUSDT", trades[0].Symbol)
	assert.Equal(t, "bybit", trades[0].Exchange)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, "16578.5", trades[0].Price.String())
	assert.Equal(t, "0.001", trades[0].Quantity.String())
	assert.Equal(t, models.SideSell, trades[1].Side)
}

func TestBybitControlFramesAreSilent(t *testing.T) {
	a := NewBybitAdapter(testConfig())

	for _, msg := range []string{
		`{"success":true,"ret_msg":"","conn_id":"abc","op":"subscribe"}`,
		`{"success":true,"ret_msg":"pong","op":"ping"}`,
	} {
		trades, err := a.ParseMessage([]byte(msg))
		require.NoError(t, err)
		assert.Nil(t, trades)
	}
}

func TestBybitSubscriptionBatching(t *testing.T) {
	a := NewBybitAdapter(testConfig())

	syms := make([]string, 25)
	for i := range syms {
		syms[i] = "BTCUSDT"
	}
	payloads, err := a.BuildSubscriptions(syms)
	require.NoError(t, err)
	require.Len(t, payloads, 3, "25 topics chunk into 10+10+5")

	var req struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(payloads[0], &req))
	assert.Equal(t, "subscribe", req.Op)
	assert.Len(t, req.Args, 10)
	assert.Equal(t, "publicTrade.BTCUSDT", req.Args[0])

	require.NoError(t, json.Unmarshal(payloads[2], &req))
	assert.Len(t, req.Args, 5)
}

func TestBinanceSideMapping(t *testing.T) {
	a := NewBinanceAdapter(testConfig())

	// m=true: the buyer was the maker, so the aggressor sold
	msg := []byte(`{"e":"aggTrade","E":1672515782136,"s":"BTCUSDT","a":12345,"p":"16569.10","q":"0.014","T":1672515782136,"m":true}`)
	trades, err := a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideSell, trades[0].Side)
	assert.Equal(t, "BTCUSDT", trades[0].Symbol)
	assert.Equal(t, "12345", trades[0].TradeID)

	msg = []byte(`{"e":"aggTrade","E":1672515782136,"s":"BTCUSDT","a":12346,"p":"16569.10","q":"0.014","T":1672515782136,"m":false}`)
	trades, err = a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideBuy, trades[0].Side)
}

func TestBinanceAckIsControl(t *testing.T) {
	a := NewBinanceAdapter(testConfig())
	trades, err := a.ParseMessage([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Nil(t, trades)
}

func TestBinanceSubscribeRequestIDsIncrement(t *testing.T) {
	a := NewBinanceAdapter(testConfig())

	first, err := a.BuildSubscriptions([]string{"BTCUSDT"})
	require.NoError(t, err)
	second, err := a.BuildSubscriptions([]string{"ETHUSDT"})
	require.NoError(t, err)

	var req binanceRequest
	require.NoError(t, json.Unmarshal(first[0], &req))
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@aggTrade"}, req.Params)
	firstID := req.ID
	require.NoError(t, json.Unmarshal(second[0], &req))
	assert.Greater(t, req.ID, firstID)
}

func TestCoinbaseMakerSideInversion(t *testing.T) {
	a := NewCoinbaseAdapter(testConfig())

	// reported side "sell" means the resting sell was lifted by a buyer
	msg := []byte(`{"type":"match","trade_id":10,"product_id":"BTC-USD","size":"5.23512","price":"400.23","side":"sell","time":"2014-11-07T08:19:27.028459Z"}`)
	trades, err := a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, "BTCUSD", trades[0].Symbol)
	assert.Equal(t, "coinbase", trades[0].Exchange)

	msg = []byte(`{"type":"match","trade_id":11,"product_id":"BTC-USD","size":"1","price":"400.00","side":"buy","time":"2014-11-07T08:19:28.028459Z"}`)
	trades, err = a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideSell, trades[0].Side)
}

func TestCoinbaseSubscriptionsAckIsControl(t *testing.T) {
	a := NewCoinbaseAdapter(testConfig())
	trades, err := a.ParseMessage([]byte(`{"type":"subscriptions","channels":[{"name":"matches","product_ids":["BTC-USD"]}]}`))
	require.NoError(t, err)
	assert.Nil(t, trades)
}

func TestCoinbaseSubscribeUsesProductIDs(t *testing.T) {
	a := NewCoinbaseAdapter(testConfig())
	payloads, err := a.BuildSubscriptions([]string{"BTCUSD", "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	var req coinbaseRequest
	require.NoError(t, json.Unmarshal(payloads[0], &req))
	require.Len(t, req.Channels, 1)
	assert.Equal(t, "matches", req.Channels[0].Name)
	assert.Equal(t, []string{"BTC-USD", "ETH-USDT"}, req.Channels[0].ProductIDs)
}

func TestKrakenParseSingleAndSnapshot(t *testing.T) {
	a := NewKrakenAdapter(testConfig())

	msg := []byte(`{"feed":"trade","product_id":"PI_XBTUSD","uid":"05af78ac","side":"buy","type":"fill","seq":653355,"time":1612269657781,"qty":440,"price":34893}`)
	trades, err := a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "BTCUSD", trades[0].Symbol)
	assert.Equal(t, "kraken", trades[0].Exchange)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, "34893", trades[0].Price.String())

	snapshot := []byte(`{"feed":"trade_snapshot","product_id":"PI_XBTUSD","trades":[
		{"feed":"trade","product_id":"PI_XBTUSD","uid":"a","side":"sell","seq":1,"time":1612269657781,"qty":1,"price":34890},
		{"feed":"trade","product_id":"PI_XBTUSD","uid":"b","side":"buy","seq":2,"time":1612269657881,"qty":2,"price":34891}
	]}`)
	trades, err = a.ParseMessage(snapshot)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, models.SideSell, trades[0].Side)
	assert.Equal(t, models.SideBuy, trades[1].Side)
}

func TestKrakenDecodesFullDecimalPrecision(t *testing.T) {
	// price and quantity must come through the decoder without a float
	// round-trip truncating them
	a := NewKrakenAdapter(testConfig())
	msg := []byte(`{"feed":"trade","product_id":"PF_XBTUSD","uid":"x","side":"sell","seq":1,"time":1612269657781,"qty":0.123456789012345678,"price":34893.123456789012345678}`)

	trades, err := a.ParseMessage(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "34893.123456789012345678", trades[0].Price.String())
	assert.Equal(t, "0.123456789012345678", trades[0].Quantity.String())
}

func TestKrakenEventFramesAreControl(t *testing.T) {
	a := NewKrakenAdapter(testConfig())

	for _, msg := range []string{
		`{"event":"subscribed","feed":"trade","product_ids":["PI_XBTUSD"]}`,
		`{"event":"info","version":1}`,
		`{"feed":"heartbeat","time":1612269657781}`,
	} {
		trades, err := a.ParseMessage([]byte(msg))
		require.NoError(t, err)
		assert.Nil(t, trades)
	}
}

func TestKrakenHasNoUnsubscribe(t *testing.T) {
	var a Adapter = NewKrakenAdapter(testConfig())
	_, ok := a.(Unsubscriber)
	assert.False(t, ok, "kraken keeps stale subscriptions until reconnect")

	for _, adapter := range []Adapter{
		NewBybitAdapter(testConfig()),
		NewBinanceAdapter(testConfig()),
		NewCoinbaseAdapter(testConfig()),
	} {
		_, ok := adapter.(Unsubscriber)
		assert.True(t, ok, "%s supports unsubscribe", adapter.Name())
	}
}

func TestMalformedFrameReturnsError(t *testing.T) {
	cfg := testConfig()
	for _, a := range []Adapter{
		NewBybitAdapter(cfg),
		NewBinanceAdapter(cfg),
		NewCoinbaseAdapter(cfg),
		NewKrakenAdapter(cfg),
	} {
		_, err := a.ParseMessage([]byte(`{not json`))
		assert.Error(t, err, "%s rejects malformed frames", a.Name())
	}
}

func TestAdapterDefaultURLs(t *testing.T) {
	cfg := &appconfig.Config{Collector: appconfig.CollectorConfig{SubscribeBatchSize: 10}}
	assert.Equal(t, bybitDefaultURL, NewBybitAdapter(cfg).URL())
	assert.Equal(t, binanceDefaultURL, NewBinanceAdapter(cfg).URL())
	assert.Equal(t, coinbaseDefaultURL, NewCoinbaseAdapter(cfg).URL())
	assert.Equal(t, krakenDefaultURL, NewKrakenAdapter(cfg).URL())
}
