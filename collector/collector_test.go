package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tradeflow/config"
	"tradeflow/internal/flow"
	"tradeflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Collector: appconfig.CollectorConfig{
			MaxReconnectAttempts: 3,
			ReconnectDelayBase:   time.Millisecond,
			ReconnectDelayMax:    5 * time.Millisecond,
			ConnectTimeout:       time.Second,
			SubscribeAckTimeout:  time.Second,
			SubscribeBatchSize:   10,
			SubscribeRate:        100,
		},
	}
}

type fakeAdapter struct {
	url string
}

func (a *fakeAdapter) Name() string { return "fake" }
func (a *fakeAdapter) URL() string  { return a.url }
func (a *fakeAdapter) BuildSubscriptions(syms []string) ([][]byte, error) {
	return [][]byte{[]byte(`{"op":"subscribe"}`)}, nil
}
func (a *fakeAdapter) ParseMessage(data []byte) ([]models.Trade, error) { return nil, nil }
func (a *fakeAdapter) Keepalive() ([]byte, time.Duration)              { return nil, 0 }

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, backoffDelay(1, base, max))
	assert.Equal(t, 2*time.Second, backoffDelay(2, base, max))
	assert.Equal(t, 4*time.Second, backoffDelay(3, base, max))
	assert.Equal(t, 16*time.Second, backoffDelay(5, base, max))
	assert.Equal(t, 30*time.Second, backoffDelay(6, base, max), "delay caps at max")
	assert.Equal(t, 30*time.Second, backoffDelay(20, base, max))
}

func TestCollectorTerminalErrorAfterMaxAttempts(t *testing.T) {
	// port 1 refuses connections immediately, so every attempt fails fast
	cfg := testConfig()
	c := New(cfg, &fakeAdapter{url: "ws://127.0.0.1:1"}, flow.NewChannels(10), []string{"BTCUSDT"})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, StateError, c.State())
	stats := c.Stats()
	assert.Equal(t, 3, stats.ReconnectAttempts)
	assert.EqualValues(t, 3, stats.Errors)
}

func TestCollectorSilentConnectionFails(t *testing.T) {
	// the server accepts the dial and the subscribe write but never sends a
	// frame; the ack timeout must feed the reconnect path instead of the
	// collector sitting in active forever
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Collector.MaxReconnectAttempts = 2
	cfg.Collector.SubscribeAckTimeout = 50 * time.Millisecond
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(cfg, &fakeAdapter{url: url}, flow.NewChannels(10), []string{"BTCUSDT"})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateError {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateError, c.State())
	assert.EqualValues(t, 2, c.Stats().Errors)
}

func TestCollectorStartIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.MaxReconnectAttempts = 1000
	c := New(cfg, &fakeAdapter{url: "ws://127.0.0.1:1"}, flow.NewChannels(10), nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "second start logs and no-ops")
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
}

func TestCollectorStopCancelsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.MaxReconnectAttempts = 1000
	cfg.Collector.ReconnectDelayBase = time.Hour
	cfg.Collector.ReconnectDelayMax = time.Hour
	c := New(cfg, &fakeAdapter{url: "ws://127.0.0.1:1"}, flow.NewChannels(10), []string{"BTCUSDT"})

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a backoff sleep was pending")
	}
	assert.Equal(t, StateStopped, c.State())
}

func TestCollectorSymbolSet(t *testing.T) {
	c := New(testConfig(), &fakeAdapter{}, flow.NewChannels(10), []string{"BTCUSDT"})

	require.NoError(t, c.AddSymbol("ETHUSDT"))
	require.NoError(t, c.AddSymbol("ETHUSDT"), "duplicate add is a no-op")
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.Stats().SubscribedSymbols)

	require.NoError(t, c.RemoveSymbol("BTCUSDT"))
	assert.Equal(t, []string{"ETHUSDT"}, c.Stats().SubscribedSymbols)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "error", StateError.String())
}
