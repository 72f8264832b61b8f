package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "tradeflow/config"
	"tradeflow/internal/flow"
	"tradeflow/logger"
	"tradeflow/models"
)

// State is the collector lifecycle state.
type State int

const (
	StateStopped State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateActive
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Adapter is the per-exchange capability set. One implementation exists per
// exchange; the collector framework owns the socket lifecycle and never
// branches on the exchange name.
type Adapter interface {
	// Name returns the canonical exchange identifier.
	Name() string
	// URL returns the public websocket endpoint.
	URL() string
	// BuildSubscriptions converts canonical symbols into one or more
	// subscribe payloads, chunked when the exchange caps topics per message.
	BuildSubscriptions(symbols []string) ([][]byte, error)
	// ParseMessage decodes one websocket frame. Non-trade control frames
	// return (nil, nil); a malformed frame returns an error and is dropped.
	ParseMessage(data []byte) ([]models.Trade, error)
	// Keepalive returns the application-level ping payload and interval, or
	// (nil, 0) when the exchange needs no client-side keepalive.
	Keepalive() ([]byte, time.Duration)
}

// Unsubscriber is implemented by adapters whose exchange supports incremental
// unsubscribe. Without it, removed symbols leave stale subscriptions until the
// next reconnect.
type Unsubscriber interface {
	BuildUnsubscriptions(symbols []string) ([][]byte, error)
}

// Stats is a point-in-time snapshot of collector counters.
type Stats struct {
	Exchange          string
	State             string
	MessagesReceived  int64
	TradesProcessed   int64
	Errors            int64
	Reconnections     int64
	ReconnectAttempts int
	LastMessageTime   time.Time
	SubscribedSymbols []string
	MessageCounts     map[string]int64
}

// Collector maintains one live websocket connection for one exchange adapter,
// normalizes incoming messages into trades and forwards them to the shared
// trade channel. Transport errors trigger exponential-backoff reconnects; the
// collector enters a terminal error state after too many consecutive failures.
type Collector struct {
	config   *appconfig.Config
	adapter  Adapter
	channels *flow.Channels
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	limiter  *rate.Limiter

	state   State
	symbols map[string]struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	// queued subscribe chunks, flushed after the first message on a new
	// connection acknowledges the initial chunk
	pendingSubs [][]byte

	messagesReceived  int64
	tradesProcessed   int64
	errors            int64
	reconnections     int64
	reconnectAttempts int
	lastMessageTime   time.Time
	messageCounts     map[string]int64
}

// New creates a collector for one exchange adapter.
func New(cfg *appconfig.Config, adapter Adapter, channels *flow.Channels, symbols []string) *Collector {
	symbolSet := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		symbolSet[s] = struct{}{}
	}
	return &Collector{
		config:        cfg,
		adapter:       adapter,
		channels:      channels,
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
		limiter:       rate.NewLimiter(rate.Limit(cfg.Collector.SubscribeRate), 1),
		state:         StateStopped,
		symbols:       symbolSet,
		messageCounts: make(map[string]int64),
	}
}

// Start launches the connect-subscribe-listen loop in the background. Calling
// Start while running logs and no-ops.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.componentLog().Warn("collector already running")
		return nil
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	log := c.componentLog().WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"symbols": c.symbolList()}).Info("starting collector")

	c.wg.Add(1)
	go c.run()

	log.Info("collector started successfully")
	return nil
}

// Stop requests shutdown, closes the socket and returns once the loop has
// fully exited. It cancels a pending backoff sleep.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.componentLog().Info("stopping collector")
	if cancel != nil {
		cancel()
	}
	c.closeConn()
	c.wg.Wait()
	c.componentLog().Info("collector stopped")
}

// AddSymbol adds a symbol to the live subscription set, issuing an incremental
// subscribe when connected.
func (c *Collector) AddSymbol(symbol string) error {
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; ok {
		c.mu.Unlock()
		return nil
	}
	c.symbols[symbol] = struct{}{}
	active := c.state == StateActive
	c.mu.Unlock()

	if !active {
		return nil
	}
	payloads, err := c.adapter.BuildSubscriptions([]string{symbol})
	if err != nil {
		return fmt.Errorf("build subscription for %s: %w", symbol, err)
	}
	return c.writePayloads(payloads)
}

// RemoveSymbol removes a symbol from the subscription set. When the adapter
// supports unsubscribe an incremental unsubscribe is sent; otherwise the stale
// subscription persists until the next reconnect and its trades are filtered.
func (c *Collector) RemoveSymbol(symbol string) error {
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.symbols, symbol)
	active := c.state == StateActive
	c.mu.Unlock()

	if !active {
		return nil
	}
	unsub, ok := c.adapter.(Unsubscriber)
	if !ok {
		c.componentLog().WithFields(logger.Fields{"symbol": symbol}).
			Warn("exchange does not support unsubscribe, stale subscription until reconnect")
		return nil
	}
	payloads, err := unsub.BuildUnsubscriptions([]string{symbol})
	if err != nil {
		return fmt.Errorf("build unsubscription for %s: %w", symbol, err)
	}
	return c.writePayloads(payloads)
}

// Stats returns a snapshot of the collector counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int64, len(c.messageCounts))
	for k, v := range c.messageCounts {
		counts[k] = v
	}
	return Stats{
		Exchange:          c.adapter.Name(),
		State:             c.state.String(),
		MessagesReceived:  c.messagesReceived,
		TradesProcessed:   c.tradesProcessed,
		Errors:            c.errors,
		Reconnections:     c.reconnections,
		ReconnectAttempts: c.reconnectAttempts,
		LastMessageTime:   c.lastMessageTime,
		SubscribedSymbols: c.symbolListLocked(),
		MessageCounts:     counts,
	}
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Collector) componentLog() *logger.Entry {
	return c.log.WithComponent(c.adapter.Name() + "_collector")
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.componentLog().WithFields(logger.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("state transition")
	}
}

func (c *Collector) symbolList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbolListLocked()
}

func (c *Collector) symbolListLocked() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Collector) hasSymbol(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

// backoffDelay returns min(base * 2^(attempt-1), max) for attempt >= 1.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// run owns the connect-subscribe-listen loop and its reconnection state
// machine until the context is cancelled or the attempt budget is exhausted.
func (c *Collector) run() {
	defer c.wg.Done()

	log := c.componentLog().WithFields(logger.Fields{"worker": "trade_stream"})
	cfg := c.config.Collector
	failures := 0

	for {
		if c.ctx.Err() != nil {
			c.setState(StateStopped)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.connect()
		if err == nil {
			c.setState(StateConnected)
			err = c.subscribe(conn)
			if err == nil {
				c.setState(StateActive)
				failures = 0
				c.mu.Lock()
				c.reconnectAttempts = 0
				c.mu.Unlock()

				err = c.listen(conn)
				c.closeConn()
				if c.ctx.Err() != nil {
					c.setState(StateStopped)
					return
				}
				log.WithError(err).Warn("websocket read error, reconnecting")
			} else {
				c.closeConn()
				log.WithError(err).Warn("subscription failed, reconnecting")
			}
		} else {
			log.WithError(err).Warn("failed to connect websocket, retrying")
		}

		if c.ctx.Err() != nil {
			c.setState(StateStopped)
			return
		}

		failures++
		c.mu.Lock()
		c.errors++
		c.reconnections++
		c.reconnectAttempts = failures
		c.mu.Unlock()
		logger.IncrementReconnect()

		if failures >= cfg.MaxReconnectAttempts {
			log.WithFields(logger.Fields{"attempts": failures}).
				Error("reconnect attempts exhausted, collector entering terminal error state")
			c.setState(StateError)
			return
		}

		c.setState(StateReconnecting)
		delay := backoffDelay(failures, cfg.ReconnectDelayBase, cfg.ReconnectDelayMax)
		log.WithFields(logger.Fields{"attempt": failures, "delay": delay.String()}).Info("backing off before reconnect")
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			c.setState(StateStopped)
			return
		}
	}
}

func (c *Collector) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.Collector.ConnectTimeout}
	ctx, cancel := context.WithTimeout(c.ctx, c.config.Collector.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, c.adapter.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.adapter.URL(), err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return conn, nil
}

func (c *Collector) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// writeMessage serializes writes; gorilla connections do not support
// concurrent writers and the keepalive ticker writes alongside incremental
// subscribes.
func (c *Collector) writeMessage(conn *websocket.Conn, payload []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != conn {
		return fmt.Errorf("connection replaced")
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// subscribe sends the first subscribe chunk and queues the rest; queued chunks
// go out once the exchange acknowledges with its first message. Exchanges that
// cap topics per subscribe message reject oversized payloads, hence the
// chunking.
func (c *Collector) subscribe(conn *websocket.Conn) error {
	c.setState(StateSubscribing)

	symbols := c.symbolList()
	if len(symbols) == 0 {
		return nil
	}

	payloads, err := c.adapter.BuildSubscriptions(symbols)
	if err != nil {
		return fmt.Errorf("build subscriptions: %w", err)
	}
	if len(payloads) == 0 {
		return nil
	}

	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.config.Collector.SubscribeAckTimeout))
	if err := c.writeMessage(conn, payloads[0]); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	c.pendingSubs = payloads[1:]
	c.mu.Unlock()

	c.componentLog().WithFields(logger.Fields{
		"symbols": len(symbols),
		"chunks":  len(payloads),
	}).Info("subscribed to trade streams")
	return nil
}

// flushPendingSubs sends queued subscribe chunks after the first ack.
func (c *Collector) flushPendingSubs(conn *websocket.Conn) {
	c.mu.Lock()
	pending := c.pendingSubs
	c.pendingSubs = nil
	c.mu.Unlock()

	for _, payload := range pending {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		if err := c.writeMessage(conn, payload); err != nil {
			c.componentLog().WithError(err).Warn("failed to send queued subscription chunk")
			return
		}
	}
}

func (c *Collector) writePayloads(payloads [][]byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	for _, payload := range payloads {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
		if err := c.writeMessage(conn, payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// listen consumes messages until a transport error or shutdown. Malformed
// frames are dropped with a warning; a single bad trade record is skipped
// without closing the connection.
func (c *Collector) listen(conn *websocket.Conn) error {
	log := c.componentLog()

	// exchange-mandated application keepalive
	if payload, interval := c.adapter.Keepalive(); payload != nil && interval > 0 {
		done := make(chan struct{})
		defer close(done)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-c.ctx.Done():
					return
				case <-ticker.C:
					c.writeMessage(conn, payload)
				}
			}
		}()
	}

	// the first frame after subscribing is the ack; a connection that stays
	// silent past the ack timeout is treated as a transport failure
	awaitingAck := len(c.symbolList()) > 0
	if awaitingAck {
		conn.SetReadDeadline(time.Now().Add(c.config.Collector.SubscribeAckTimeout))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if awaitingAck {
				return fmt.Errorf("no subscribe ack within %s: %w", c.config.Collector.SubscribeAckTimeout, err)
			}
			return err
		}

		c.mu.Lock()
		c.messagesReceived++
		c.lastMessageTime = time.Now()
		c.mu.Unlock()

		if awaitingAck {
			awaitingAck = false
			conn.SetReadDeadline(time.Time{})
			c.flushPendingSubs(conn)
		}

		trades, err := c.adapter.ParseMessage(data)
		if err != nil {
			c.countMessage("malformed")
			log.WithError(err).Warn("dropping malformed message")
			continue
		}
		if len(trades) == 0 {
			c.countMessage("control")
			continue
		}
		c.countMessage("trade")

		// filter trades for symbols removed while a stale subscription
		// is still live
		kept := trades[:0]
		for _, t := range trades {
			if c.hasSymbol(t.Symbol) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			continue
		}

		batch := models.TradeBatch{
			Exchange:  c.adapter.Name(),
			Trades:    kept,
			Timestamp: time.Now(),
		}
		if c.channels.SendTrades(c.ctx, batch) {
			c.mu.Lock()
			c.tradesProcessed += int64(len(kept))
			c.mu.Unlock()
			logger.IncrementTradeRead(c.adapter.Name(), len(data))
		} else if c.ctx.Err() != nil {
			return c.ctx.Err()
		} else {
			log.Warn("trade channel full, dropping batch")
		}
	}
}

func (c *Collector) countMessage(kind string) {
	c.mu.Lock()
	c.messageCounts[kind]++
	c.mu.Unlock()
}
