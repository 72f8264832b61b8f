package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeflow/calc"
	appconfig "tradeflow/config"
	"tradeflow/internal/buffer"
	"tradeflow/internal/flow"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/storage"
)

// TradeSink receives every ingested trade for archival. Optional.
type TradeSink interface {
	Add(trades []models.Trade)
}

// job is one eligible (indicator, key, timeframe) calculation.
type job struct {
	indicator Indicator
	symbol    string
	exchange  string
	timeframe string
}

func (j job) key() string {
	return j.indicator.Name + ":" + j.exchange + ":" + j.symbol + ":" + j.timeframe
}

// Manager ingests trades from the collector channel and drives periodic
// indicator calculations. Each tick it collects eligible jobs, orders them by
// priority and dispatches up to the per-tick budget, bounded by a global
// in-flight limit. Order flow jobs for the same key are serialized so
// cumulative delta updates apply in order.
type Manager struct {
	config   *appconfig.Config
	registry *Registry
	channels *flow.Channels
	buffer   *buffer.TradeBuffer
	store    storage.Storage
	sink     TradeSink
	profiles *calc.VolumeProfileCalculator
	flows    *calc.OrderFlowCalculator
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	lastCalc map[string]time.Time
	inFlight chan struct{}
	keyLocks sync.Map

	tradesIngested int64
	dispatched     int64
	completed      int64
	skipped        int64
	errors         int64
}

func NewManager(cfg *appconfig.Config, registry *Registry, channels *flow.Channels, tradeBuffer *buffer.TradeBuffer, store storage.Storage, sink TradeSink) *Manager {
	maxConcurrent := cfg.Scheduler.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Manager{
		config:   cfg,
		registry: registry,
		channels: channels,
		buffer:   tradeBuffer,
		store:    store,
		sink:     sink,
		profiles: calc.NewVolumeProfileCalculator(&cfg.Calc),
		flows:    calc.NewOrderFlowCalculator(&cfg.Calc),
		log:      logger.GetLogger(),
		lastCalc: make(map[string]time.Time),
		inFlight: make(chan struct{}, maxConcurrent),
	}
}

// Start seeds cumulative deltas from storage and launches the ingest, tick and
// summary loops. Calling Start while running logs and no-ops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.WithComponent("scheduler").Warn("scheduler already running")
		return nil
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.seedCumulativeDeltas(m.ctx)

	m.wg.Add(3)
	go m.ingestLoop()
	go m.tickLoop()
	go m.summaryLoop()

	m.log.WithComponent("scheduler").WithFields(logger.Fields{
		"tick_interval":  m.config.Scheduler.TickInterval.String(),
		"max_concurrent": cap(m.inFlight),
		"indicators":     len(m.registry.Indicators()),
	}).Info("scheduler started")
	return nil
}

// Stop cancels the loops and waits for in-flight calculations to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	m.log.WithComponent("scheduler").Info("stopping scheduler")
	cancel()
	m.wg.Wait()
	m.log.WithComponent("scheduler").Info("scheduler stopped")
}

// seedCumulativeDeltas restores each configured key's cumulative delta from
// the latest persisted snapshot so restarts continue the running total.
func (m *Manager) seedCumulativeDeltas(ctx context.Context) {
	var flowTimeframes []string
	for _, ind := range m.registry.Indicators() {
		if ind.Name == IndicatorOrderFlow {
			flowTimeframes = ind.Timeframes
		}
	}
	if len(flowTimeframes) == 0 {
		return
	}

	for exchange, src := range map[string]appconfig.ExchangeSourceConfig{
		"bybit":    m.config.Source.Bybit,
		"binance":  m.config.Source.Binance,
		"coinbase": m.config.Source.Coinbase,
		"kraken":   m.config.Source.Kraken,
	} {
		if !src.Enabled {
			continue
		}
		for _, symbol := range src.Symbols {
			for _, tf := range flowTimeframes {
				snapshot, err := m.store.GetLatestOrderFlow(ctx, symbol, exchange, tf)
				if err != nil {
					m.log.WithComponent("scheduler").WithError(err).WithFields(logger.Fields{
						"symbol":   symbol,
						"exchange": exchange,
					}).Warn("failed to load persisted order flow for seeding")
					break
				}
				if snapshot != nil {
					m.flows.Seed(symbol, exchange, snapshot.CumulativeDelta)
					break
				}
			}
		}
	}
}

// ingestLoop drains the trade channel into the buffer, storage and archive.
func (m *Manager) ingestLoop() {
	defer m.wg.Done()
	log := m.log.WithComponent("scheduler").WithFields(logger.Fields{"worker": "ingest"})

	for {
		select {
		case <-m.ctx.Done():
			return
		case batch := <-m.channels.Trades:
			m.buffer.Add(batch.Trades)
			m.mu.Lock()
			m.tradesIngested += int64(len(batch.Trades))
			m.mu.Unlock()

			if err := m.store.SaveTrades(m.ctx, batch.Trades); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"exchange": batch.Exchange,
					"trades":   len(batch.Trades),
				}).Error("failed to persist trade batch")
			}
			if m.sink != nil {
				m.sink.Add(batch.Trades)
			}
		}
	}
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// tick collects eligible jobs, orders them and dispatches up to the per-tick
// budget. A single eligibility clock per tick keeps keys from drifting apart.
func (m *Manager) tick(now time.Time) {
	jobs := m.eligibleJobs(now)
	if len(jobs) == 0 {
		return
	}

	budget := m.config.Scheduler.DispatchPerTick
	if budget <= 0 {
		budget = len(jobs)
	}

	dispatched := 0
	for _, j := range jobs {
		if dispatched >= budget {
			break
		}
		select {
		case m.inFlight <- struct{}{}:
		default:
			// in-flight limit reached; remaining jobs wait for the
			// next tick
			return
		}
		dispatched++
		m.mu.Lock()
		m.dispatched++
		m.mu.Unlock()

		m.wg.Add(1)
		go func(j job) {
			defer m.wg.Done()
			defer func() { <-m.inFlight }()
			m.runJob(j, now)
		}(j)
	}
}

// eligibleJobs walks every buffered key against the indicator table and
// returns the due jobs in dispatch order.
func (m *Manager) eligibleJobs(now time.Time) []job {
	keys := m.buffer.Keys()
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []job
	for _, key := range keys {
		exchange, symbol, ok := splitKey(key)
		if !ok {
			continue
		}
		for _, ind := range m.registry.Indicators() {
			for _, tf := range ind.Timeframes {
				j := job{indicator: ind, symbol: symbol, exchange: exchange, timeframe: tf}
				last := m.lastCalc[j.key()]
				if now.Sub(last) >= m.registry.Interval(tf) {
					jobs = append(jobs, j)
				}
			}
		}
	}

	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].indicator.Priority != jobs[k].indicator.Priority {
			return jobs[i].indicator.Priority > jobs[k].indicator.Priority
		}
		return jobs[i].key() < jobs[k].key()
	})
	return jobs
}

func splitKey(key string) (exchange, symbol string, ok bool) {
	idx := strings.Index(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// runJob executes one calculation. Jobs for the same key and indicator are
// serialized so order flow cumulative deltas apply in timestamp order.
func (m *Manager) runJob(j job, now time.Time) {
	lockKey := j.indicator.Name + ":" + j.exchange + ":" + j.symbol
	lockVal, _ := m.keyLocks.LoadOrStore(lockKey, &sync.Mutex{})
	lock := lockVal.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	window := m.registry.Interval(j.timeframe)
	trades := m.buffer.Query(j.symbol, j.exchange, now.Add(-window))
	if len(trades) == 0 {
		// cold buffer after a restart; storage still holds the window
		var err error
		trades, err = m.store.GetRecentTrades(m.ctx, j.symbol, j.exchange, now.Add(-window))
		if err != nil {
			m.recordError(j, err)
			return
		}
	}

	var err error
	switch j.indicator.Name {
	case IndicatorVolumeProfile:
		if len(trades) < m.config.Calc.MinProfileTrades {
			m.recordSkip(j, len(trades))
			return
		}
		var profile *models.VolumeProfile
		profile, err = m.profiles.Calculate(trades, j.symbol, j.exchange, j.timeframe)
		if err == nil {
			err = m.store.SaveVolumeProfile(m.ctx, profile)
		}
		if err == nil {
			logger.IncrementProfileCalc()
		}
	case IndicatorOrderFlow:
		if len(trades) < m.config.Calc.MinFlowTrades {
			m.recordSkip(j, len(trades))
			return
		}
		var snapshot *models.OrderFlowSnapshot
		snapshot, err = m.flows.Calculate(trades, j.symbol, j.exchange, j.timeframe)
		if err == nil {
			err = m.store.SaveOrderFlow(m.ctx, snapshot)
		}
		if err == nil {
			logger.IncrementFlowCalc()
		}
	default:
		err = fmt.Errorf("unknown indicator %q", j.indicator.Name)
	}

	if err != nil {
		m.recordError(j, err)
		return
	}

	m.mu.Lock()
	m.completed++
	m.lastCalc[j.key()] = now
	m.mu.Unlock()
}

func (m *Manager) recordSkip(j job, trades int) {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
	m.log.WithComponent("scheduler").WithFields(logger.Fields{
		"job":    j.key(),
		"trades": trades,
	}).Debug("insufficient trades, skipping calculation")
}

func (m *Manager) recordError(j job, err error) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	logger.IncrementCalcError()
	m.log.WithComponent("scheduler").WithError(err).WithFields(logger.Fields{
		"job": j.key(),
	}).Error("calculation failed")
}

// Stats is a point-in-time snapshot of the scheduler counters.
type Stats struct {
	TradesIngested int64
	Dispatched     int64
	Completed      int64
	Skipped        int64
	Errors         int64
	BufferedTrades int
	BufferedKeys   int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TradesIngested: m.tradesIngested,
		Dispatched:     m.dispatched,
		Completed:      m.completed,
		Skipped:        m.skipped,
		Errors:         m.errors,
		BufferedTrades: m.buffer.Len(),
		BufferedKeys:   len(m.buffer.Keys()),
	}
}

func (m *Manager) summaryLoop() {
	defer m.wg.Done()
	interval := m.config.Scheduler.SummaryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			stats := m.Stats()
			m.log.WithComponent("scheduler").WithFields(logger.Fields{
				"trades_ingested": stats.TradesIngested,
				"dispatched":      stats.Dispatched,
				"completed":       stats.Completed,
				"skipped":         stats.Skipped,
				"errors":          stats.Errors,
				"buffered_trades": stats.BufferedTrades,
				"buffered_keys":   stats.BufferedKeys,
			}).Info("scheduler summary")
		}
	}
}
