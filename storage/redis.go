package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// RedisStorage persists trades and indicator results in Redis. Trades live in
// per-key sorted sets scored by timestamp so window queries are range reads;
// indicator results are latest-value keys with the retention window as TTL.
type RedisStorage struct {
	client    *redis.Client
	retention time.Duration
	maxPerKey int
	log       *logger.Log
}

func NewRedisStorage(ctx context.Context, cfg appconfig.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	retention := time.Duration(cfg.RetentionMinutes) * time.Minute
	if retention <= 0 {
		retention = time.Hour
	}

	log := logger.GetLogger()
	log.WithComponent("redis_storage").WithFields(logger.Fields{
		"addr":      cfg.Addr,
		"db":        cfg.DB,
		"retention": retention.String(),
	}).Info("connected to redis")

	return &RedisStorage{
		client:    client,
		retention: retention,
		maxPerKey: cfg.MaxTradesPerKey,
		log:       log,
	}, nil
}

func tradesRedisKey(symbol, exchange string) string {
	return fmt.Sprintf("tradeflow:trades:%s:%s", exchange, symbol)
}

func profileRedisKey(symbol, exchange, timeframe string) string {
	return fmt.Sprintf("tradeflow:vp:%s:%s:%s", exchange, symbol, timeframe)
}

func flowRedisKey(symbol, exchange, timeframe string) string {
	return fmt.Sprintf("tradeflow:of:%s:%s:%s", exchange, symbol, timeframe)
}

func (s *RedisStorage) SaveTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	members := make(map[string][]redis.Z, 4)
	written := 0
	for _, t := range trades {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		key := tradesRedisKey(t.Symbol, t.Exchange)
		members[key] = append(members[key], redis.Z{
			Score:  float64(t.Timestamp.UnixMilli()),
			Member: data,
		})
		written += len(data)
	}

	cutoff := time.Now().Add(-s.retention).UnixMilli()
	pipe := s.client.Pipeline()
	for key, zs := range members {
		pipe.ZAdd(ctx, key, zs...)
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
		if s.maxPerKey > 0 {
			// keep only the newest maxPerKey members
			pipe.ZRemRangeByRank(ctx, key, 0, int64(-(s.maxPerKey + 1)))
		}
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save trades: %w", err)
	}

	logger.IncrementStorageWrite(written)
	return nil
}

func (s *RedisStorage) GetRecentTrades(ctx context.Context, symbol, exchange string, since time.Time) ([]models.Trade, error) {
	raw, err := s.client.ZRangeByScore(ctx, tradesRedisKey(symbol, exchange), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, member := range raw {
		var t models.Trade
		if err := json.Unmarshal([]byte(member), &t); err != nil {
			s.log.WithComponent("redis_storage").WithError(err).Warn("skipping undecodable trade record")
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (s *RedisStorage) SaveVolumeProfile(ctx context.Context, profile *models.VolumeProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal volume profile: %w", err)
	}
	key := profileRedisKey(profile.Symbol, profile.Exchange, profile.Timeframe)
	if err := s.client.Set(ctx, key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("save volume profile: %w", err)
	}
	logger.IncrementStorageWrite(len(data))
	return nil
}

func (s *RedisStorage) SaveOrderFlow(ctx context.Context, snapshot *models.OrderFlowSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal order flow snapshot: %w", err)
	}
	key := flowRedisKey(snapshot.Symbol, snapshot.Exchange, snapshot.Timeframe)
	if err := s.client.Set(ctx, key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("save order flow: %w", err)
	}
	logger.IncrementStorageWrite(len(data))
	return nil
}

func (s *RedisStorage) GetLatestOrderFlow(ctx context.Context, symbol, exchange, timeframe string) (*models.OrderFlowSnapshot, error) {
	data, err := s.client.Get(ctx, flowRedisKey(symbol, exchange, timeframe)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order flow: %w", err)
	}

	var snapshot models.OrderFlowSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode order flow: %w", err)
	}
	return &snapshot, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
