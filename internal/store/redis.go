package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"exchange-ledger/config"
	"exchange-ledger/ledger"
)

const defaultRedisKey = "ledger:positions"

// Redis 把持仓保存在一个 hash 中：field 为币种，value 为 JSON 记录。
type Redis struct {
	client *goredis.Client
	key    string
	owned  bool
}

// OpenRedis 连接 Redis 并 ping 一次。
func OpenRedis(cfg config.RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := NewRedis(client, cfg.Key)
	r.owned = true
	return r, nil
}

// NewRedis 使用已有的 client；Close 不会关闭它。
func NewRedis(client *goredis.Client, key string) *Redis {
	if key == "" {
		key = defaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Client returns the underlying Redis client for health checks.
func (r *Redis) Client() *goredis.Client { return r.client }

func (r *Redis) Load(ctx context.Context) (map[string]ledger.Position, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	records := make([]record, 0, len(fields))
	for currency, raw := range fields {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis decode %s: %w", currency, err)
		}
		rec.Currency = currency
		records = append(records, rec)
	}
	return decodeAll(records)
}

// Save 在 MULTI/EXEC 中删除并重建整个 hash。
func (r *Redis) Save(ctx context.Context, positions map[string]ledger.Position) error {
	values := make([]interface{}, 0, len(positions)*2)
	for k, p := range positions {
		rec := toRecord(copyPosition(p, k))
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redis encode %s: %w", rec.Currency, err)
		}
		values = append(values, rec.Currency, string(data))
	}
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(values) > 0 {
			pipe.HSet(ctx, r.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", r.key, err)
	}
	return nil
}

func (r *Redis) SavePosition(ctx context.Context, p ledger.Position) error {
	data, err := json.Marshal(toRecord(p))
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", p.Currency, err)
	}
	if err := r.client.HSet(ctx, r.key, p.Currency, string(data)).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", p.Currency, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
