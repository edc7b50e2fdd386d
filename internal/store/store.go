// Package store 提供账本持久化后端：内存、YAML 文件、SQLite 与 Redis。
// 所有后端都实现 ledger.Store 与 ledger.PositionWriter，并遵守 ctx 超时。
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"exchange-ledger/config"
	"exchange-ledger/ledger"
)

// Backend 是可关闭的持久化后端。
type Backend interface {
	ledger.Store
	ledger.PositionWriter
	Close() error
}

// Open 按配置创建后端。
func Open(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemory(), nil
	case config.DriverFile:
		return NewFile(cfg.Path), nil
	case config.DriverSQLite:
		return OpenSQLite(cfg.Path)
	case config.DriverRedis:
		return OpenRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// record 是持仓的存储形式。数值以十进制字符串保存，避免精度损失。
type record struct {
	Currency    string `yaml:"currency" json:"currency"`
	Quantity    string `yaml:"quantity" json:"quantity"`
	AverageCost string `yaml:"averageCost" json:"averageCost"`
	LastUpdated int64  `yaml:"lastUpdated" json:"lastUpdated"` // unix 纳秒，0 表示从未更新
}

func toRecord(p ledger.Position) record {
	r := record{
		Currency:    p.Currency,
		Quantity:    p.Quantity.String(),
		AverageCost: p.AverageCost.String(),
	}
	if !p.LastUpdated.IsZero() {
		r.LastUpdated = p.LastUpdated.UnixNano()
	}
	return r
}

func (r record) position() (ledger.Position, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("position %s: quantity %q: %w", r.Currency, r.Quantity, err)
	}
	avg, err := decimal.NewFromString(r.AverageCost)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("position %s: average cost %q: %w", r.Currency, r.AverageCost, err)
	}
	p := ledger.Position{Currency: r.Currency, Quantity: qty, AverageCost: avg}
	if r.LastUpdated != 0 {
		p.LastUpdated = time.Unix(0, r.LastUpdated).UTC()
	}
	return p, nil
}

func decodeAll(records []record) (map[string]ledger.Position, error) {
	out := make(map[string]ledger.Position, len(records))
	for _, r := range records {
		p, err := r.position()
		if err != nil {
			return nil, err
		}
		out[p.Currency] = p
	}
	return out, nil
}

func copyPosition(p ledger.Position, currency string) ledger.Position {
	if p.Currency == "" {
		p.Currency = currency
	}
	return p
}

// done 在 ctx 已取消或超时时返回错误。
func done(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
