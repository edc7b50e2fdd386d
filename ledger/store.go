package ledger

import (
	"context"
	"time"
)

// Store 持久化适配器：启动时 Load 一次，每次变更后 Save 全量快照。
//
// 实现必须在 ctx 结束后尽快返回（包括等待内部锁的阶段）。账本在币种锁内调用
// Store，超时只通过 ctx 传递，不遵守 ctx 的实现会让该币种的后续操作一直等待。
type Store interface {
	Load(ctx context.Context) (map[string]Position, error)
	Save(ctx context.Context, positions map[string]Position) error
}

// PositionWriter 是支持按币种局部写入的 Store 的可选扩展，ctx 要求同 Store。
type PositionWriter interface {
	SavePosition(ctx context.Context, p Position) error
}

// EventSink 接收账本事件，用于日志与推送。
type EventSink func(string, map[string]interface{})

// Recorder 接收账本指标。
type Recorder interface {
	RecordPurchase(p Position)
	RecordSale(r SaleResult)
	RecordPersist(elapsed time.Duration, err error)
	RecordDirty(n int)
}

type nopStore struct{}

func (nopStore) Load(context.Context) (map[string]Position, error) { return nil, nil }
func (nopStore) Save(context.Context, map[string]Position) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordPurchase(Position) {}
func (nopRecorder) RecordSale(SaleResult) {}
func (nopRecorder) RecordPersist(time.Duration, error) {}
func (nopRecorder) RecordDirty(int) {}
