// Package ledger maintains per-currency inventory and weighted-average
// acquisition cost, and computes realized profit on sale.
//
// Mutations on one currency are serialized by a per-currency lock that covers
// the whole read-compute-write-persist sequence; different currencies proceed
// in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultSaveTimeout 是单次 Store 调用的默认超时。
const DefaultSaveTimeout = 3 * time.Second

// Ledger 成本账本。通过 New 创建并显式注入调用方，不使用全局单例。
type Ledger struct {
	store  Store
	writer PositionWriter
	locks  *keyLocks

	// Reset 持有写锁；买卖与重同步持有读锁，彼此不阻塞。
	admin sync.RWMutex

	mu        sync.RWMutex
	positions map[string]Position

	// 全量写入串行化，保证后写入的快照不旧于先写入的快照。
	saveMu sync.Mutex

	dirtyMu      sync.Mutex
	dirty        map[string]struct{}
	resetPending bool

	saveTimeout time.Duration
	now         func() time.Time
	newID       func() string
	sink        EventSink
	recorder    Recorder
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithSaveTimeout bounds every Store call.
func WithSaveTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.saveTimeout = d
		}
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEventSink 注册事件回调；回调在币种锁内同步执行，不能阻塞。
func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithRecorder 注册指标记录器，nil 保持默认空实现。
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.recorder = r
		}
	}
}

// New 创建账本。store 为 nil 时仅保存在内存中。
// 若 store 实现了 PositionWriter，变更只写入对应币种。
func New(store Store, opts ...Option) *Ledger {
	if store == nil {
		store = nopStore{}
	}
	l := &Ledger{
		store:       store,
		locks:       newKeyLocks(),
		positions:   make(map[string]Position),
		dirty:       make(map[string]struct{}),
		saveTimeout: DefaultSaveTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		recorder:    nopRecorder{},
	}
	if w, ok := store.(PositionWriter); ok {
		l.writer = w
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load 从 Store 读取全部持仓，替换内存状态。启动时调用一次。
func (l *Ledger) Load(ctx context.Context) error {
	l.admin.Lock()
	defer l.admin.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.saveTimeout)
	defer cancel()
	loaded, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	positions := make(map[string]Position, len(loaded))
	for key, p := range loaded {
		key = NormalizeCurrency(key)
		if key == "" {
			continue
		}
		p.Currency = key
		positions[key] = p
	}
	l.mu.Lock()
	l.positions = positions
	l.mu.Unlock()

	l.emit("loaded", map[string]interface{}{"positions": len(positions)})
	return nil
}

// Shutdown 尝试把尚未落盘的持仓写回 Store。
func (l *Ledger) Shutdown(ctx context.Context) error {
	if err := l.Resync(ctx); err != nil {
		return fmt.Errorf("flush on shutdown: %w", err)
	}
	return nil
}

// Position 返回币种当前持仓；未出现过的币种以零值惰性创建。
func (l *Ledger) Position(currency string) Position {
	key := NormalizeCurrency(currency)
	if key == "" {
		return Position{Quantity: decimal.Zero, AverageCost: decimal.Zero}
	}
	unlock := l.locks.rlock(key)
	defer unlock()
	return l.getOrCreate(key)
}

// Positions returns a snapshot of every known position. Entries are replaced
// as whole values under the map lock, so no half-written Position is visible.
func (l *Ledger) Positions() map[string]Position {
	return l.snapshot()
}

// RecordPurchase 买入并更新加权平均成本。
// 持久化失败时返回新的持仓以及 *PersistenceError。
func (l *Ledger) RecordPurchase(currency string, quantity, unitCost decimal.Decimal) (Position, error) {
	key, err := validateMovement(currency, quantity, unitCost, "unit cost")
	if err != nil {
		return Position{}, err
	}

	l.admin.RLock()
	defer l.admin.RUnlock()
	unlock := l.locks.lock(key)
	defer unlock()

	next := applyPurchase(l.getOrCreate(key), quantity, unitCost, l.now())
	l.put(next)
	perr := l.persist(next)

	l.recorder.RecordPurchase(next)
	l.emit("purchase", map[string]interface{}{
		"op_id":        l.newID(),
		"currency":     key,
		"quantity":     quantity.String(),
		"unit_cost":    unitCost.String(),
		"position_qty": next.Quantity.String(),
		"average_cost": next.AverageCost.String(),
		"durable":      perr == nil,
	})
	return next, perr
}

// RecordSale 卖出并计算已实现盈亏。卖出数量超过持仓时不报错，
// 数量截断为零并在结果中置 OverdraftClamped。
func (l *Ledger) RecordSale(currency string, quantity, unitPrice decimal.Decimal) (SaleResult, error) {
	key, err := validateMovement(currency, quantity, unitPrice, "unit price")
	if err != nil {
		return SaleResult{}, err
	}

	l.admin.RLock()
	defer l.admin.RUnlock()
	unlock := l.locks.lock(key)
	defer unlock()

	next, res := applySale(l.getOrCreate(key), quantity, unitPrice, l.now())
	res.OperationID = l.newID()
	l.put(next)
	perr := l.persist(next)

	l.recorder.RecordSale(res)
	fields := map[string]interface{}{
		"op_id":        res.OperationID,
		"currency":     key,
		"quantity":     quantity.String(),
		"unit_price":   unitPrice.String(),
		"profit":       res.TotalProfit.String(),
		"profit_pct":   res.ProfitPercent.StringFixed(2),
		"average_cost": res.AverageCost.String(),
		"position_qty": next.Quantity.String(),
		"overdraft":    res.OverdraftClamped,
		"durable":      perr == nil,
	}
	if res.OverdraftClamped {
		fields["oversold"] = res.Oversold.String()
	}
	l.emit("sale", fields)
	return res, perr
}

// Reset 清空内存与 Store 中的全部持仓，仅用于管理操作。
func (l *Ledger) Reset() error {
	l.admin.Lock()
	defer l.admin.Unlock()

	l.mu.Lock()
	l.positions = make(map[string]Position)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.saveTimeout)
	defer cancel()
	l.saveMu.Lock()
	start := time.Now()
	err := l.store.Save(ctx, map[string]Position{})
	l.recorder.RecordPersist(time.Since(start), err)
	l.saveMu.Unlock()

	l.dirtyMu.Lock()
	l.dirty = make(map[string]struct{})
	l.resetPending = err != nil
	l.dirtyMu.Unlock()
	l.recorder.RecordDirty(0)

	l.emit("reset", map[string]interface{}{"durable": err == nil})
	if err != nil {
		return &PersistenceError{Err: err}
	}
	return nil
}

// Dirty 返回已在内存中更新但尚未成功落盘的币种。
func (l *Ledger) Dirty() []string {
	l.dirtyMu.Lock()
	defer l.dirtyMu.Unlock()
	out := make([]string, 0, len(l.dirty))
	for k := range l.dirty {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resync 重写所有脏持仓。由后台任务周期调用，也可由调用方主动触发。
func (l *Ledger) Resync(ctx context.Context) error {
	keys, full := l.pending()
	if full {
		if handled, err := l.resyncAll(ctx); handled {
			return err
		}
		// 等锁期间全量条件已解除，剩余脏币种走局部写入
		if err := ctx.Err(); err != nil {
			return err
		}
		return l.Resync(ctx)
	}
	if len(keys) == 0 {
		return nil
	}

	l.admin.RLock()
	defer l.admin.RUnlock()

	var errs []error
	for _, key := range keys {
		if err := l.resyncOne(ctx, key); err != nil {
			errs = append(errs, &PersistenceError{Currency: key, Err: err})
		}
	}
	l.emit("resync", map[string]interface{}{"mode": "partial", "currencies": len(keys), "failed": len(errs)})
	return errors.Join(errs...)
}

// pending 返回脏币种，以及是否需要全量写入（Reset 未落盘或 Store 不支持局部写入）。
func (l *Ledger) pending() ([]string, bool) {
	l.dirtyMu.Lock()
	defer l.dirtyMu.Unlock()
	keys := make([]string, 0, len(l.dirty))
	for k := range l.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, l.resetPending || (l.writer == nil && len(keys) > 0)
}

// resyncAll 全量写入。持有 admin 写锁，写入期间没有局部写入会被快照覆盖。
// 拿到锁后若已不需要全量写入，返回 false。
func (l *Ledger) resyncAll(ctx context.Context) (bool, error) {
	l.admin.Lock()
	defer l.admin.Unlock()

	keys, full := l.pending()
	if !full {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.saveTimeout)
	defer cancel()
	err := l.saveAll(ctx)
	l.emit("resync", map[string]interface{}{"mode": "full", "currencies": len(keys), "ok": err == nil})
	if err != nil {
		return true, &PersistenceError{Err: err}
	}
	return true, nil
}

func (l *Ledger) resyncOne(ctx context.Context, key string) error {
	unlock := l.locks.lock(key)
	defer unlock()

	l.mu.RLock()
	p, ok := l.positions[key]
	l.mu.RUnlock()
	if !ok {
		l.clearDirty(key)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.saveTimeout)
	defer cancel()
	start := time.Now()
	err := l.writer.SavePosition(ctx, p)
	l.recorder.RecordPersist(time.Since(start), err)
	if err != nil {
		return err
	}
	l.clearDirty(key)
	return nil
}

// persist 在币种锁内调用。
func (l *Ledger) persist(p Position) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.saveTimeout)
	defer cancel()

	var err error
	if l.writer != nil {
		start := time.Now()
		err = l.writer.SavePosition(ctx, p)
		l.recorder.RecordPersist(time.Since(start), err)
		if err == nil {
			l.clearDirty(p.Currency)
		}
	} else {
		err = l.saveAll(ctx)
	}
	if err != nil {
		l.markDirty(p.Currency)
		l.emit("persist_failed", map[string]interface{}{
			"currency": p.Currency,
			"error":    err.Error(),
		})
		return &PersistenceError{Currency: p.Currency, Err: err}
	}
	return nil
}

// saveAll 写入当前全量快照；成功后所有脏标记随之清除。
func (l *Ledger) saveAll(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	snap := l.snapshot()
	start := time.Now()
	err := l.store.Save(ctx, snap)
	l.recorder.RecordPersist(time.Since(start), err)
	if err != nil {
		return err
	}
	l.dirtyMu.Lock()
	l.dirty = make(map[string]struct{})
	l.resetPending = false
	l.dirtyMu.Unlock()
	l.recorder.RecordDirty(0)
	return nil
}

func (l *Ledger) getOrCreate(key string) Position {
	l.mu.RLock()
	p, ok := l.positions[key]
	l.mu.RUnlock()
	if ok {
		return p
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok = l.positions[key]; ok {
		return p
	}
	p = zeroPosition(key)
	l.positions[key] = p
	return p
}

func (l *Ledger) put(p Position) {
	l.mu.Lock()
	l.positions[p.Currency] = p
	l.mu.Unlock()
}

func (l *Ledger) snapshot() map[string]Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Position, len(l.positions))
	for k, p := range l.positions {
		out[k] = p
	}
	return out
}

func (l *Ledger) markDirty(key string) {
	l.dirtyMu.Lock()
	l.dirty[key] = struct{}{}
	n := len(l.dirty)
	l.dirtyMu.Unlock()
	l.recorder.RecordDirty(n)
}

func (l *Ledger) clearDirty(key string) {
	l.dirtyMu.Lock()
	_, was := l.dirty[key]
	delete(l.dirty, key)
	n := len(l.dirty)
	l.dirtyMu.Unlock()
	if was {
		l.recorder.RecordDirty(n)
	}
}

func (l *Ledger) emit(event string, fields map[string]interface{}) {
	if l == nil || l.sink == nil {
		return
	}
	l.sink(event, fields)
}
