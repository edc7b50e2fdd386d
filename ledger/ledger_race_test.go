package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLedger_ConcurrentPurchasesSameCurrency 并发买入同一币种不丢失更新
func TestLedger_ConcurrentPurchasesSameCurrency(t *testing.T) {
	l := New(&partialStore{fakeStore: newFakeStore()})

	var wg sync.WaitGroup
	workers := 8
	operations := 100
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_, err := l.RecordPurchase("USD", decimal.NewFromInt(1), d("1050.25"))
				assert.NoError(t, err)
			}
		}()
	}

	// 并发读取
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				p := l.Position("USD")
				assert.False(t, p.Quantity.IsNegative())
				_ = l.Positions()
			}
		}()
	}
	wg.Wait()

	p := l.Position("USD")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(int64(workers*operations))), "qty %s", p.Quantity)
	assert.True(t, p.AverageCost.Equal(d("1050.25")), "avg %s", p.AverageCost)
}

// TestLedger_ConcurrentMixedCurrencies 不同币种并行，全量写入的 Store 不会被旧快照覆盖
func TestLedger_ConcurrentMixedCurrencies(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	currencies := []string{"USD", "EUR", "BRL", "GBP"}

	var wg sync.WaitGroup
	operations := 50
	for _, cur := range currencies {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(cur string) {
				defer wg.Done()
				for j := 0; j < operations; j++ {
					_, err := l.RecordPurchase(cur, decimal.NewFromInt(2), decimal.NewFromInt(10))
					assert.NoError(t, err)
				}
			}(cur)
		}
	}
	wg.Wait()

	// 买入完成后再并发卖出，总量可预期
	for _, cur := range currencies {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(cur string) {
				defer wg.Done()
				for j := 0; j < operations; j++ {
					_, err := l.RecordSale(cur, decimal.NewFromInt(1), decimal.NewFromInt(12))
					assert.NoError(t, err)
				}
			}(cur)
		}
	}
	wg.Wait()

	want := decimal.NewFromInt(int64(3 * operations))
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	for _, cur := range currencies {
		p := l.Position(cur)
		assert.True(t, p.Quantity.Equal(want), "%s qty %s", cur, p.Quantity)
		assert.True(t, p.AverageCost.Equal(decimal.NewFromInt(10)))
		assert.True(t, loaded[cur].Equal(p), "store lagging for %s", cur)
	}
}

// slowStore 按币种写入时休眠，用于验证不同币种互不阻塞。
type slowStore struct {
	*fakeStore
	delay time.Duration
}

func (s *slowStore) SavePosition(_ context.Context, p Position) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.data[p.Currency] = p
	s.mu.Unlock()
	return nil
}

func TestLedger_DifferentCurrenciesDoNotBlock(t *testing.T) {
	l := New(&slowStore{fakeStore: newFakeStore(), delay: 100 * time.Millisecond})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.RecordPurchase(fmt.Sprintf("C%02d", i), decimal.NewFromInt(1), decimal.NewFromInt(1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// 串行需要 800ms
	assert.Less(t, time.Since(start), 600*time.Millisecond)
	assert.Len(t, l.Positions(), 8)
}

func TestLedger_ResetDuringTraffic(t *testing.T) {
	l := New(&partialStore{fakeStore: newFakeStore()})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = l.RecordPurchase("USD", decimal.NewFromInt(1), decimal.NewFromInt(3))
				_, _ = l.RecordSale("USD", decimal.NewFromInt(1), decimal.NewFromInt(4))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			assert.NoError(t, l.Reset())
		}
	}()
	wg.Wait()

	p := l.Position("USD")
	assert.False(t, p.Quantity.IsNegative())
}

// gatedStore 的全量写入可以失败一次，或在 release 关闭前阻塞；局部写入不受影响。
type gatedStore struct {
	*partialStore

	gateMu   sync.Mutex
	failNext bool
	gated    bool
	entered  chan struct{}
	release  chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		partialStore: &partialStore{fakeStore: newFakeStore()},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (s *gatedStore) Save(ctx context.Context, positions map[string]Position) error {
	s.gateMu.Lock()
	failNext, gated := s.failNext, s.gated
	s.failNext, s.gated = false, false
	s.gateMu.Unlock()

	if failNext {
		return errors.New("disk full")
	}
	if gated {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.fakeStore.Save(ctx, positions)
}

// TestLedger_FullResyncKeepsConcurrentPurchase 全量重同步期间的买入不会被旧快照覆盖
func TestLedger_FullResyncKeepsConcurrentPurchase(t *testing.T) {
	store := newGatedStore()
	l := New(store)

	store.failNext = true
	require.ErrorIs(t, l.Reset(), ErrPersistence)

	store.gated = true
	resyncErr := make(chan error, 1)
	go func() { resyncErr <- l.Resync(context.Background()) }()
	<-store.entered

	purchaseErr := make(chan error, 1)
	go func() {
		_, err := l.RecordPurchase("USD", decimal.NewFromInt(10), decimal.NewFromInt(2))
		purchaseErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-resyncErr)
	require.NoError(t, <-purchaseErr)

	saved, ok := store.get("USD")
	require.True(t, ok, "acknowledged purchase missing from store")
	assert.True(t, saved.Equal(l.Position("USD")))
	assert.Empty(t, l.Dirty())
}

// TestLedger_ResyncDuringTraffic 失败的 Reset 与周期重同步和买卖交错，最终 Store 与内存一致
func TestLedger_ResyncDuringTraffic(t *testing.T) {
	store := &partialStore{fakeStore: newFakeStore()}
	l := New(store, WithSaveTimeout(time.Second))
	currencies := []string{"USD", "EUR", "BRL"}

	stop := make(chan struct{})
	var traffic sync.WaitGroup
	for _, cur := range currencies {
		traffic.Add(1)
		go func(cur string) {
			defer traffic.Done()
			for j := 0; j < 200; j++ {
				_, _ = l.RecordPurchase(cur, decimal.NewFromInt(2), decimal.NewFromInt(int64(j%7+1)))
				_, _ = l.RecordSale(cur, decimal.NewFromInt(1), decimal.NewFromInt(5))
			}
		}(cur)
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = l.Resync(context.Background())
			}
		}
	}()
	go func() {
		defer background.Done()
		for j := 0; j < 5; j++ {
			store.setFail(errors.New("disk full"))
			assert.ErrorIs(t, l.Reset(), ErrPersistence)
			time.Sleep(2 * time.Millisecond)
			store.setFail(nil)
			time.Sleep(2 * time.Millisecond)
		}
	}()

	traffic.Wait()
	close(stop)
	background.Wait()

	store.setFail(nil)
	require.NoError(t, l.Shutdown(context.Background()))
	assert.Empty(t, l.Dirty())

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	mem := l.Positions()
	assert.Len(t, loaded, len(mem))
	for cur, p := range mem {
		assert.True(t, loaded[cur].Equal(p), "%s: store %v memory %v", cur, loaded[cur], p)
	}
}
