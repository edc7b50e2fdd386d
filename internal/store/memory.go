package store

import (
	"context"
	"sync"

	"github.com/google/btree"

	"exchange-ledger/ledger"
)

const memoryDegree = 16

// Memory 进程内后端，按币种有序保存持仓。用于测试与不需要落盘的部署。
type Memory struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[ledger.Position]
}

func byCurrency(a, b ledger.Position) bool { return a.Currency < b.Currency }

func NewMemory() *Memory {
	return &Memory{tree: btree.NewG[ledger.Position](memoryDegree, byCurrency)}
}

func (m *Memory) Load(ctx context.Context) (map[string]ledger.Position, error) {
	if err := done(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ledger.Position, m.tree.Len())
	m.tree.Ascend(func(p ledger.Position) bool {
		out[p.Currency] = p
		return true
	})
	return out, nil
}

func (m *Memory) Save(ctx context.Context, positions map[string]ledger.Position) error {
	if err := done(ctx); err != nil {
		return err
	}
	tree := btree.NewG[ledger.Position](memoryDegree, byCurrency)
	for k, p := range positions {
		tree.ReplaceOrInsert(copyPosition(p, k))
	}
	m.mu.Lock()
	m.tree = tree
	m.mu.Unlock()
	return nil
}

func (m *Memory) SavePosition(ctx context.Context, p ledger.Position) error {
	if err := done(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.tree.ReplaceOrInsert(p)
	m.mu.Unlock()
	return nil
}

// Currencies 按字典序返回已保存的币种。
func (m *Memory) Currencies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, m.tree.Len())
	m.tree.Ascend(func(p ledger.Position) bool {
		out = append(out, p.Currency)
		return true
	})
	return out
}

func (m *Memory) Close() error { return nil }
