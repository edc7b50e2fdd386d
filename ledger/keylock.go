package ledger

import "sync"

// keyLocks 按币种分配读写锁。锁对象创建后不回收，数量以币种种类为上限。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.RWMutex)}
}

func (k *keyLocks) get(key string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.RWMutex{}
		k.locks[key] = m
	}
	return m
}

func (k *keyLocks) lock(key string) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}

func (k *keyLocks) rlock(key string) func() {
	m := k.get(key)
	m.RLock()
	return m.RUnlock
}
