package alert

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Channel 告警通道接口
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Manager 告警管理器。告警先进入队列，由后台 goroutine 投递，
// 调用方（账本事件回调）不会被慢通道阻塞；队列满时丢弃。
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex

	queue       chan Alert
	sendTimeout time.Duration
	dropped     int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	defaultQueueSize   = 128
	defaultSendTimeout = 3 * time.Second
)

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels:    channels,
		throttle:    NewThrottler(throttleInterval),
		queue:       make(chan Alert, defaultQueueSize),
		sendTimeout: defaultSendTimeout,
	}
}

// SendAlert 同步发送到所有通道。全部通道失败时返回最后一个错误。
func (m *Manager) SendAlert(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(throttleKey(alert)) {
		return nil
	}
	return m.deliver(ctx, alert)
}

// Enqueue 异步发送；经过限流后放入队列，队列满返回 false。
func (m *Manager) Enqueue(alert Alert) bool {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(throttleKey(alert)) {
		return true
	}
	select {
	case m.queue <- alert:
		return true
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return false
	}
}

// Dropped 返回因队列满被丢弃的告警数。
func (m *Manager) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

func (m *Manager) deliver(ctx context.Context, alert Alert) error {
	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	var lastErr error
	successCount := 0
	for _, ch := range channels {
		sctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
		err := ch.Send(sctx, alert)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// throttleKey 同一级别、消息与币种的告警在限流周期内只发一次。
func throttleKey(a Alert) string {
	key := a.Level + ":" + a.Message
	if cur, ok := a.Fields["currency"]; ok {
		key += fmt.Sprintf(":%v", cur)
	}
	return key
}

// Start 启动后台投递，实现 Lifecycle。
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case a := <-m.queue:
			_ = m.deliver(ctx, a)
		}
	}
}

// Flush 同步投递队列中剩余的告警，用于 Stop 之后仍可能产生的事件。
func (m *Manager) Flush() {
	m.drain()
}

// drain 停止时尽力投递剩余告警
func (m *Manager) drain() {
	for {
		select {
		case a := <-m.queue:
			_ = m.deliver(context.Background(), a)
		default:
			return
		}
	}
}

func (m *Manager) Stop() error {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (m *Manager) Health() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return fmt.Errorf("alert manager not started")
	}
	return nil
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}

// HandleLedgerEvent 把需要人工关注的账本事件转换为告警。
// fields 会被复制，调用返回后调用方可以继续修改。
func (m *Manager) HandleLedgerEvent(event string, fields map[string]interface{}) {
	var a Alert
	switch event {
	case "persist_failed":
		a = Alert{Level: LevelError, Message: "position update not durable"}
	case "sale":
		if clamped, _ := fields["overdraft"].(bool); !clamped {
			return
		}
		a = Alert{Level: LevelWarning, Message: "sale exceeded held quantity"}
	case "resync":
		failed, _ := fields["failed"].(int)
		ok, hasOK := fields["ok"].(bool)
		if failed == 0 && (!hasOK || ok) {
			return
		}
		a = Alert{Level: LevelError, Message: "resync failed"}
	case "reset":
		a = Alert{Level: LevelInfo, Message: "ledger reset"}
		if durable, _ := fields["durable"].(bool); !durable {
			a.Level = LevelCritical
			a.Message = "ledger reset not durable"
		}
	default:
		return
	}
	a.Fields = make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		a.Fields[k] = v
	}
	a.Fields["event"] = event
	m.Enqueue(a)
}
