package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-ledger/ledger"
)

// Monitor Prometheus监控指标收集器，实现 ledger.Recorder
type Monitor struct {
	registry *prometheus.Registry

	// 变动指标
	purchases   *prometheus.CounterVec
	sales       *prometheus.CounterVec
	overdrafts  *prometheus.CounterVec
	realizedPnL *prometheus.GaugeVec

	// 持仓指标
	quantity    *prometheus.GaugeVec
	averageCost *prometheus.GaugeVec

	// 持久化指标
	persistLatency prometheus.Histogram
	persistErrors  prometheus.Counter
	dirtyPositions prometheus.Gauge

	// HTTP 指标
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "exchange",
		Subsystem: "ledger",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "purchases_total",
			Help:      "买入笔数",
		}, []string{"currency"}),
		sales: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sales_total",
			Help:      "卖出笔数",
		}, []string{"currency"}),
		overdrafts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "overdraft_clamped_total",
			Help:      "超卖被截断为零的次数",
		}, []string{"currency"}),
		realizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "realized_profit",
			Help:      "进程启动以来累计已实现盈亏（计价币种）",
		}, []string{"currency"}),

		quantity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "position_quantity",
			Help:      "当前持仓数量",
		}, []string{"currency"}),
		averageCost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "position_average_cost",
			Help:      "当前加权平均成本",
		}, []string{"currency"}),

		persistLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "persist_latency_seconds",
			Help:      "持久化写入延迟（秒）",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 3.0},
		}),
		persistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "persist_errors_total",
			Help:      "持久化失败或超时次数",
		}),
		dirtyPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dirty_positions",
			Help:      "尚未落盘的持仓数",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP请求总数",
		}, []string{"route", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Monitor) RecordPurchase(p ledger.Position) {
	m.purchases.WithLabelValues(p.Currency).Inc()
	m.updatePosition(p)
}

func (m *Monitor) RecordSale(r ledger.SaleResult) {
	m.sales.WithLabelValues(r.Currency).Inc()
	if r.OverdraftClamped {
		m.overdrafts.WithLabelValues(r.Currency).Inc()
	}
	m.realizedPnL.WithLabelValues(r.Currency).Add(r.TotalProfit.InexactFloat64())
	m.updatePosition(r.Position)
}

func (m *Monitor) RecordPersist(elapsed time.Duration, err error) {
	m.persistLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.persistErrors.Inc()
	}
}

func (m *Monitor) RecordDirty(n int) {
	m.dirtyPositions.Set(float64(n))
}

// ResetPositions 清空按币种的持仓指标（账本重置后调用）。
func (m *Monitor) ResetPositions() {
	m.quantity.Reset()
	m.averageCost.Reset()
}

// RecordHTTP 记录一次 HTTP 请求。
func (m *Monitor) RecordHTTP(route string, code string, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Monitor) updatePosition(p ledger.Position) {
	m.quantity.WithLabelValues(p.Currency).Set(p.Quantity.InexactFloat64())
	m.averageCost.WithLabelValues(p.Currency).Set(p.AverageCost.InexactFloat64())
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
