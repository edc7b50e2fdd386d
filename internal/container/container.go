package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"exchange-ledger/config"
	"exchange-ledger/infrastructure/alert"
	"exchange-ledger/infrastructure/logger"
	"exchange-ledger/infrastructure/monitor"
	"exchange-ledger/internal/api"
	"exchange-ledger/internal/store"
	"exchange-ledger/ledger"
)

const shutdownFlushTimeout = 10 * time.Second

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfgPath string
	cfg     *config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 账本与持久化
	store  store.Backend
	ledger *ledger.Ledger

	// 对外接口
	hub       *api.Hub
	apiServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container，并在运行期间监听该文件。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return &Container{
		cfgPath:   configPath,
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}, nil
}

// NewWithConfig 使用已加载的配置；log 为 nil 时按 cfg.Log 创建。不监听配置文件。
func NewWithConfig(cfg config.AppConfig, log *logger.Logger) *Container {
	return &Container{
		cfg:       &cfg,
		logger:    log,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件并从 Store 加载持仓
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildLedger(ctx); err != nil {
		return fmt.Errorf("build ledger failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		var err error
		c.logger, err = logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger.WithFields(map[string]interface{}{"component": "alert"}))},
		time.Duration(c.cfg.Alert.ThrottleMs)*time.Millisecond,
	)
	c.hub = api.NewHub(c.logger.WithFields(map[string]interface{}{"component": "ws"}))

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildLedger(ctx context.Context) error {
	backend, err := store.Open(c.cfg.Store)
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}
	c.store = backend
	if rs, ok := backend.(*store.Redis); ok && c.cfg.Alert.RedisChannel != "" {
		c.alerts.AddChannel(alert.NewRedisChannel("redis", rs.Client(), c.cfg.Alert.RedisChannel))
	}

	c.ledger = ledger.New(backend,
		ledger.WithSaveTimeout(time.Duration(c.cfg.Store.SaveTimeoutMs)*time.Millisecond),
		ledger.WithRecorder(c.monitor),
		ledger.WithEventSink(c.onLedgerEvent),
	)
	if err := c.ledger.Load(ctx); err != nil {
		backend.Close()
		return err
	}
	c.logger.LogLedger("ledger_ready", map[string]interface{}{
		"driver":    c.cfg.Store.Driver,
		"positions": len(c.ledger.Positions()),
	})
	return nil
}

// onLedgerEvent 把账本事件推送给订阅者、告警并写入日志。
func (c *Container) onLedgerEvent(event string, fields map[string]interface{}) {
	c.hub.Publish(event, fields)
	c.alerts.HandleLedgerEvent(event, fields)
	if event == "reset" {
		c.monitor.ResetPositions()
	}
	// LogLedger 会向 fields 写入字段，放在推送之后
	c.logger.LogLedger(event, fields)
}

func (c *Container) registerLifecycleComponents() {
	// 最先启动、最后停止，其它组件停止过程中产生的告警也能投递
	c.lifecycle.Register(c.alerts)

	srv := api.NewServer(c.ledger, c.logger.WithFields(map[string]interface{}{"component": "api"}), c.monitor, c.hub)
	c.apiServer = &httpServerComponent{
		name:    "api_server",
		handler: srv.Router(),
		addr:    c.cfg.Server.Addr,
		logger:  c.logger,
	}
	c.lifecycle.Register(c.apiServer)

	if c.cfg.Server.MetricsAddr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Server.MetricsAddr,
			logger:  c.logger,
		})
	}

	if c.cfg.Resync.IntervalMs > 0 {
		c.lifecycle.Register(&taskComponent{
			name:     "resync",
			interval: time.Duration(c.cfg.Resync.IntervalMs) * time.Millisecond,
			run:      c.resyncDirty,
			logger:   c.logger,
		})
	}

	if c.cfgPath != "" {
		w := config.Watcher{
			Path:     c.cfgPath,
			Interval: 5 * time.Second,
			Cooldown: time.Second,
			OnError: func(err error) {
				c.logger.LogError(err, map[string]interface{}{"component": "config_watcher"})
			},
		}
		c.lifecycle.Register(&taskComponent{
			name:   "config_watcher",
			logger: c.logger,
			run: func(ctx context.Context) error {
				return ignoreCanceled(w.Start(ctx, c.applyConfig))
			},
		})
	}
}

func (c *Container) resyncDirty(ctx context.Context) error {
	if len(c.ledger.Dirty()) == 0 {
		return nil
	}
	return c.ledger.Resync(ctx)
}

// applyConfig 热更新：日志级别立即生效，其余字段需要重启。
func (c *Container) applyConfig(next config.AppConfig) {
	if next.Log.Level != c.logger.Level() {
		if err := c.logger.SetLevel(next.Log.Level); err != nil {
			c.logger.LogError(err, map[string]interface{}{"component": "config_watcher"})
		} else {
			c.logger.Info(fmt.Sprintf("log level changed to %s", next.Log.Level))
		}
	}
	if next.Store != c.cfg.Store || next.Server != c.cfg.Server || next.Resync != c.cfg.Resync ||
		next.Alert != c.cfg.Alert || next.BaseCurrency != c.cfg.BaseCurrency {
		c.logger.Warn("config change requires restart to take effect")
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 停止服务后把未落盘的持仓写回 Store，再关闭 Store。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	stopErr := c.lifecycle.StopAll()
	if stopErr != nil {
		c.logger.LogError(stopErr, map[string]interface{}{"action": "stop"})
	}
	c.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if err := c.ledger.Shutdown(ctx); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "flush", "dirty": c.ledger.Dirty()})
		if stopErr == nil {
			stopErr = err
		}
	}
	c.alerts.Flush()
	if err := c.store.Close(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "close_store"})
	}

	c.logger.Info("container stopped")
	c.logger.Close()
	return stopErr
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Ledger 返回容器内的账本实例。
func (c *Container) Ledger() *ledger.Ledger { return c.ledger }

// Config 返回当前配置。
func (c *Container) Config() config.AppConfig { return *c.cfg }

// APIAddr 返回 API 实际监听地址。
func (c *Container) APIAddr() string {
	if c.apiServer == nil {
		return ""
	}
	return c.apiServer.Addr()
}

// MetricsHandler 暴露指标 handler，供未单独开启 metrics 端口时挂载。
func (c *Container) MetricsHandler() http.Handler { return c.monitor.Handler() }

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
