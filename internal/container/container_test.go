package container

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-ledger/config"
	"exchange-ledger/infrastructure/alert"
	"exchange-ledger/infrastructure/logger"
)

func testConfig(t *testing.T, driver string) config.AppConfig {
	cfg := config.AppConfig{
		Env:          "test",
		BaseCurrency: "USD",
		Store: config.StoreConfig{
			Driver: driver,
			Path:   filepath.Join(t.TempDir(), "positions.yaml"),
		},
		Server: config.ServerConfig{
			Addr:        "127.0.0.1:0",
			MetricsAddr: "127.0.0.1:0",
		},
		Resync: config.ResyncConfig{IntervalMs: 20},
	}
	config.ApplyDefaults(&cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestContainerServesLedger(t *testing.T) {
	c := NewWithConfig(testConfig(t, config.DriverMemory), logger.NewNop())
	require.NoError(t, c.Build(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.HealthCheck())

	base := "http://" + c.APIAddr()
	resp, err := http.Post(base+"/purchases", "application/json",
		strings.NewReader(`{"currency":"USD","quantity":"150","unitCost":"3"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p := c.Ledger().Position("USD")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(150)))

	rec, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(rec.Body)
	rec.Body.Close()
	assert.Contains(t, string(body), `"status":"ok"`)

	require.NoError(t, c.Stop())
	assert.Error(t, c.HealthCheck())
}

func TestContainerPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t, config.DriverFile)

	c := NewWithConfig(cfg, logger.NewNop())
	require.NoError(t, c.Build(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	_, err := c.Ledger().RecordPurchase("eur", decimal.NewFromInt(10), decimal.RequireFromString("1.25"))
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	again := NewWithConfig(cfg, logger.NewNop())
	require.NoError(t, again.Build(context.Background()))
	defer again.Stop()
	p := again.Ledger().Position("EUR")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10)), "quantity %s", p.Quantity)
	assert.True(t, p.AverageCost.Equal(decimal.RequireFromString("1.25")), "average %s", p.AverageCost)
}

func TestContainerRaisesOverdraftAlert(t *testing.T) {
	c := NewWithConfig(testConfig(t, config.DriverMemory), logger.NewNop())
	require.NoError(t, c.Build(context.Background()))
	mock := alert.NewMockChannel("mock")
	c.alerts.AddChannel(mock)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Ledger().RecordPurchase("EUR", decimal.NewFromInt(10), decimal.NewFromInt(2))
	require.NoError(t, err)
	_, err = c.Ledger().RecordSale("EUR", decimal.NewFromInt(25), decimal.NewFromInt(3))
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	alerts := mock.GetAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.LevelWarning, alerts[0].Level)
	assert.Equal(t, "15", alerts[0].Fields["oversold"])
}

func TestContainerBuildFailsOnBadStore(t *testing.T) {
	cfg := testConfig(t, config.DriverMemory)
	cfg.Store.Driver = "etcd"
	c := NewWithConfig(cfg, logger.NewNop())
	assert.Error(t, c.Build(context.Background()))
}

func TestApplyConfigChangesLogLevel(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info", Outputs: []string{}})
	require.NoError(t, err)
	cfg := testConfig(t, config.DriverMemory)
	c := NewWithConfig(cfg, log)
	require.NoError(t, c.Build(context.Background()))

	next := cfg
	next.Log.Level = "debug"
	c.applyConfig(next)
	assert.Equal(t, "debug", log.Level())
}

type fakeComponent struct {
	name     string
	startErr error
	started  atomic.Bool
	order    *[]string
}

func (f *fakeComponent) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeComponent) Stop() error {
	f.started.Store(false)
	*f.order = append(*f.order, f.name)
	return nil
}

func (f *fakeComponent) Health() error {
	if !f.started.Load() {
		return errors.New(f.name + " down")
	}
	return nil
}

func TestLifecycleRollbackOnStartFailure(t *testing.T) {
	var stopped []string
	a := &fakeComponent{name: "a", order: &stopped}
	b := &fakeComponent{name: "b", order: &stopped}
	bad := &fakeComponent{name: "bad", startErr: errors.New("boom"), order: &stopped}

	m := NewLifecycleManager()
	m.Register(a)
	m.Register(b)
	m.Register(bad)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"b", "a"}, stopped)
	assert.Error(t, m.CheckHealth())
}

func TestLifecycleStopsInReverse(t *testing.T) {
	var stopped []string
	m := NewLifecycleManager()
	for _, n := range []string{"store", "api", "metrics"} {
		m.Register(&fakeComponent{name: n, order: &stopped})
	}
	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.CheckHealth())
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"metrics", "api", "store"}, stopped)
}

func TestTaskComponentRunsPeriodically(t *testing.T) {
	var calls atomic.Int32
	task := &taskComponent{
		name:     "tick",
		interval: 5 * time.Millisecond,
		logger:   logger.NewNop(),
		run: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}
	assert.Error(t, task.Health())
	require.NoError(t, task.Start(context.Background()))
	require.NoError(t, task.Health())

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, task.Stop())
	n := calls.Load()
	assert.GreaterOrEqual(t, n, int32(3))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load(), "task must not run after Stop")
	require.NoError(t, task.Stop())
}

func TestHTTPComponentReportsListenError(t *testing.T) {
	first := &httpServerComponent{name: "a", addr: "127.0.0.1:0", handler: http.NotFoundHandler(), logger: logger.NewNop()}
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := &httpServerComponent{name: "b", addr: first.Addr(), handler: http.NotFoundHandler(), logger: logger.NewNop()}
	assert.Error(t, second.Start(context.Background()))
	assert.Error(t, second.Health())
}
