package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

const watchedConfig = `
env: dev
baseCurrency: ARS
log:
  level: info
`

func TestWatcherSkipsOnStatError(t *testing.T) {
	orig := readFileInfo
	defer func() { readFileInfo = orig }()
	readFileInfo = func(string) (interface{ ModTime() time.Time }, error) {
		return nil, errors.New("boom")
	}
	w := Watcher{Path: "noop", Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	if err := w.Start(ctx, nil); err == nil {
		t.Fatalf("expected context cancellation")
	}
}

func TestWatcherTriggersOnChange(t *testing.T) {
	path := writeTempConfig(t, watchedConfig)

	now := time.Now()
	orig := readFileInfo
	defer func() { readFileInfo = orig }()
	var mu sync.Mutex
	tick := 0
	readFileInfo = func(string) (interface{ ModTime() time.Time }, error) {
		mu.Lock()
		defer mu.Unlock()
		tick++
		if tick == 1 {
			return fakeInfo{mod: now}, nil
		}
		return fakeInfo{mod: now.Add(time.Second)}, nil
	}

	w := Watcher{Path: path, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan AppConfig, 1)
	go func() {
		_ = w.Start(ctx, func(cfg AppConfig) {
			select {
			case ch <- cfg:
			default:
			}
		})
	}()
	select {
	case cfg := <-ch:
		if cfg.BaseCurrency != "ARS" {
			t.Fatalf("unexpected config %+v", cfg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected update callback")
	}
}

func TestWatcherPicksUpRealWrite(t *testing.T) {
	path := writeTempConfig(t, watchedConfig)
	w := Watcher{Path: path, Interval: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan string, 4)
	go func() {
		_ = w.Start(ctx, func(cfg AppConfig) { ch <- cfg.Log.Level })
	}()

	time.Sleep(50 * time.Millisecond)
	updated := "env: dev\nbaseCurrency: ARS\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	// 部分文件系统 mtime 精度为秒
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(path, future, future)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case level := <-ch:
			if level == "debug" {
				return
			}
		case <-deadline:
			t.Fatalf("expected reload after write")
		}
	}
}

func TestWatcherReportsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, watchedConfig)
	errCh := make(chan error, 4)
	w := Watcher{Path: path, Interval: 10 * time.Millisecond, OnError: func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx, func(AppConfig) { t.Error("invalid config must not be applied") }) }()

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("env: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(path, future, future)

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected validation error")
	}
}

type fakeInfo struct{ mod time.Time }

func (f fakeInfo) ModTime() time.Time { return f.mod }
