package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes. fsnotify events trigger an
// immediate check; the mtime poll covers filesystems without inotify support.
type Watcher struct {
	Path     string
	Interval time.Duration // 轮询周期
	Cooldown time.Duration // 两次回调的最小间隔
	OnError  func(error)   // 重新加载失败时回调，可为空
}

// Start blocks until ctx is done; callback receives latest config on change.
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Interval <= 0 {
		w.Interval = 2 * time.Second
	}
	var lastMod, lastReload time.Time
	if info, err := readFileInfo(w.Path); err == nil {
		lastMod = info.ModTime()
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw, err := fsnotify.NewWatcher(); err == nil {
		defer fw.Close()
		// 监听目录：编辑器常以 rename 方式替换文件
		if err := fw.Add(filepath.Dir(w.Path)); err == nil {
			events = fw.Events
			errs = fw.Errors
		}
	}

	check := func() {
		info, err := readFileInfo(w.Path)
		if err != nil || !info.ModTime().After(lastMod) {
			return
		}
		if w.Cooldown > 0 && time.Since(lastReload) < w.Cooldown {
			return
		}
		lastMod = info.ModTime()
		cfg, err := LoadWithEnvOverrides(w.Path)
		if err != nil {
			if w.OnError != nil {
				w.OnError(err)
			}
			return
		}
		lastReload = time.Now()
		if onUpdate != nil {
			onUpdate(cfg)
		}
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.Path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}

// readFileInfo is extracted for testing/mocking.
var readFileInfo = func(path string) (info interface{ ModTime() time.Time }, err error) {
	return os.Stat(path)
}
