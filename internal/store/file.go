package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"exchange-ledger/ledger"
)

// File 把全部持仓保存为一个 YAML 文档。写入先落到临时文件再 rename，
// 读到的永远是完整快照。
type File struct {
	path string
	// 容量为 1 的信号量，等待时遵守 ctx，慢写入不会让后续调用无限期排队。
	sem chan struct{}
}

type fileDocument struct {
	Version   int      `yaml:"version"`
	Positions []record `yaml:"positions"`
}

const fileVersion = 1

func NewFile(path string) *File {
	return &File{path: path, sem: make(chan struct{}, 1)}
}

// Load 读取文件；文件不存在视为空账本。
func (f *File) Load(ctx context.Context) (map[string]ledger.Position, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.unlock()
	records, err := f.read()
	if err != nil {
		return nil, err
	}
	return decodeAll(records)
}

func (f *File) Save(ctx context.Context, positions map[string]ledger.Position) error {
	if err := done(ctx); err != nil {
		return err
	}
	records := make([]record, 0, len(positions))
	for k, p := range positions {
		records = append(records, toRecord(copyPosition(p, k)))
	}
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.unlock()
	return f.write(ctx, records)
}

// SavePosition 读出当前文档，替换单个币种后整体写回。
func (f *File) SavePosition(ctx context.Context, p ledger.Position) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.unlock()
	records, err := f.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].Currency == p.Currency {
			records[i] = toRecord(p)
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, toRecord(p))
	}
	return f.write(ctx, records)
}

func (f *File) Close() error { return nil }

func (f *File) acquire(ctx context.Context) error {
	if err := done(ctx); err != nil {
		return err
	}
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *File) unlock() { <-f.sem }

func (f *File) read() ([]record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return doc.Positions, nil
}

func (f *File) write(ctx context.Context, records []record) error {
	sort.Slice(records, func(i, j int) bool { return records[i].Currency < records[j].Currency })
	data, err := yaml.Marshal(fileDocument{Version: fileVersion, Positions: records})
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // rename 成功后为 no-op

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	// 超时后不再替换旧文件
	if err := done(ctx); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("rename %s: %w", f.path, err)
	}
	return nil
}
