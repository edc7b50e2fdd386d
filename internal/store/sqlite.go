package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"exchange-ledger/ledger"
)

// SQLite 每个币种一行。全量保存在一个事务内完成。
type SQLite struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）数据库并初始化表结构。
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// 单写连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *SQLite) DB() *sql.DB { return s.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			currency     TEXT    NOT NULL PRIMARY KEY,
			quantity     TEXT    NOT NULL,
			average_cost TEXT    NOT NULL,
			last_updated INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *SQLite) Load(ctx context.Context) (map[string]ledger.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT currency, quantity, average_cost, last_updated FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.Currency, &r.Quantity, &r.AverageCost, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows: %w", err)
	}
	return decodeAll(records)
}

func (s *SQLite) Save(ctx context.Context, positions map[string]ledger.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (currency, quantity, average_cost, last_updated)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for k, p := range positions {
		r := toRecord(copyPosition(p, k))
		if _, err := stmt.ExecContext(ctx, r.Currency, r.Quantity, r.AverageCost, r.LastUpdated); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert %s: %w", r.Currency, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) SavePosition(ctx context.Context, p ledger.Position) error {
	r := toRecord(p)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (currency, quantity, average_cost, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(currency) DO UPDATE SET
			quantity = excluded.quantity,
			average_cost = excluded.average_cost,
			last_updated = excluded.last_updated
	`, r.Currency, r.Quantity, r.AverageCost, r.LastUpdated)
	if err != nil {
		return fmt.Errorf("sqlite upsert %s: %w", r.Currency, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
