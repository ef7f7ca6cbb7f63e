package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	store     TEXT    NOT NULL,
	method    TEXT    NOT NULL,
	url       TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT    NOT NULL,
	body      BLOB    NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (store, method, url)
);`

// sqliteProvider 将所有 store 放在同一个 SQLite 文件中，单条 upsert 天然原子。
type sqliteProvider struct {
	sqlDB *sql.DB
}

// NewSQLiteProvider 打开（必要时创建）SQLite 数据库并初始化表结构。
func NewSQLiteProvider(path string) (Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteProvider{sqlDB: sqlDB}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (p *sqliteProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	_, err := p.sqlDB.ExecContext(ctx,
		`INSERT INTO stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &sqliteStore{name: name, sqlDB: p.sqlDB}, nil
}

func (p *sqliteProvider) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := p.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM stores WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup store %s: %w", name, err)
	}
	return count > 0, nil
}

func (p *sqliteProvider) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := p.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqliteProvider) Names(ctx context.Context) ([]string, error) {
	rows, err := p.sqlDB.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *sqliteProvider) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

type sqliteStore struct {
	name  string
	sqlDB *sql.DB
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE store = ? AND method = ? AND url = ?`,
		s.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s in %s: %w", key, s.name, err)
	}

	snapshot := &Snapshot{
		Status:   status,
		Header:   http.Header{},
		Body:     body,
		StoredAt: fromMillis(storedAt),
	}
	if err := json.Unmarshal([]byte(header), &snapshot.Header); err != nil {
		return nil, ErrNotFound
	}
	if snapshot.Header == nil {
		snapshot.Header = http.Header{}
	}
	return snapshot, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	header, err := json.Marshal(snapshot.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := snapshot.Body
	if body == nil {
		body = []byte{}
	}

	// 仅当 store 仍存在时写入，避免已删除的 store 被写入复活
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (store, method, url, status, header, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)
		 ON CONFLICT(store, method, url) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		s.name, key.Method, key.URL, snapshot.Status, string(header), body, toMillis(storedAt), s.name,
	)
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", key, s.name, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("store %s: %w", s.name, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM entries WHERE store = ? AND method = ? AND url = ?`,
		s.name, key.Method, key.URL,
	)
	if err != nil {
		return fmt.Errorf("delete %s in %s: %w", key, s.name, err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE store = ? ORDER BY url, method`, s.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", s.name, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
