package labelindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultTableName      = "labelrelay_label"
	sqlOperationTimeout   = 5 * time.Second
	postgresDriverName    = "postgres"
	sqliteDriverName      = "sqlite3"
	sqliteBusyTimeoutMsec = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	upsert      string
}

func (d sqlDialect) placeholder(n int) string {
	if d.driver == postgresDriverName {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

var postgresDialect = sqlDialect{
	driver: postgresDriverName,
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			team_id TEXT NOT NULL,
			label_name TEXT NOT NULL,
			label_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (team_id, label_name)
		)`,
	upsert: `
		INSERT INTO %s (team_id, label_name, label_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (team_id, label_name)
		DO UPDATE SET label_id = EXCLUDED.label_id, updated_at = NOW()`,
}

var sqliteDialect = sqlDialect{
	driver: sqliteDriverName,
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			team_id TEXT NOT NULL,
			label_name TEXT NOT NULL,
			label_id TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (team_id, label_name)
		)`,
	upsert: `
		INSERT INTO %s (team_id, label_name, label_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (team_id, label_name)
		DO UPDATE SET label_id = excluded.label_id, updated_at = CURRENT_TIMESTAMP`,
}

// SQLBackend stores the index in a (team_id, label_name) keyed table. The table
// is created lazily on first use.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: defaultTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

// NewSQLiteBackend opens the database file at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, sqliteBusyTimeoutMsec),
		tableName: defaultTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Load(ctx context.Context) ([]Entry, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT team_id, label_name, label_id FROM %s ORDER BY team_id, label_name", quoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.TeamID, &entry.LabelName, &entry.LabelID); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (b *SQLBackend) Lookup(ctx context.Context, teamID, labelName string) (string, bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT label_id FROM %s WHERE team_id = %s AND label_name = %s",
		quoteIdentifier(b.tableName), b.dialect.placeholder(1), b.dialect.placeholder(2))
	var id string
	err := b.db.QueryRowContext(ctx, query, teamID, labelName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (b *SQLBackend) Put(ctx context.Context, entry Entry) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(b.dialect.upsert, quoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, entry.TeamID, entry.LabelName, entry.LabelID)
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driver == sqliteDriverName {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(b.dialect.createTable, quoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
