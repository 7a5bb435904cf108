package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour of a SQLBackend.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

type dialectQueries struct {
	schema string
	create string
	put    string
}

var queries = map[Dialect]dialectQueries{
	DialectSQLite: {
		schema: `CREATE TABLE IF NOT EXISTS bot_state (
			storage_key TEXT PRIMARY KEY,
			object BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		create: `INSERT INTO bot_state (storage_key, object, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(storage_key) DO NOTHING`,
		put: `INSERT INTO bot_state (storage_key, object, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(storage_key) DO UPDATE SET object = excluded.object, updated_at = excluded.updated_at`,
	},
	DialectMySQL: {
		schema: `CREATE TABLE IF NOT EXISTS bot_state (
			storage_key VARCHAR(191) NOT NULL PRIMARY KEY,
			object LONGBLOB NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		create: `INSERT IGNORE INTO bot_state (storage_key, object, updated_at) VALUES (?, ?, ?)`,
		put: `INSERT INTO bot_state (storage_key, object, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE object = VALUES(object), updated_at = VALUES(updated_at)`,
	},
}

// SQLBackend keeps records in a single bot_state table.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	q       dialectQueries
	now     func() time.Time
}

// OpenSQLBackend opens dsn with the driver matching dialect and creates the
// table if needed.
func OpenSQLBackend(ctx context.Context, dialect Dialect, dsn string) (*SQLBackend, error) {
	q, ok := queries[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DialectMySQL:
		db.SetMaxOpenConns(16)
		db.SetConnMaxLifetime(time.Minute)
	}
	if _, err := db.ExecContext(ctx, q.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bot_state table: %w", err)
	}
	return &SQLBackend{db: db, dialect: dialect, q: q, now: time.Now}, nil
}

func (s *SQLBackend) Create(ctx context.Context, key string, value []byte) error {
	res, err := s.db.ExecContext(ctx, s.q.create, key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s: %w", key, err)
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

func (s *SQLBackend) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.q.put, key, value, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT object FROM bot_state WHERE storage_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_state WHERE storage_key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT storage_key, object FROM bot_state WHERE storage_key LIKE ? ORDER BY storage_key`,
		likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		// LIKE treats _ as a wildcard
		if strings.HasPrefix(key, prefix) {
			out[key] = value
		}
	}
	return out, rows.Err()
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}

func likePrefix(prefix string) string {
	return strings.ReplaceAll(prefix, "%", "") + "%"
}
