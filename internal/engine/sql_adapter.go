package engine

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/mattn/go-sqlite3"    // sqlite3 driver

	"querydesk/internal/domain"
)

// Supported database/sql drivers.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

var _ domain.EngineAdapter = (*SQLAdapter)(nil)

var rowReturning = regexp.MustCompile(`(?is)^\s*(select|with|values|from)\b`)

// SQLAdapter runs queries on a database/sql pool.
type SQLAdapter struct {
	name string
	db   *sql.DB
}

// OpenSQLAdapter opens a pool for driver/dsn and wraps it as engine name.
func OpenSQLAdapter(name, driverName, dsn string) (*SQLAdapter, error) {
	switch driverName {
	case DriverDuckDB, DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("engine %s: unsupported driver %q", name, driverName)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("engine %s: open %s: %w", name, driverName, err)
	}
	return NewSQLAdapter(name, db), nil
}

// NewSQLAdapter wraps an existing pool.
func NewSQLAdapter(name string, db *sql.DB) *SQLAdapter {
	return &SQLAdapter{name: name, db: db}
}

// Name implements domain.EngineAdapter.
func (a *SQLAdapter) Name() string { return a.name }

// DB exposes the underlying pool.
func (a *SQLAdapter) DB() *sql.DB { return a.db }

// Query implements domain.EngineAdapter. Row-returning statements are wrapped
// in an outer LIMIT; scanning stops at limit rows either way.
func (a *SQLAdapter) Query(ctx context.Context, query string, limit int) ([]string, []domain.Row, error) {
	rows, err := a.db.QueryContext(ctx, limitQuery(query, limit))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns: %w", err)
	}

	out := make([]domain.Row, 0)
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, domain.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, out, nil
}

// Close implements domain.EngineAdapter.
func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

func limitQuery(query string, limit int) string {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\n")
	if limit <= 0 || !rowReturning.MatchString(q) {
		return q
	}
	return fmt.Sprintf("SELECT * FROM (%s\n) AS q LIMIT %d", q, limit)
}
