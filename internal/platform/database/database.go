package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"casehooks/internal/platform/config"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DB pairs a connection pool with the dialect its queries must be bound for.
// Repositories write placeholders as "?" and call Rebind.
type DB struct {
	*sql.DB
	Dialect Dialect
}

func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dialect := Dialect(cfg.Driver)

	dsn := cfg.URL
	if dialect == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	maxConns := cfg.MaxConnections
	if dialect == DialectSQLite {
		// single writer; avoids SQLITE_BUSY under concurrent deliveries
		maxConns = 1
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return Wrap(db, dialect), nil
}

func sqliteDSN(url string) string {
	if url == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	if !strings.HasPrefix(url, "file:") {
		url = "file:" + url
	}
	if !strings.Contains(url, "?") {
		url += "?_busy_timeout=5000&_foreign_keys=on"
	}
	return url
}

// Rebind converts "?" placeholders to "$1..$n" for Postgres.
func (d *DB) Rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
