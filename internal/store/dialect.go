package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the few differences between the SQL backends.
type Dialect struct {
	Name   string
	Driver string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "pgx", Numbered: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite3"}
)

// rebind rewrites '?' placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// translateErr maps driver errors onto ErrNotFound and ErrConflict.
func translateErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", ErrConflict, what, pgErr.Message)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s: %s", ErrConflict, what, liteErr.Error())
	}
	return fmt.Errorf("%s: %w", what, err)
}
