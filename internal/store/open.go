package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type Kind int

const (
	KindMemory Kind = iota
	KindPostgres
	KindSQLite
)

// Target is a parsed STORE_DSN.
type Target struct {
	Kind Kind
	// DSN is what database/sql receives (empty for memory).
	DSN string
	raw *url.URL
}

// ParseDSN understands memory://, postgres://, postgresql:// and sqlite://<path>.
func ParseDSN(dsn string) (Target, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Target{Kind: KindMemory}, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return Target{}, fmt.Errorf("parse store dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return Target{Kind: KindMemory}, nil
	case "postgres", "postgresql":
		return Target{Kind: KindPostgres, DSN: dsn, raw: parsed}, nil
	case "sqlite", "sqlite3":
		path := parsed.Host + parsed.Path
		if path == "" {
			return Target{}, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return Target{Kind: KindSQLite, DSN: "file:" + path + "?_foreign_keys=on&_busy_timeout=5000", raw: parsed}, nil
	default:
		return Target{}, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

// MigrateURL rewrites the target for golang-migrate's database drivers.
func (t Target) MigrateURL() string {
	switch t.Kind {
	case KindPostgres:
		u := *t.raw
		u.Scheme = "pgx5"
		return u.String()
	case KindSQLite:
		return "sqlite3://" + t.raw.Host + t.raw.Path + "?_foreign_keys=on"
	}
	return ""
}

// Open builds the Store for dsn. SQL targets are expected to be migrated already.
func Open(ctx context.Context, dsn string) (Store, error) {
	target, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch target.Kind {
	case KindPostgres:
		return OpenSQL(ctx, Postgres, target.DSN)
	case KindSQLite:
		return OpenSQL(ctx, SQLite, target.DSN)
	default:
		return NewMemoryStore(), nil
	}
}
