package ch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"tracking-catalog/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Client wraps a ClickHouse connection holding the catalog change history.
type Client struct {
	db *sql.DB
}

// New creates a ClickHouse client from a DSN.
func New(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Client{db: db}, nil
}

// Close releases database resources.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// EnsureSchema creates the catalog_changes table if it does not exist.
// ReplacingMergeTree on id collapses redelivered messages.
func (c *Client) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS catalog_changes
(
  id           String,
  occurred_at  DateTime64(3, 'UTC'),
  entity       LowCardinality(String),
  entity_ref   String,
  action       LowCardinality(String),
  plan_ref     String,
  payload      String,
  _loaded_at   DateTime64(3, 'UTC')
)
ENGINE = ReplacingMergeTree(_loaded_at)
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (entity_ref, occurred_at, id)`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

// InsertChanges writes a batch of changes with a single prepared statement.
func (c *Client) InsertChanges(ctx context.Context, changes []model.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO catalog_changes (
	id, occurred_at, entity, entity_ref, action, plan_ref, payload, _loaded_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	loadedAt := time.Now().UTC()
	for _, chg := range changes {
		payload, err := json.Marshal(chg.Payload)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(
			ctx,
			chg.ID,
			chg.OccurredAt,
			string(chg.Entity),
			chg.EntityRef,
			string(chg.Action),
			chg.PlanRef,
			string(payload),
			loadedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ChangeFilter narrows RecentChanges. Empty fields match everything.
type ChangeFilter struct {
	EntityRef string
	PlanRef   string
	Limit     int
}

// RecentChanges returns the newest changes first.
func (c *Client) RecentChanges(ctx context.Context, f ChangeFilter) ([]model.Change, error) {
	limit := ClampLimit(f.Limit)
	rows, err := c.db.QueryContext(ctx, `
SELECT id, occurred_at, entity, entity_ref, action, plan_ref, payload
FROM catalog_changes FINAL
WHERE (? = '' OR entity_ref = ?) AND (? = '' OR plan_ref = ?)
ORDER BY occurred_at DESC
LIMIT ?`, f.EntityRef, f.EntityRef, f.PlanRef, f.PlanRef, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Change, 0, limit)
	for rows.Next() {
		var (
			chg            model.Change
			entity, action string
			payload        string
		)
		if err := rows.Scan(&chg.ID, &chg.OccurredAt, &entity, &chg.EntityRef, &action, &chg.PlanRef, &payload); err != nil {
			return nil, err
		}
		chg.Entity = model.EntityKind(entity)
		chg.Action = model.ChangeAction(action)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &chg.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of change %s: %w", chg.ID, err)
			}
		}
		out = append(out, chg)
	}
	return out, rows.Err()
}

// ClampLimit applies the default and upper bound to a requested page size.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

// Ping ensures the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	return nil
}
