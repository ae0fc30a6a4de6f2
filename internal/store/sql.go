package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tracking-catalog/internal/model"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store over database/sql for Postgres (pgx) and SQLite.
// Plans are stored relationally: bindings live in child tables whose foreign
// keys make the database reject dangling or duplicate references.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

// OpenSQL opens and pings a database for the dialect.
func OpenSQL(ctx context.Context, d Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d == SQLite {
		// single writer avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	return NewSQLStore(db, d), nil
}

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, q: db, dialect: d}
}

// WithinTx runs fn in a transaction. Nested calls reuse the outer transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &SQLStore{db: s.db, q: tx, dialect: s.dialect, inTx: true}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateErr(err, "commit")
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// --- events ---

const eventColumns = `ref, name, type, description, validation, additional_properties, created_at, updated_at`

func (s *SQLStore) CreateEvent(ctx context.Context, e *model.Event) error {
	validation, err := encodeJSON(e.Validation)
	if err != nil {
		return err
	}
	stampNew(&e.Ref, &e.CreatedAt, &e.UpdatedAt)
	res, err := s.exec(ctx, `INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, type) DO NOTHING`,
		e.Ref, e.Name, string(e.Type), e.Description, validation, e.AdditionalProperties, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return translateErr(err, "insert event")
	}
	return expectInserted(res, fmt.Sprintf("event %q of type %s", e.Name, e.Type))
}

func (s *SQLStore) GetEvent(ctx context.Context, ref string) (*model.Event, error) {
	row := s.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE ref = ?`, ref)
	e, err := scanEvent(row)
	return e, translateErr(err, "event "+ref)
}

func (s *SQLStore) FindEvent(ctx context.Context, name string, typ model.EventType) (*model.Event, error) {
	row := s.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE name = ? AND type = ?`, name, string(typ))
	e, err := scanEvent(row)
	return e, translateErr(err, fmt.Sprintf("event %q of type %s", name, typ))
}

func (s *SQLStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at, ref`)
	if err != nil {
		return nil, translateErr(err, "list events")
	}
	defer rows.Close()
	out := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateEvent(ctx context.Context, e *model.Event) error {
	validation, err := encodeJSON(e.Validation)
	if err != nil {
		return err
	}
	e.UpdatedAt = now()
	res, err := s.exec(ctx, `UPDATE events SET name = ?, type = ?, description = ?, validation = ?, additional_properties = ?, updated_at = ? WHERE ref = ?`,
		e.Name, string(e.Type), e.Description, validation, e.AdditionalProperties, e.UpdatedAt, e.Ref)
	if err != nil {
		return translateErr(err, "update event")
	}
	return expectRow(res, "event "+e.Ref)
}

func (s *SQLStore) DeleteEvent(ctx context.Context, ref string) error {
	res, err := s.exec(ctx, `DELETE FROM events WHERE ref = ?`, ref)
	if err != nil {
		return translateErr(err, "delete event")
	}
	return expectRow(res, "event "+ref)
}

// --- properties ---

const propertyColumns = `ref, name, type, description, validation, created_at, updated_at`

func (s *SQLStore) CreateProperty(ctx context.Context, p *model.Property) error {
	validation, err := encodeJSON(p.Validation)
	if err != nil {
		return err
	}
	stampNew(&p.Ref, &p.CreatedAt, &p.UpdatedAt)
	res, err := s.exec(ctx, `INSERT INTO properties (`+propertyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, type) DO NOTHING`,
		p.Ref, p.Name, string(p.Type), p.Description, validation, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return translateErr(err, "insert property")
	}
	return expectInserted(res, fmt.Sprintf("property %q of type %s", p.Name, p.Type))
}

func (s *SQLStore) GetProperty(ctx context.Context, ref string) (*model.Property, error) {
	row := s.queryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE ref = ?`, ref)
	p, err := scanProperty(row)
	return p, translateErr(err, "property "+ref)
}

func (s *SQLStore) FindProperty(ctx context.Context, name string, typ model.PropertyType) (*model.Property, error) {
	row := s.queryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE name = ? AND type = ?`, name, string(typ))
	p, err := scanProperty(row)
	return p, translateErr(err, fmt.Sprintf("property %q of type %s", name, typ))
}

func (s *SQLStore) ListProperties(ctx context.Context) ([]model.Property, error) {
	rows, err := s.query(ctx, `SELECT `+propertyColumns+` FROM properties ORDER BY created_at, ref`)
	if err != nil {
		return nil, translateErr(err, "list properties")
	}
	defer rows.Close()
	out := []model.Property{}
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateProperty(ctx context.Context, p *model.Property) error {
	validation, err := encodeJSON(p.Validation)
	if err != nil {
		return err
	}
	p.UpdatedAt = now()
	res, err := s.exec(ctx, `UPDATE properties SET name = ?, type = ?, description = ?, validation = ?, updated_at = ? WHERE ref = ?`,
		p.Name, string(p.Type), p.Description, validation, p.UpdatedAt, p.Ref)
	if err != nil {
		return translateErr(err, "update property")
	}
	return expectRow(res, "property "+p.Ref)
}

func (s *SQLStore) DeleteProperty(ctx context.Context, ref string) error {
	res, err := s.exec(ctx, `DELETE FROM properties WHERE ref = ?`, ref)
	if err != nil {
		return translateErr(err, "delete property")
	}
	return expectRow(res, "property "+ref)
}

// --- tracking plans ---

const planColumns = `ref, name, description, created_at, updated_at, version`

func (s *SQLStore) CreatePlan(ctx context.Context, p *model.TrackingPlan) error {
	stampNew(&p.Ref, &p.CreatedAt, &p.UpdatedAt)
	p.Version = 0
	if p.Events == nil {
		p.Events = []model.EventBinding{}
	}
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLStore)
		_, err := tx.exec(ctx, `INSERT INTO tracking_plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			p.Ref, p.Name, p.Description, p.CreatedAt, p.UpdatedAt, p.Version)
		if err != nil {
			return translateErr(err, "insert tracking plan")
		}
		return tx.insertBindings(ctx, p.Ref, p.Events)
	})
}

func (s *SQLStore) GetPlan(ctx context.Context, ref string) (*model.TrackingPlan, error) {
	row := s.queryRow(ctx, `SELECT `+planColumns+` FROM tracking_plans WHERE ref = ?`, ref)
	return s.loadPlan(ctx, row, "tracking plan "+ref)
}

func (s *SQLStore) FindPlanByName(ctx context.Context, name string) (*model.TrackingPlan, error) {
	row := s.queryRow(ctx, `SELECT `+planColumns+` FROM tracking_plans WHERE name = ?`, name)
	return s.loadPlan(ctx, row, fmt.Sprintf("tracking plan %q", name))
}

func (s *SQLStore) loadPlan(ctx context.Context, row *sql.Row, what string) (*model.TrackingPlan, error) {
	p, err := scanPlan(row)
	if err != nil {
		return nil, translateErr(err, what)
	}
	if p.Events, err = s.loadBindings(ctx, p.Ref); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) ListPlans(ctx context.Context) ([]model.TrackingPlan, error) {
	rows, err := s.query(ctx, `SELECT `+planColumns+` FROM tracking_plans ORDER BY created_at, ref`)
	if err != nil {
		return nil, translateErr(err, "list tracking plans")
	}
	plans := []model.TrackingPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// SQLite runs on one connection, so the cursor must be closed before loading bindings.
	rows.Close()
	for i := range plans {
		if plans[i].Events, err = s.loadBindings(ctx, plans[i].Ref); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

func (s *SQLStore) UpdatePlan(ctx context.Context, p *model.TrackingPlan) error {
	updatedAt := now()
	err := s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLStore)
		res, err := tx.exec(ctx, `UPDATE tracking_plans SET name = ?, description = ?, updated_at = ?, version = version + 1
			WHERE ref = ? AND version = ?`,
			p.Name, p.Description, updatedAt, p.Ref, p.Version)
		if err != nil {
			return translateErr(err, "update tracking plan")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return tx.stalePlan(ctx, p.Ref)
		}
		if _, err := tx.exec(ctx, `DELETE FROM tracking_plan_event_properties WHERE plan_ref = ?`, p.Ref); err != nil {
			return translateErr(err, "clear property bindings")
		}
		if _, err := tx.exec(ctx, `DELETE FROM tracking_plan_events WHERE plan_ref = ?`, p.Ref); err != nil {
			return translateErr(err, "clear event bindings")
		}
		return tx.insertBindings(ctx, p.Ref, p.Events)
	})
	if err != nil {
		return err
	}
	p.UpdatedAt = updatedAt
	p.Version++
	return nil
}

// stalePlan explains an UPDATE that matched no row.
func (s *SQLStore) stalePlan(ctx context.Context, ref string) error {
	ok, err := s.exists(ctx, `SELECT 1 FROM tracking_plans WHERE ref = ?`, ref)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("tracking plan %s: %w", ref, ErrStale)
	}
	return fmt.Errorf("tracking plan %s: %w", ref, ErrNotFound)
}

func (s *SQLStore) DeletePlan(ctx context.Context, ref string) error {
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLStore)
		if _, err := tx.exec(ctx, `DELETE FROM tracking_plan_event_properties WHERE plan_ref = ?`, ref); err != nil {
			return translateErr(err, "delete property bindings")
		}
		if _, err := tx.exec(ctx, `DELETE FROM tracking_plan_events WHERE plan_ref = ?`, ref); err != nil {
			return translateErr(err, "delete event bindings")
		}
		res, err := tx.exec(ctx, `DELETE FROM tracking_plans WHERE ref = ?`, ref)
		if err != nil {
			return translateErr(err, "delete tracking plan")
		}
		return expectRow(res, "tracking plan "+ref)
	})
}

func (s *SQLStore) insertBindings(ctx context.Context, planRef string, bindings []model.EventBinding) error {
	for i, b := range bindings {
		_, err := s.exec(ctx, `INSERT INTO tracking_plan_events (plan_ref, event_ref, position, additional_properties) VALUES (?, ?, ?, ?)`,
			planRef, b.Event, i, b.AdditionalProperties)
		if err != nil {
			return translateErr(err, "bind event "+b.Event)
		}
		for j, pb := range b.Properties {
			_, err := s.exec(ctx, `INSERT INTO tracking_plan_event_properties (plan_ref, event_ref, property_ref, position, required) VALUES (?, ?, ?, ?, ?)`,
				planRef, b.Event, pb.Property, j, pb.Required)
			if err != nil {
				return translateErr(err, "bind property "+pb.Property)
			}
		}
	}
	return nil
}

func (s *SQLStore) loadBindings(ctx context.Context, planRef string) ([]model.EventBinding, error) {
	rows, err := s.query(ctx, `SELECT event_ref, additional_properties FROM tracking_plan_events WHERE plan_ref = ? ORDER BY position`, planRef)
	if err != nil {
		return nil, translateErr(err, "load event bindings")
	}
	bindings := []model.EventBinding{}
	index := map[string]int{}
	for rows.Next() {
		b := model.EventBinding{Properties: []model.PropertyBinding{}}
		if err := rows.Scan(&b.Event, &b.AdditionalProperties); err != nil {
			rows.Close()
			return nil, err
		}
		index[b.Event] = len(bindings)
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.query(ctx, `SELECT event_ref, property_ref, required FROM tracking_plan_event_properties WHERE plan_ref = ? ORDER BY event_ref, position`, planRef)
	if err != nil {
		return nil, translateErr(err, "load property bindings")
	}
	defer rows.Close()
	for rows.Next() {
		var eventRef string
		var pb model.PropertyBinding
		if err := rows.Scan(&eventRef, &pb.Property, &pb.Required); err != nil {
			return nil, err
		}
		if i, ok := index[eventRef]; ok {
			bindings[i].Properties = append(bindings[i].Properties, pb)
		}
	}
	return bindings, rows.Err()
}

func (s *SQLStore) EventInUse(ctx context.Context, ref string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM tracking_plan_events WHERE event_ref = ? LIMIT 1`, ref)
}

func (s *SQLStore) PropertyInUse(ctx context.Context, ref string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM tracking_plan_event_properties WHERE property_ref = ? LIMIT 1`, ref)
}

func (s *SQLStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.queryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, translateErr(err, "reference check")
	}
	return true, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil || s.inTx {
		return nil
	}
	return s.db.Close()
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		e          model.Event
		typ        string
		validation sql.NullString
	)
	if err := row.Scan(&e.Ref, &e.Name, &typ, &e.Description, &validation, &e.AdditionalProperties, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = model.EventType(typ)
	m, err := decodeJSON(validation)
	if err != nil {
		return nil, err
	}
	e.Validation = m
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func scanProperty(row rowScanner) (*model.Property, error) {
	var (
		p          model.Property
		typ        string
		validation sql.NullString
	)
	if err := row.Scan(&p.Ref, &p.Name, &typ, &p.Description, &validation, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Type = model.PropertyType(typ)
	m, err := decodeJSON(validation)
	if err != nil {
		return nil, err
	}
	p.Validation = m
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanPlan(row rowScanner) (*model.TrackingPlan, error) {
	var p model.TrackingPlan
	if err := row.Scan(&p.Ref, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt, &p.Version); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode validation: %w", err)
	}
	return string(data), nil
}

func decodeJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, fmt.Errorf("decode validation: %w", err)
	}
	return m, nil
}

// expectInserted turns an INSERT skipped by ON CONFLICT DO NOTHING into
// ErrConflict. Unlike a unique violation this leaves a Postgres transaction
// usable, so the caller can go on to read the existing row.
func expectInserted(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return nil
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
