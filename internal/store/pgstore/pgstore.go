// Package pgstore keeps records in Postgres as JSONB bodies, one row per
// record, with unique keys enforced by a side table.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/store"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a database/sql handle opened with the pgx driver.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) (*DB, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &DB{db: db, now: time.Now}, nil
}

// Migrate creates the record tables when missing.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: migrate: %w", domain.ErrStorage, err)
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.db == nil {
		return errors.New("postgres store not initialized")
	}
	return d.db.PingContext(ctx)
}

// Collection stores one record kind.
type Collection[T store.Record[T]] struct {
	db   *DB
	kind domain.Kind
}

var _ store.Collection[domain.Dataset] = (*Collection[domain.Dataset])(nil)

func NewCollection[T store.Record[T]](db *DB) (*Collection[T], error) {
	if db == nil {
		return nil, errors.New("postgres store is required")
	}
	var zero T
	kind := zero.RecordKind()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown record kind %q", domain.ErrValidation, kind)
	}
	return &Collection[T]{db: db, kind: kind}, nil
}

func (c *Collection[T]) Kind() domain.Kind { return c.kind }

func (c *Collection[T]) Create(ctx context.Context, record T) (T, error) {
	var zero T
	prepared, err := store.PrepareCreate(record, c.db.now())
	if err != nil {
		return zero, err
	}
	body, err := json.Marshal(prepared)
	if err != nil {
		return zero, fmt.Errorf("%w: encode %s: %w", domain.ErrStorage, c.kind, err)
	}
	meta := prepared.Meta()

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("%w: begin: %w", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rds_records (kind, id, version, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(c.kind), meta.ID, meta.Version, meta.CreatedAt, meta.UpdatedAt, body,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return zero, fmt.Errorf("%w: %s %s", domain.ErrAlreadyExists, c.kind, meta.ID)
		}
		return zero, fmt.Errorf("%w: insert %s: %w", domain.ErrStorage, c.kind, err)
	}
	if err := c.insertKeys(ctx, tx, prepared); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("%w: commit: %w", domain.ErrStorage, err)
	}
	return prepared, nil
}

func (c *Collection[T]) Read(ctx context.Context, id string) (T, error) {
	var zero T
	var body []byte
	err := c.db.db.QueryRowContext(ctx,
		`SELECT body FROM rds_records WHERE kind = $1 AND id = $2`,
		string(c.kind), id,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, fmt.Errorf("%w: %s %s", domain.ErrNotFound, c.kind, id)
		}
		return zero, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, c.kind, err)
	}
	return c.decode(body)
}

func (c *Collection[T]) Update(ctx context.Context, id string, record T, expectedVersion int64) (T, error) {
	var zero T
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("%w: begin: %w", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	var body []byte
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM rds_records WHERE kind = $1 AND id = $2 FOR UPDATE`,
		string(c.kind), id,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, fmt.Errorf("%w: %s %s", domain.ErrNotFound, c.kind, id)
		}
		return zero, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, c.kind, err)
	}
	current, err := c.decode(body)
	if err != nil {
		return zero, err
	}
	if err := store.CheckVersion(c.kind, id, current.Meta().Version, expectedVersion); err != nil {
		return zero, err
	}
	next, err := store.PrepareUpdate(current, record, c.db.now())
	if err != nil {
		return zero, err
	}
	nextBody, err := json.Marshal(next)
	if err != nil {
		return zero, fmt.Errorf("%w: encode %s: %w", domain.ErrStorage, c.kind, err)
	}
	meta := next.Meta()
	res, err := tx.ExecContext(ctx, `
		UPDATE rds_records
		SET version = $3, updated_at = $4, body = $5
		WHERE kind = $1 AND id = $2 AND version = $6`,
		string(c.kind), id, meta.Version, meta.UpdatedAt, nextBody, expectedVersion,
	)
	if err != nil {
		return zero, fmt.Errorf("%w: update %s: %w", domain.ErrStorage, c.kind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return zero, fmt.Errorf("%w: %s %s changed concurrently", domain.ErrConflict, c.kind, id)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rds_record_keys WHERE kind = $1 AND id = $2`,
		string(c.kind), id,
	); err != nil {
		return zero, fmt.Errorf("%w: clear keys: %w", domain.ErrStorage, err)
	}
	if err := c.insertKeys(ctx, tx, next); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("%w: commit: %w", domain.ErrStorage, err)
	}
	return next, nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	res, err := c.db.db.ExecContext(ctx,
		`DELETE FROM rds_records WHERE kind = $1 AND id = $2`,
		string(c.kind), id,
	)
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %w", domain.ErrStorage, c.kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %w", domain.ErrStorage, c.kind, err)
	}
	return n > 0, nil
}

func (c *Collection[T]) Query(ctx context.Context, q store.Query) ([]T, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	return store.Apply(all, q)
}

func (c *Collection[T]) Search(ctx context.Context, term string, fields []string) ([]T, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	return store.Search(all, term, fields)
}

func (c *Collection[T]) insertKeys(ctx context.Context, tx *sql.Tx, record T) error {
	for _, key := range record.UniqueKeys() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rds_record_keys (kind, key, id) VALUES ($1, $2, $3)`,
			string(c.kind), key, record.Meta().ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s with %s", domain.ErrAlreadyExists, c.kind, key)
			}
			return fmt.Errorf("%w: insert key: %w", domain.ErrStorage, err)
		}
	}
	return nil
}

func (c *Collection[T]) list(ctx context.Context) ([]T, error) {
	rows, err := c.db.db.QueryContext(ctx,
		`SELECT body FROM rds_records WHERE kind = $1 ORDER BY id`,
		string(c.kind),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", domain.ErrStorage, c.kind, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", domain.ErrStorage, c.kind, err)
		}
		rec, err := c.decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", domain.ErrStorage, c.kind, err)
	}
	return out, nil
}

func (c *Collection[T]) decode(body []byte) (T, error) {
	var rec T
	if err := json.Unmarshal(body, &rec); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: decode %s: %w", domain.ErrStorage, c.kind, err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
