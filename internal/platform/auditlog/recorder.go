package auditlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id          BIGSERIAL PRIMARY KEY,
    occurred_at       TIMESTAMPTZ NOT NULL,
    actor             TEXT NOT NULL,
    action            TEXT NOT NULL,
    resource_type     TEXT NOT NULL,
    resource_id       TEXT NOT NULL,
    request_id        TEXT,
    ip                TEXT,
    user_agent        TEXT,
    payload           JSONB NOT NULL,
    integrity_sha256  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_resource_idx ON audit_events (resource_type, resource_id);
`

// SQLRecorder appends events to the audit_events table.
type SQLRecorder struct {
	db *sql.DB
}

func NewSQLRecorder(db *sql.DB) (*SQLRecorder, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &SQLRecorder{db: db}, nil
}

// EnsureSchema creates the audit table when missing.
func (r *SQLRecorder) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("audit recorder not initialized")
	}
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (r *SQLRecorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return errors.New("audit recorder not initialized")
	}
	_, err := Insert(ctx, r.db, event)
	return err
}

// LogRecorder writes events as structured log lines with their integrity
// hash.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, event Event) error {
	event, payloadJSON, err := event.normalize()
	if err != nil {
		return err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "audit",
		"occurred_at", event.OccurredAt.UTC(),
		"actor", event.Actor,
		"action", event.Action,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"request_id", event.RequestID,
		"payload", string(payloadJSON),
		"integrity_sha256", integrity,
	)
	return nil
}

// MultiRecorder fans an event out to every recorder and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) error { return nil }
