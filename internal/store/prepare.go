package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/google/uuid"
)

// PrepareCreate assigns server-owned metadata to a new record and validates
// it. Caller-provided ids are kept when they are safe storage keys.
func PrepareCreate[T Record[T]](record T, now time.Time) (T, error) {
	id := strings.TrimSpace(record.Meta().ID)
	if id == "" {
		id = uuid.NewString()
	}
	if !domain.ValidID(id) {
		var zero T
		return zero, fmt.Errorf("%w: invalid record id %q", domain.ErrValidation, id)
	}
	now = now.UTC()
	out := record.WithMeta(domain.RecordMeta{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	})
	if err := out.Validate(); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// PrepareUpdate carries id and created_at over from current and bumps the
// version. The caller has already checked expectedVersion.
func PrepareUpdate[T Record[T]](current, next T, now time.Time) (T, error) {
	meta := current.Meta()
	out := next.WithMeta(domain.RecordMeta{
		ID:        meta.ID,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: now.UTC(),
		Version:   meta.Version + 1,
	})
	if err := out.Validate(); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// CheckVersion reports ErrConflict when the stored version moved on.
func CheckVersion(kind domain.Kind, id string, stored, expected int64) error {
	if stored != expected {
		return fmt.Errorf("%w: %s %s is at version %d, expected %d", domain.ErrConflict, kind, id, stored, expected)
	}
	return nil
}

// CheckUnique fails with ErrAlreadyExists when candidate shares a unique key
// with any other record in existing.
func CheckUnique[T Record[T]](existing []T, candidate T) error {
	keys := candidate.UniqueKeys()
	if len(keys) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	id := candidate.Meta().ID
	for _, rec := range existing {
		if rec.Meta().ID == id {
			continue
		}
		for _, k := range rec.UniqueKeys() {
			if _, ok := want[k]; ok {
				return fmt.Errorf("%w: %s with %s", domain.ErrAlreadyExists, candidate.RecordKind(), k)
			}
		}
	}
	return nil
}
