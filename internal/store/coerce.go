package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
)

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case domain.JobStatus:
		return string(t), nil
	default:
		return "", fmt.Errorf("%w: expected string value, got %T", domain.ErrValidation, v)
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", domain.ErrValidation, t)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("%w: expected timestamp value, got %T", domain.ErrValidation, v)
	}
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid integer %q", domain.ErrValidation, t)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: expected integer value, got %T", domain.ErrValidation, v)
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("%w: invalid boolean %q", domain.ErrValidation, t)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("%w: expected boolean value, got %T", domain.ErrValidation, v)
	}
}
