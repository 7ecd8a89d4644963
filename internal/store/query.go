package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
)

// Op is a filter predicate operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// SortOrder selects ascending or descending results.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

const DefaultOrderBy = "created_at"

// Filter is a single predicate over a record field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Query selects, orders and limits records of one kind.
type Query struct {
	Filters   []Filter
	OrderBy   string
	SortOrder SortOrder
	Limit     int
}

func ParseSortOrder(value string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return "", nil
	case "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	default:
		return "", fmt.Errorf("%w: sort order %q must be asc or desc", domain.ErrValidation, value)
	}
}

func (q Query) Validate() error {
	for _, f := range q.Filters {
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("%w: filter field is required", domain.ErrValidation)
		}
		switch f.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		default:
			return fmt.Errorf("%w: unsupported filter operator %q", domain.ErrValidation, f.Op)
		}
	}
	if q.SortOrder != "" && q.SortOrder != Ascending && q.SortOrder != Descending {
		return fmt.Errorf("%w: unsupported sort order %q", domain.ErrValidation, q.SortOrder)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0", domain.ErrValidation)
	}
	return nil
}

// Apply runs q over records already loaded from a backend.
func Apply[T Record[T]](records []T, q Query) ([]T, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		ok, err := matches(rec, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = DefaultOrderBy
	}
	order := q.SortOrder
	if order == "" {
		order = Descending
	}
	if len(out) > 0 {
		if _, ok := out[0].Field(orderBy); !ok {
			return nil, fmt.Errorf("%w: unknown order_by field %q", domain.ErrValidation, orderBy)
		}
	}
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i].Field(orderBy)
		b, _ := out[j].Field(orderBy)
		c, err := compare(a, b)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if c == 0 {
			return out[i].Meta().ID < out[j].Meta().ID
		}
		if order == Descending {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Search keeps records whose named string fields contain term,
// case-insensitively, ordered by id.
func Search[T Record[T]](records []T, term string, fields []string) ([]T, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: search fields are required", domain.ErrValidation)
	}
	needle := strings.ToLower(term)
	out := make([]T, 0)
	for _, rec := range records {
		for _, field := range fields {
			v, ok := rec.Field(field)
			if !ok {
				return nil, fmt.Errorf("%w: unknown search field %q", domain.ErrValidation, field)
			}
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: search field %q is not a string", domain.ErrValidation, field)
			}
			if strings.Contains(strings.ToLower(s), needle) {
				out = append(out, rec)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Meta().ID < out[j].Meta().ID })
	return out, nil
}

func matches[T Record[T]](rec T, filters []Filter) (bool, error) {
	for _, f := range filters {
		v, ok := rec.Field(f.Field)
		if !ok {
			return false, fmt.Errorf("%w: unknown filter field %q", domain.ErrValidation, f.Field)
		}
		c, err := compare(v, f.Value)
		if err != nil {
			return false, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		var keep bool
		switch f.Op {
		case OpEq:
			keep = c == 0
		case OpNe:
			keep = c != 0
		case OpGt:
			keep = c > 0
		case OpGte:
			keep = c >= 0
		case OpLt:
			keep = c < 0
		case OpLte:
			keep = c <= 0
		}
		if !keep {
			return false, nil
		}
	}
	return true, nil
}

// compare orders two field values. Filter values may arrive as strings from
// HTTP query parameters, so strings are coerced to the field's type.
func compare(a, b any) (int, error) {
	switch av := a.(type) {
	case string:
		bv, err := asString(b)
		if err != nil {
			return 0, err
		}
		return strings.Compare(av, bv), nil
	case time.Time:
		bv, err := asTime(b)
		if err != nil {
			return 0, err
		}
		return av.Compare(bv), nil
	case int:
		bv, err := asInt(b)
		if err != nil {
			return 0, err
		}
		return cmpInt(int64(av), bv), nil
	case int64:
		bv, err := asInt(b)
		if err != nil {
			return 0, err
		}
		return cmpInt(av, bv), nil
	case bool:
		bv, err := asBool(b)
		if err != nil {
			return 0, err
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	default:
		return 0, fmt.Errorf("%w: unsupported field type %T", domain.ErrValidation, a)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
