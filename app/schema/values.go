package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ErrValidation returned for values not matching the model
var ErrValidation = errors.New("validation failed")

// Validate checks values of the entity and returns a copy with values coerced to canonical types:
// string, int64, float64, bool and time.Time. With full set (inserts) every required attribute must be present,
// otherwise (updates) only passed values are checked.
func (m *Model) Validate(entity string, values map[string]any, full bool) (map[string]any, error) {
	e, ok := m.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity %q", ErrValidation, entity)
	}

	res := make(map[string]any, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys) // report the same error for the same input

	for _, k := range keys {
		a, ok := e.Attr(k)
		if !ok {
			return nil, fmt.Errorf("%w: unknown attribute %s.%s", ErrValidation, entity, k)
		}
		v, err := a.Coerce(values[k])
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrValidation, entity, k, err)
		}
		if v == nil && a.Required {
			return nil, fmt.Errorf("%w: %s.%s is required", ErrValidation, entity, k)
		}
		res[k] = v
	}

	if full {
		for _, a := range e.Attributes {
			if _, ok := res[a.Name]; !ok && a.Required {
				return nil, fmt.Errorf("%w: %s.%s is required", ErrValidation, entity, a.Name)
			}
		}
	}
	return res, nil
}

// Coerce converts v to the canonical go type of the attribute. Nil stays nil.
func (a *Attribute) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch a.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case float64: // json numbers
			if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		switch t := v.(type) {
		case time.Time:
			return checkDate(t)
		case string:
			ts, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("can't parse date %q: %w", t, err)
			}
			return checkDate(ts)
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not %s", v, v, a.Type)
}

// dates are stored as unix nanoseconds
var (
	MinDate = time.Unix(0, math.MinInt64).UTC()
	MaxDate = time.Unix(0, math.MaxInt64).UTC()
)

func checkDate(t time.Time) (any, error) {
	if t.Before(MinDate) || t.After(MaxDate) {
		return nil, fmt.Errorf("date %s out of range %s - %s", t.Format(time.RFC3339), MinDate.Format(time.RFC3339),
			MaxDate.Format(time.RFC3339))
	}
	return t, nil
}
