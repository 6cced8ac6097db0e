package backend

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/umputun/dualstack/app/schema"
)

// FetchRequest selects objects of one entity
type FetchRequest struct {
	Entity     string
	SortBy     string // attribute name or "id", empty for insertion order
	Descending bool
	Limit      int // 0 for no limit
}

// Apply writes all changes in a single transaction, in the given order.
// Updates and deletes of missing objects are no-ops.
func (s *SQLite) Apply(ctx context.Context, changes []Change) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint

	for _, c := range changes {
		e, ok := s.model.Entity(c.Entity)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEntity, c.Entity)
		}
		q, args, err := changeQuery(e, c)
		if err != nil {
			return fmt.Errorf("failed to %s %s %s: %w", c.Op, c.Entity, c.ID, err)
		}
		if q == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to %s %s %s: %w", c.Op, c.Entity, c.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Fetch returns objects of the requested entity
func (s *SQLite) Fetch(ctx context.Context, req FetchRequest) ([]Object, error) {
	e, ok := s.model.Entity(req.Entity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, req.Entity)
	}
	if err := req.check(e); err != nil {
		return nil, err
	}

	cols := []string{"id"}
	for _, a := range e.Attributes {
		cols = append(cols, quote(a.Name))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quote(e.Name))
	switch req.SortBy {
	case "":
		q += " ORDER BY rowid"
	case schema.IDField:
		q += " ORDER BY id"
	default:
		q += " ORDER BY " + quote(req.SortBy)
	}
	if req.Descending {
		q += " DESC"
	}
	if req.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", req.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", e.Name, err)
	}
	defer rows.Close()

	res := []Object{}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", e.Name, err)
		}
		res = append(res, decodeRow(e, row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", e.Name, err)
	}
	return res, nil
}

// Count returns number of stored objects of the entity
func (s *SQLite) Count(ctx context.Context, entity string) (int, error) {
	e, ok := s.model.Entity(entity)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+quote(e.Name)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", e.Name, err)
	}
	return count, nil
}

// Sort orders objects the way Fetch does for the same request and applies the limit.
// Objects are expected in insertion order, the sort is stable.
func (r FetchRequest) Sort(objs []Object) []Object {
	if r.SortBy != "" {
		sort.SliceStable(objs, func(i, j int) bool {
			a, b := r.sortValue(objs[i]), r.sortValue(objs[j])
			if r.Descending {
				return compare(b, a) < 0
			}
			return compare(a, b) < 0
		})
	} else if r.Descending {
		for i, j := 0, len(objs)-1; i < j; i, j = i+1, j-1 {
			objs[i], objs[j] = objs[j], objs[i]
		}
	}
	if r.Limit > 0 && len(objs) > r.Limit {
		objs = objs[:r.Limit]
	}
	return objs
}

func (r FetchRequest) check(e *schema.Entity) error {
	if r.SortBy == "" || r.SortBy == schema.IDField {
		return nil
	}
	if _, ok := e.Attr(r.SortBy); !ok {
		return fmt.Errorf("%w: can't sort %s by %q", ErrUnknownAttribute, e.Name, r.SortBy)
	}
	return nil
}

func (r FetchRequest) sortValue(o Object) any {
	if r.SortBy == schema.IDField {
		return o.ID
	}
	return o.Values[r.SortBy]
}

func changeQuery(e *schema.Entity, c Change) (q string, args []any, err error) {
	names := make([]string, 0, len(c.Values))
	for k := range c.Values {
		names = append(names, k)
	}
	sort.Strings(names)

	switch c.Op {
	case OpInsert:
		cols, marks := []string{"id"}, []string{"?"}
		args = append(args, c.ID)
		for _, n := range names {
			cols = append(cols, quote(n))
			marks = append(marks, "?")
			v, err := encodeValue(c.Values[n])
			if err != nil {
				return "", nil, fmt.Errorf("%s: %w", n, err)
			}
			args = append(args, v)
		}
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(e.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	case OpUpdate:
		if len(names) == 0 {
			return "", nil, nil
		}
		sets := make([]string, 0, len(names))
		for _, n := range names {
			sets = append(sets, quote(n)+" = ?")
			v, err := encodeValue(c.Values[n])
			if err != nil {
				return "", nil, fmt.Errorf("%s: %w", n, err)
			}
			args = append(args, v)
		}
		args = append(args, c.ID)
		q = fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(e.Name), strings.Join(sets, ", "))
	case OpDelete:
		q = fmt.Sprintf("DELETE FROM %s WHERE id = ?", quote(e.Name))
		args = []any{c.ID}
	}
	return q, args, nil
}

// encodeValue converts a value to its column representation, dates are unix nanoseconds
func encodeValue(v any) (any, error) {
	switch val := v.(type) {
	case time.Time:
		if val.Before(schema.MinDate) || val.After(schema.MaxDate) {
			return nil, fmt.Errorf("%w: date %s", ErrDateRange, val.Format(time.RFC3339))
		}
		return val.UnixNano(), nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return v, nil
	}
}

func decodeRow(e *schema.Entity, row map[string]any) Object {
	obj := Object{Entity: e.Name, Values: make(map[string]any, len(e.Attributes))}
	if id, ok := row["id"].(string); ok {
		obj.ID = id
	}
	for _, a := range e.Attributes {
		obj.Values[a.Name] = decodeValue(a.Type, row[a.Name])
	}
	return obj
}

func decodeValue(t schema.AttrType, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	switch t {
	case schema.TypeDate:
		if n, ok := v.(int64); ok {
			return time.Unix(0, n).UTC()
		}
	case schema.TypeBool:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	case schema.TypeFloat:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	}
	return v
}

// compare orders values of the same attribute, nil goes first
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
