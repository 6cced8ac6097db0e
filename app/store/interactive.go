package store

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/umputun/dualstack/app/backend"
	"github.com/umputun/dualstack/app/loop"
	"github.com/umputun/dualstack/app/schema"
)

// Interactive is the foreground-facing context. Changes made here are pending until Save moves them
// to the durable context. Not thread safe, owned by the foreground.
type Interactive struct {
	model   *schema.Model
	parent  *durable
	worker  *loop.Queue
	pending []backend.Change
}

// Insert adds a new object and returns its id. Values are checked against the model on Save.
func (i *Interactive) Insert(entity string, values map[string]any) string {
	id := uuid.NewString()
	i.pending = append(i.pending, backend.Change{Op: backend.OpInsert, Entity: entity, ID: id, Values: maps.Clone(values)})
	return id
}

// Update changes passed values of the object, other values stay as is
func (i *Interactive) Update(entity, id string, values map[string]any) {
	i.pending = append(i.pending, backend.Change{Op: backend.OpUpdate, Entity: entity, ID: id, Values: maps.Clone(values)})
}

// Delete removes the object
func (i *Interactive) Delete(entity, id string) {
	i.pending = append(i.pending, backend.Change{Op: backend.OpDelete, Entity: entity, ID: id})
}

// HasChanges is true if there are changes not saved yet
func (i *Interactive) HasChanges() bool {
	return len(i.pending) > 0
}

// Rollback discards pending changes and returns how many were dropped
func (i *Interactive) Rollback() int {
	n := len(i.pending)
	i.pending = nil
	return n
}

// Fetch returns objects of the entity as the interactive context sees them: stored objects,
// with staged and pending changes applied on top, sorted and limited per request.
// The backend read runs on the durable worker after every commit submitted before.
func (i *Interactive) Fetch(ctx context.Context, req backend.FetchRequest) ([]backend.Object, error) {
	if i.parent == nil || i.worker == nil {
		return nil, ErrNotReady
	}
	e, ok := i.model.Entity(req.Entity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownEntity, req.Entity)
	}

	var stored []backend.Object
	var staged []backend.Change
	var fetchErr error
	err := i.worker.Call(ctx, func() {
		stored, fetchErr = i.parent.backend.Fetch(ctx, backend.FetchRequest{Entity: req.Entity, SortBy: req.SortBy})
		staged = i.parent.snapshot()
	})
	if err != nil {
		return nil, fmt.Errorf("can't fetch %s: %w", req.Entity, err)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	res := overlay(stored, staged, e, i.model)
	res = overlay(res, i.pending, e, i.model)
	return req.Sort(res), nil
}

// Count returns the number of objects of the entity visible to the interactive context
func (i *Interactive) Count(ctx context.Context, entity string) (int, error) {
	objs, err := i.Fetch(ctx, backend.FetchRequest{Entity: entity})
	if err != nil {
		return 0, err
	}
	return len(objs), nil
}

// commit validates all pending changes and returns them with values coerced to model types.
// Pending changes are not touched, the caller drops them after staging.
func (i *Interactive) commit() ([]backend.Change, error) {
	return validateChanges(i.model, i.pending)
}

func validateChanges(model *schema.Model, changes []backend.Change) ([]backend.Change, error) {
	res := make([]backend.Change, 0, len(changes))
	for n, c := range changes {
		if c.ID == "" {
			return nil, fmt.Errorf("change #%d of %s has no id", n, c.Entity)
		}
		values, err := model.Validate(c.Entity, c.Values, c.Op == backend.OpInsert)
		if err != nil {
			return nil, fmt.Errorf("%s %s %s: %w", c.Op, c.Entity, c.ID, err)
		}
		if c.Op == backend.OpDelete {
			values = nil
		}
		res = append(res, backend.Change{Op: c.Op, Entity: c.Entity, ID: c.ID, Values: values})
	}
	return res, nil
}

// overlay applies changes of the entity to objects. Objects keep their order, inserted objects go last.
// Values are coerced where they match the model and kept as is otherwise.
func overlay(objs []backend.Object, changes []backend.Change, e *schema.Entity, model *schema.Model) []backend.Object {
	if len(changes) == 0 {
		return objs
	}
	res := make([]backend.Object, 0, len(objs))
	pos := make(map[string]int, len(objs))
	for _, o := range objs {
		pos[o.ID] = len(res)
		res = append(res, backend.Object{Entity: o.Entity, ID: o.ID, Values: maps.Clone(o.Values)})
	}
	removed := map[int]bool{}

	for _, c := range changes {
		if c.Entity != e.Name {
			continue
		}
		values := c.Values
		if coerced, err := model.Validate(c.Entity, c.Values, false); err == nil {
			values = coerced
		}
		switch c.Op {
		case backend.OpInsert:
			obj := backend.Object{Entity: e.Name, ID: c.ID, Values: make(map[string]any, len(e.Attributes))}
			for _, a := range e.Attributes {
				obj.Values[a.Name] = nil
			}
			maps.Copy(obj.Values, values)
			pos[c.ID] = len(res)
			res = append(res, obj)
		case backend.OpUpdate:
			if p, ok := pos[c.ID]; ok && !removed[p] {
				maps.Copy(res[p].Values, values)
			}
		case backend.OpDelete:
			if p, ok := pos[c.ID]; ok {
				removed[p] = true
			}
		}
	}

	if len(removed) == 0 {
		return res
	}
	kept := make([]backend.Object, 0, len(res)-len(removed))
	for p, o := range res {
		if !removed[p] {
			kept = append(kept, o)
		}
	}
	return kept
}
