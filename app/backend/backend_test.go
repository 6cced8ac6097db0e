package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dualstack/app/schema"
)

const modelV1 = `
version: 1
entities:
  - name: Timestamp
    attributes:
      - {name: timestamp, type: date, required: true}
      - {name: label, type: string}
`

const modelV2 = `
version: 2
entities:
  - name: Timestamp
    attributes:
      - {name: timestamp, type: date, required: true}
      - {name: title, type: string, renamed_from: label}
      - {name: pinned, type: bool}
  - name: Tag
    attributes:
      - {name: name, type: string}
      - {name: weight, type: float}
`

func mustModel(t *testing.T, body string) *schema.Model {
	t.Helper()
	m, err := schema.Parse([]byte(body))
	require.NoError(t, err)
	m.Name = "Example"
	return m
}

func TestOpen(t *testing.T) {
	t.Run("new store", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		s, err := Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, path, s.Path())
		_, err = os.Stat(path)
		require.NoError(t, err)

		var count int
		err = s.db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='Timestamp'")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		var version int
		require.NoError(t, s.db.Get(&version, "PRAGMA user_version"))
		assert.Equal(t, 1, version)

		var mode string
		require.NoError(t, s.db.Get(&mode, "PRAGMA journal_mode"))
		assert.Equal(t, "delete", mode)
	})

	t.Run("invalid path", func(t *testing.T) {
		s, err := Open(context.Background(), "/invalid/path/that/does/not/exist/test.sqlite", mustModel(t, modelV1), DefaultOptions())
		assert.Error(t, err)
		assert.Nil(t, s)
	})

	t.Run("not a database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		require.NoError(t, os.WriteFile(path, []byte("this is definitely not an sqlite file, just some text"), 0o600))
		s, err := Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		assert.Error(t, err)
		assert.Nil(t, s)
	})

	t.Run("bad journal mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		opts := DefaultOptions()
		opts.JournalMode = "FAST"
		_, err := Open(context.Background(), path, mustModel(t, modelV1), opts)
		assert.ErrorIs(t, err, ErrInvalidJournalMode)
	})

	t.Run("wal journal mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		opts := DefaultOptions()
		opts.JournalMode = "wal"
		s, err := Open(context.Background(), path, mustModel(t, modelV1), opts)
		require.NoError(t, err)
		defer s.Close()
		var mode string
		require.NoError(t, s.db.Get(&mode, "PRAGMA journal_mode"))
		assert.Equal(t, "wal", mode)
	})

	t.Run("low disk space", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		opts := DefaultOptions()
		opts.MinFreeBytes = 1 << 62
		_, err := Open(context.Background(), path, mustModel(t, modelV1), opts)
		assert.ErrorIs(t, err, ErrLowDiskSpace)
	})

	t.Run("reopen same version", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		s, err := Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		require.NoError(t, err)
		require.NoError(t, s.Apply(context.Background(), []Change{
			{Op: OpInsert, Entity: "Timestamp", ID: "1", Values: map[string]any{"timestamp": time.Now()}},
		}))
		require.NoError(t, s.Close())

		s, err = Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		require.NoError(t, err)
		defer s.Close()
		count, err := s.Count(context.Background(), "Timestamp")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestOpen_Migration(t *testing.T) {
	prepare := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "Example"+Ext)
		s, err := Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		require.NoError(t, err)
		err = s.Apply(context.Background(), []Change{
			{Op: OpInsert, Entity: "Timestamp", ID: "1", Values: map[string]any{"timestamp": time.Unix(100, 0), "label": "first"}},
		})
		require.NoError(t, err)
		require.NoError(t, s.Close())
		return path
	}

	t.Run("inferred", func(t *testing.T) {
		path := prepare(t)
		s, err := Open(context.Background(), path, mustModel(t, modelV2), DefaultOptions())
		require.NoError(t, err)
		defer s.Close()

		objs, err := s.Fetch(context.Background(), FetchRequest{Entity: "Timestamp"})
		require.NoError(t, err)
		require.Len(t, objs, 1)
		assert.Equal(t, "first", objs[0].Values["title"], "label renamed to title")
		assert.Nil(t, objs[0].Values["pinned"])

		count, err := s.Count(context.Background(), "Tag")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		var version int
		require.NoError(t, s.db.Get(&version, "PRAGMA user_version"))
		assert.Equal(t, 2, version)
	})

	t.Run("migration disabled", func(t *testing.T) {
		path := prepare(t)
		opts := DefaultOptions()
		opts.NoAutoMigrate = true
		_, err := Open(context.Background(), path, mustModel(t, modelV2), opts)
		assert.ErrorIs(t, err, ErrMigrationRequired)
	})

	t.Run("inference disabled", func(t *testing.T) {
		path := prepare(t)
		opts := DefaultOptions()
		opts.NoInferMapping = true
		_, err := Open(context.Background(), path, mustModel(t, modelV2), opts)
		assert.ErrorIs(t, err, ErrNoMapping)

		// failed migration leaves the store usable with the old model
		s, err := Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		require.NoError(t, err)
		defer s.Close()
		count, err := s.Count(context.Background(), "Timestamp")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("downgrade", func(t *testing.T) {
		path := prepare(t)
		s, err := Open(context.Background(), path, mustModel(t, modelV2), DefaultOptions())
		require.NoError(t, err)
		require.NoError(t, s.Close())
		_, err = Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
		assert.ErrorIs(t, err, ErrMigrationRequired)
	})
}

func TestSQLite_ApplyAndFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Example"+Ext)
	s, err := Open(context.Background(), path, mustModel(t, modelV2), DefaultOptions())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	err = s.Apply(ctx, []Change{
		{Op: OpInsert, Entity: "Timestamp", ID: "a", Values: map[string]any{"timestamp": base, "title": "aaa", "pinned": true}},
		{Op: OpInsert, Entity: "Timestamp", ID: "b", Values: map[string]any{"timestamp": base.Add(time.Hour), "title": "bbb"}},
		{Op: OpInsert, Entity: "Timestamp", ID: "c", Values: map[string]any{"timestamp": base.Add(-time.Hour)}},
		{Op: OpUpdate, Entity: "Timestamp", ID: "b", Values: map[string]any{"pinned": false}},
		{Op: OpUpdate, Entity: "Timestamp", ID: "missing", Values: map[string]any{"pinned": false}},
		{Op: OpUpdate, Entity: "Timestamp", ID: "a", Values: map[string]any{}},
		{Op: OpInsert, Entity: "Tag", ID: "t1", Values: map[string]any{"name": "x", "weight": 1.5}},
		{Op: OpDelete, Entity: "Tag", ID: "t1"},
		{Op: OpDelete, Entity: "Tag", ID: "missing"},
	})
	require.NoError(t, err)

	objs, err := s.Fetch(ctx, FetchRequest{Entity: "Timestamp"})
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(objs), "insertion order by default")
	assert.True(t, base.Equal(objs[0].Values["timestamp"].(time.Time)))
	assert.Equal(t, true, objs[0].Values["pinned"])
	assert.Equal(t, false, objs[1].Values["pinned"])
	assert.Nil(t, objs[2].Values["title"])
	assert.Equal(t, "Timestamp", objs[0].Entity)

	objs, err = s.Fetch(ctx, FetchRequest{Entity: "Timestamp", SortBy: "timestamp", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, ids(objs))

	objs, err = s.Fetch(ctx, FetchRequest{Entity: "Timestamp", SortBy: "timestamp", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(objs))

	objs, err = s.Fetch(ctx, FetchRequest{Entity: "Timestamp", SortBy: "id", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(objs))

	count, err := s.Count(ctx, "Tag")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = s.Fetch(ctx, FetchRequest{Entity: "Timestamp", SortBy: "nope"})
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	_, err = s.Fetch(ctx, FetchRequest{Entity: "Nope"})
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = s.Count(ctx, "Nope")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestSQLite_ApplyDateRange(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "Example"+Ext), mustModel(t, modelV2), DefaultOptions())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []Change{
		{Op: OpInsert, Entity: "Timestamp", ID: "max", Values: map[string]any{"timestamp": schema.MaxDate}},
		{Op: OpInsert, Entity: "Timestamp", ID: "min", Values: map[string]any{"timestamp": schema.MinDate}},
	}))
	objs, err := s.Fetch(ctx, FetchRequest{Entity: "Timestamp", SortBy: "timestamp"})
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, []string{"min", "max"}, ids(objs))
	assert.True(t, schema.MinDate.Equal(objs[0].Values["timestamp"].(time.Time)))
	assert.True(t, schema.MaxDate.Equal(objs[1].Values["timestamp"].(time.Time)))

	late := time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)
	err = s.Apply(ctx, []Change{
		{Op: OpInsert, Entity: "Timestamp", ID: "ok", Values: map[string]any{"timestamp": time.Now()}},
		{Op: OpInsert, Entity: "Timestamp", ID: "late", Values: map[string]any{"timestamp": late}},
	})
	require.ErrorIs(t, err, ErrDateRange)
	err = s.Apply(ctx, []Change{{Op: OpUpdate, Entity: "Timestamp", ID: "max", Values: map[string]any{"timestamp": late}}})
	require.ErrorIs(t, err, ErrDateRange)

	count, err := s.Count(ctx, "Timestamp")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "nothing applied from failed batches")
	objs, err = s.Fetch(ctx, FetchRequest{Entity: "Timestamp", SortBy: "timestamp"})
	require.NoError(t, err)
	assert.True(t, schema.MaxDate.Equal(objs[1].Values["timestamp"].(time.Time)))
}

func TestSQLite_ApplyAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Example"+Ext)
	s, err := Open(context.Background(), path, mustModel(t, modelV1), DefaultOptions())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	err = s.Apply(ctx, []Change{
		{Op: OpInsert, Entity: "Timestamp", ID: "a", Values: map[string]any{"timestamp": time.Now()}},
		{Op: OpInsert, Entity: "Timestamp", ID: "a", Values: map[string]any{"timestamp": time.Now()}}, // duplicate id
	})
	require.Error(t, err)

	err = s.Apply(ctx, []Change{
		{Op: OpInsert, Entity: "Timestamp", ID: "b", Values: map[string]any{"timestamp": time.Now()}},
		{Op: OpInsert, Entity: "Nope", ID: "c"},
	})
	require.ErrorIs(t, err, ErrUnknownEntity)

	count, err := s.Count(ctx, "Timestamp")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed batches leave nothing behind")
}

func TestFetchRequest_Sort(t *testing.T) {
	objs := func() []Object {
		return []Object{
			{ID: "1", Values: map[string]any{"n": int64(3), "s": "b"}},
			{ID: "2", Values: map[string]any{"n": nil, "s": "a"}},
			{ID: "3", Values: map[string]any{"n": int64(1), "s": "b"}},
		}
	}
	tbl := []struct {
		req FetchRequest
		exp []string
	}{
		{FetchRequest{}, []string{"1", "2", "3"}},
		{FetchRequest{Descending: true}, []string{"3", "2", "1"}},
		{FetchRequest{SortBy: "n"}, []string{"2", "3", "1"}},
		{FetchRequest{SortBy: "n", Descending: true}, []string{"1", "3", "2"}},
		{FetchRequest{SortBy: "s"}, []string{"2", "1", "3"}},
		{FetchRequest{SortBy: "s", Limit: 2}, []string{"2", "1"}},
		{FetchRequest{SortBy: "id", Descending: true, Limit: 1}, []string{"3"}},
	}
	for _, tt := range tbl {
		assert.Equal(t, tt.exp, ids(tt.req.Sort(objs())), "%+v", tt.req)
	}
}

func TestCompare(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0, compare(nil, nil))
	assert.Equal(t, -1, compare(nil, "a"))
	assert.Equal(t, 1, compare(int64(2), nil))
	assert.Equal(t, -1, compare(1.5, 2.5))
	assert.Equal(t, -1, compare(false, true))
	assert.Equal(t, 0, compare(true, true))
	assert.Equal(t, 1, compare(now.Add(time.Second), now))
	assert.Equal(t, -1, compare(int64(10), "9"), "mixed types compare as strings")
}

func ids(objs []Object) []string {
	res := make([]string, 0, len(objs))
	for _, o := range objs {
		res = append(res, o.ID)
	}
	return res
}
