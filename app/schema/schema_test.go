package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	m, err := Load("testfiles", "Example")
	require.NoError(t, err)
	assert.Equal(t, "Example", m.Name)
	assert.Equal(t, 1, m.Version)
	require.Len(t, m.Entities, 2)

	e, ok := m.Entity("Timestamp")
	require.True(t, ok)
	a, ok := e.Attr("timestamp")
	require.True(t, ok)
	assert.Equal(t, TypeDate, a.Type)
	assert.True(t, a.Required)

	_, ok = m.Entity("Nope")
	assert.False(t, ok)
	_, ok = e.Attr("nope")
	assert.False(t, ok)
}

func TestLoad_Errors(t *testing.T) {
	tbl := []struct {
		id  string
		err error
	}{
		{"NoSuchModel", ErrNotFound},
		{"../Example", ErrNotFound},
		{"", ErrNotFound},
		{"Broken", ErrInvalid},
		{"Garbage", ErrInvalid},
	}

	for _, tt := range tbl {
		t.Run(tt.id, func(t *testing.T) {
			_, err := Load("testfiles", tt.id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err), "%v", err)
		})
	}
}

func TestParse_Check(t *testing.T) {
	tbl := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", "version: 2\nentities: [{name: A, attributes: [{name: x, type: int}]}]", true},
		{"no entities attributes", "version: 1\nentities: [{name: A}]", true},
		{"zero version", "version: 0\nentities: [{name: A}]", false},
		{"no entities", "version: 1\nentities: []", false},
		{"bad entity name", "version: 1\nentities: [{name: 'a b'}]", false},
		{"dup entity", "version: 1\nentities: [{name: A}, {name: a}]", false},
		{"reserved attr", "version: 1\nentities: [{name: A, attributes: [{name: ID, type: string}]}]", false},
		{"dup attr", "version: 1\nentities: [{name: A, attributes: [{name: x, type: int}, {name: X, type: int}]}]", false},
		{"bad type", "version: 1\nentities: [{name: A, attributes: [{name: x, type: blob}]}]", false},
		{"bad renamed_from", "version: 1\nentities: [{name: A, attributes: [{name: x, type: int, renamed_from: '1y'}]}]", false},
		{"unknown field", "version: 1\nfoo: bar\nentities: [{name: A}]", false},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"B", "A", "C"} {
		body := "version: 1\nentities: [{name: " + id + "Entity}]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+Ext), []byte(body), 0o600))
	}
	models, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "A", models[0].Name)
	assert.Equal(t, "B", models[1].Name)
	assert.Equal(t, "C", models[2].Name)

	_, err = LoadAll("testfiles") // has broken descriptors
	require.Error(t, err)
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("models", "Example.yaml"), Path("models", "Example"))
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	require.NoError(t, err)
	s := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "Dualstack model descriptor", s["title"])
	assert.Contains(t, string(data), "renamed_from")
	assert.Contains(t, string(data), "entities")
}

func TestModel_Validate(t *testing.T) {
	m, err := Load("testfiles", "Example")
	require.NoError(t, err)
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	tbl := []struct {
		name   string
		entity string
		values map[string]any
		full   bool
		exp    map[string]any
		ok     bool
	}{
		{"insert ok", "Timestamp", map[string]any{"timestamp": ts}, true, map[string]any{"timestamp": ts}, true},
		{"insert date from string", "Timestamp", map[string]any{"timestamp": "2024-05-06T07:08:09Z"}, true,
			map[string]any{"timestamp": ts}, true},
		{"insert missing required", "Timestamp", map[string]any{"note": "x"}, true, nil, false},
		{"update partial", "Timestamp", map[string]any{"note": "x"}, false, map[string]any{"note": "x"}, true},
		{"update nil required", "Timestamp", map[string]any{"timestamp": nil}, false, nil, false},
		{"update nil optional", "Timestamp", map[string]any{"note": nil}, false, map[string]any{"note": nil}, true},
		{"unknown entity", "Nope", map[string]any{}, true, nil, false},
		{"unknown attr", "Timestamp", map[string]any{"timestamp": ts, "zzz": 1}, true, nil, false},
		{"int coerced", "Counter", map[string]any{"title": "a", "value": 5, "ratio": 1, "active": true}, true,
			map[string]any{"title": "a", "value": int64(5), "ratio": float64(1), "active": true}, true},
		{"json number as int", "Counter", map[string]any{"title": "a", "value": float64(7)}, true,
			map[string]any{"title": "a", "value": int64(7)}, true},
		{"fraction as int", "Counter", map[string]any{"title": "a", "value": 7.5}, true, nil, false},
		{"wrong type", "Counter", map[string]any{"title": 1}, true, nil, false},
		{"bad date", "Timestamp", map[string]any{"timestamp": "yesterday"}, true, nil, false},
		{"date too late", "Timestamp", map[string]any{"timestamp": "2300-01-01T00:00:00Z"}, true, nil, false},
		{"date too early", "Timestamp", map[string]any{"timestamp": time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)},
			true, nil, false},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Validate(tt.entity, tt.values, tt.full)
			if !tt.ok {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.exp, res)
		})
	}
}

func TestAttribute_CoerceDate(t *testing.T) {
	a := &Attribute{Name: "ts", Type: TypeDate}

	tbl := []struct {
		name string
		v    any
		ok   bool
	}{
		{"max", MaxDate, true},
		{"min", MinDate, true},
		{"max as string", MaxDate.Format(time.RFC3339Nano), true},
		{"after max", MaxDate.Add(time.Nanosecond), false},
		{"before min", MinDate.Add(-time.Nanosecond), false},
		{"year 2300", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"year 1600 as string", "1600-01-01T00:00:00Z", false},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Coerce(tt.v)
			if !tt.ok {
				assert.ErrorContains(t, err, "out of range")
				return
			}
			require.NoError(t, err)
			ts, ok := res.(time.Time)
			require.True(t, ok)
			assert.Equal(t, time.Unix(0, ts.UnixNano()).UTC(), ts.UTC(), "survives unix nanos")
		})
	}
	assert.Equal(t, 2262, MaxDate.Year())
	assert.Equal(t, 1677, MinDate.Year())
}

func TestModel_JSON(t *testing.T) {
	m, err := Load("testfiles", "Example")
	require.NoError(t, err)
	restored := Model{}
	require.NoError(t, json.Unmarshal([]byte(m.JSON()), &restored))
	assert.Equal(t, m.Version, restored.Version)
	assert.Equal(t, m.Entities, restored.Entities)
	assert.Empty(t, restored.Name, "name is not part of the model body")
}
