// Package schema deals with model descriptors. A descriptor is a yaml file named after the schema identifier
// and lists entity kinds with their typed attributes, for example models/Example.yaml:
//
//	version: 1
//	entities:
//	  - name: Timestamp
//	    attributes:
//	      - {name: timestamp, type: date, required: true}
package schema

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-pkgz/syncs"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Ext is the descriptor file extension
const Ext = ".yaml"

// IDField is the reserved attribute name holding object identifiers
const IDField = "id"

var (
	// ErrNotFound returned when the descriptor file doesn't exist or can't be read
	ErrNotFound = errors.New("schema descriptor not found")
	// ErrInvalid returned when the descriptor can't be parsed or fails validation
	ErrInvalid = errors.New("invalid schema descriptor")
)

var reIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AttrType is a type of attribute value
type AttrType string

// enum of supported attribute types
const (
	TypeString AttrType = "string"
	TypeInt    AttrType = "int"
	TypeFloat  AttrType = "float"
	TypeBool   AttrType = "bool"
	TypeDate   AttrType = "date"
)

// Model is a parsed descriptor
type Model struct {
	Name     string   `yaml:"-" json:"-"`
	Version  int      `yaml:"version" json:"version" jsonschema:"minimum=1,description=model version, bump it to trigger migration"`
	Entities []Entity `yaml:"entities" json:"entities" jsonschema:"minItems=1"`
}

// Entity describes one kind of stored objects
type Entity struct {
	Name       string      `yaml:"name" json:"name" jsonschema:"pattern=^[A-Za-z_][A-Za-z0-9_]*$"`
	Attributes []Attribute `yaml:"attributes" json:"attributes"`
}

// Attribute describes a single typed value of an entity
type Attribute struct {
	Name        string   `yaml:"name" json:"name" jsonschema:"pattern=^[A-Za-z_][A-Za-z0-9_]*$"`
	Type        AttrType `yaml:"type" json:"type" jsonschema:"enum=string,enum=int,enum=float,enum=bool,enum=date"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	RenamedFrom string   `yaml:"renamed_from,omitempty" json:"renamed_from,omitempty" jsonschema:"description=previous attribute name, used by inferred migrations"`
}

// Path returns descriptor location for the schema identifier
func Path(dir, id string) string {
	return filepath.Join(dir, id+Ext)
}

// Load reads and validates descriptor of the schema id from dir
func Load(dir, id string) (*Model, error) {
	if !reIdent.MatchString(id) {
		return nil, errors.Wrapf(ErrNotFound, "bad schema identifier %q", id)
	}
	fname := Path(dir, id)
	data, err := os.ReadFile(fname) // nolint gosec
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "%s: %v", fname, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "can't load %s", fname)
	}
	m.Name = id
	return m, nil
}

// LoadAll loads every descriptor found in dir. Descriptors are parsed concurrently,
// all failures are reported.
func LoadAll(dir string) ([]*Model, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
	if err != nil {
		return nil, errors.Wrapf(err, "can't list %s", dir)
	}

	var mu sync.Mutex
	res := make([]*Model, 0, len(files))
	gr := syncs.NewErrSizedGroup(4)
	for _, f := range files {
		id := strings.TrimSuffix(filepath.Base(f), Ext)
		gr.Go(func() error {
			m, e := Load(dir, id)
			if e != nil {
				return e
			}
			mu.Lock()
			res = append(res, m)
			mu.Unlock()
			return nil
		})
	}
	if err := gr.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// Parse decodes descriptor body and validates it. Unknown yaml fields are rejected.
func Parse(data []byte) (*Model, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	m := Model{}
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "can't parse: %v", err)
	}
	if err := m.check(); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	return &m, nil
}

// JSONSchema returns json schema of the descriptor format
func JSONSchema() ([]byte, error) {
	s := jsonschema.Reflect(&Model{})
	s.Title = "Dualstack model descriptor"
	s.Description = "Entities and attributes stored by dualstack, one file per schema identifier"
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "can't marshal json schema")
	}
	return data, nil
}

// Entity returns entity by name
func (m *Model) Entity(name string) (*Entity, bool) {
	for i := range m.Entities {
		if m.Entities[i].Name == name {
			return &m.Entities[i], true
		}
	}
	return nil, false
}

// JSON returns canonical json of the model, kept by the backend to detect changes
func (m *Model) JSON() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// Attr returns attribute by name
func (e *Entity) Attr(name string) (*Attribute, bool) {
	for i := range e.Attributes {
		if e.Attributes[i].Name == name {
			return &e.Attributes[i], true
		}
	}
	return nil, false
}

func (m *Model) check() error {
	if m.Version < 1 {
		return errors.Errorf("version should be 1 or greater, got %d", m.Version)
	}
	if len(m.Entities) == 0 {
		return errors.New("at least one entity is required")
	}
	entities := map[string]bool{}
	for i, e := range m.Entities {
		if !reIdent.MatchString(e.Name) {
			return errors.Errorf("entity %d: bad name %q", i+1, e.Name)
		}
		if entities[strings.ToLower(e.Name)] {
			return errors.Errorf("entity %q defined twice", e.Name)
		}
		entities[strings.ToLower(e.Name)] = true

		attrs := map[string]bool{}
		for _, a := range e.Attributes {
			if !reIdent.MatchString(a.Name) {
				return errors.Errorf("entity %s: bad attribute name %q", e.Name, a.Name)
			}
			if strings.EqualFold(a.Name, IDField) {
				return errors.Errorf("entity %s: attribute name %q is reserved", e.Name, IDField)
			}
			if attrs[strings.ToLower(a.Name)] {
				return errors.Errorf("entity %s: attribute %q defined twice", e.Name, a.Name)
			}
			attrs[strings.ToLower(a.Name)] = true
			switch a.Type {
			case TypeString, TypeInt, TypeFloat, TypeBool, TypeDate:
			default:
				return errors.Errorf("entity %s: attribute %s has unsupported type %q", e.Name, a.Name, a.Type)
			}
			if a.RenamedFrom != "" && !reIdent.MatchString(a.RenamedFrom) {
				return errors.Errorf("entity %s: attribute %s has bad renamed_from %q", e.Name, a.Name, a.RenamedFrom)
			}
		}
	}
	return nil
}
