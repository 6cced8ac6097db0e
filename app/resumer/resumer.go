// Package resumer keeps durable changes which were never committed, so they can be resumed on the next start.
// Each batch is a json file named <schema>-<ts>-<seq>.resume in the resumer location.
package resumer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/dualstack/app/backend"
)

const ext = ".resume"

// Resumer stores and lists batches of uncommitted changes
type Resumer struct {
	location string
	enabled  bool
	seq      atomic.Uint64
}

// Batch is a stored list of changes with the file it came from
type Batch struct {
	Fname   string
	Changes []backend.Change
}

// New makes resumer for given location. Disabled resumer stores and lists nothing.
func New(location string, enabled bool) *Resumer {
	if enabled {
		if err := os.MkdirAll(location, 0o700); err != nil {
			log.Printf("[WARN] can't make %s, %s", location, err)
		}
	}
	return &Resumer{location: location, enabled: enabled}
}

// Save writes changes of the schema to a new resume file and returns its name
func (r *Resumer) Save(schemaID string, changes []backend.Change) (string, error) {
	if !r.enabled || len(changes) == 0 {
		return "", nil
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("can't encode %d changes of %s: %w", len(changes), schemaID, err)
	}
	seq := r.seq.Add(1)
	fname := filepath.Join(r.location, fmt.Sprintf("%s-%d-%d%s", schemaID, time.Now().UnixNano(), seq, ext))
	log.Printf("[DEBUG] create resume file %s, %d changes", fname, len(changes))
	if err := os.WriteFile(fname, data, 0o600); err != nil {
		return "", fmt.Errorf("can't write resume file: %w", err)
	}
	return fname, nil
}

// List returns batches of the schema in the order they were saved. Unreadable files are skipped and kept.
func (r *Resumer) List(schemaID string) (res []Batch) {
	if !r.enabled {
		return []Batch{}
	}

	entries, err := os.ReadDir(r.location)
	if err != nil {
		log.Printf("[WARN] can't get resume list for %s, %s", r.location, err)
		return []Batch{}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), schemaID+"-") || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		fileName := filepath.Join(r.location, entry.Name())
		data, err := os.ReadFile(fileName) // nolint gosec
		if err != nil {
			log.Printf("[WARN] failed to read resume file %s, %s", fileName, err)
			continue
		}
		changes := []backend.Change{}
		if err := json.Unmarshal(data, &changes); err != nil {
			log.Printf("[WARN] bad resume file %s, %s", fileName, err)
			continue
		}
		log.Printf("[DEBUG] resume file %s, %d changes", fileName, len(changes))
		res = append(res, Batch{Fname: fileName, Changes: changes})
	}
	return res
}

// Remove deletes resume file
func (r *Resumer) Remove(fname string) error {
	if !r.enabled || fname == "" {
		return nil
	}
	log.Printf("[DEBUG] delete resume file %s", fname)
	return os.Remove(fname)
}

func (r *Resumer) String() string {
	return fmt.Sprintf("enabled:%v, location:%s", r.enabled, r.location)
}
