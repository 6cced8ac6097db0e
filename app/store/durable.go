package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/dualstack/app/backend"
)

// durable is the context between interactive changes and the backend. It keeps staged changes until
// the backend commit of these changes succeeded. Commits run on the worker queue only,
// staging comes from the interactive side, so the staged list is guarded.
type durable struct {
	schemaID string
	backend  Backend
	repeater Repeater
	observer Observer

	mu      sync.Mutex
	staged  []backend.Change
	lastErr error // error of the last commit, nil after a successful one
	health  Health
}

// stage appends already validated changes, keeping their order
func (d *durable) stage(changes []backend.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.staged = append(d.staged, changes...)
}

// HasChanges is true while staged changes wait for a successful backend commit
func (d *durable) HasChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.staged) > 0
}

func (d *durable) snapshot() []backend.Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.staged) == 0 {
		return nil
	}
	res := make([]backend.Change, len(d.staged))
	copy(res, d.staged)
	return res
}

// commit writes all staged changes to the backend in one transaction. Must be called on the worker.
// On failure the changes stay staged and go with the next commit.
func (d *durable) commit(ctx context.Context) {
	batch := d.snapshot()
	if len(batch) == 0 {
		return
	}

	st := time.Now()
	err := d.repeater.Do(ctx, func() error { return d.backend.Apply(ctx, batch) })
	elapsed := time.Since(st)

	d.mu.Lock()
	if err != nil {
		d.lastErr = fmt.Errorf("%w: %w", ErrDurableCommit, err)
		d.health.Failures++
		d.health.Consecutive++
		d.health.LastError = err.Error()
		d.health.LastErrorAt = time.Now()
		staged := len(d.staged)
		d.mu.Unlock()
		log.Printf("[ERROR] failed to commit %d changes to %s, %d staged, %v", len(batch), d.schemaID, staged, err)
		d.observer.OnEvent(Event{Type: EventDurableFailed, SchemaID: d.schemaID, Changes: len(batch),
			Staged: staged, Duration: elapsed, Err: d.lastErr})
		return
	}

	// changes staged while the commit was running stay for the next one
	d.staged = append([]backend.Change(nil), d.staged[len(batch):]...)
	d.lastErr = nil
	d.health.Commits++
	d.health.Committed += int64(len(batch))
	d.health.Consecutive = 0
	d.health.LastCommitAt = time.Now()
	staged := len(d.staged)
	d.mu.Unlock()

	log.Printf("[DEBUG] committed %d changes to %s in %v", len(batch), d.schemaID, elapsed)
	d.observer.OnEvent(Event{Type: EventDurableCommitted, SchemaID: d.schemaID, Changes: len(batch),
		Staged: staged, Duration: elapsed})
}

func (d *durable) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *durable) stats() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.health
	res.Staged = len(d.staged)
	return res
}
