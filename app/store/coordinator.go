// Package store implements the persistence coordinator: an interactive context owned by the foreground,
// a durable context committing to the backend on a private worker, and the save cascade between them.
// Save moves interactive changes to the durable context synchronously and in memory only,
// the backend commit runs later on the worker, strictly in the order of saves.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/dualstack/app/backend"
	"github.com/umputun/dualstack/app/loop"
	"github.com/umputun/dualstack/app/resumer"
	"github.com/umputun/dualstack/app/schema"
)

// Backend is the durable store the coordinator commits to, implemented by backend.SQLite
type Backend interface {
	Apply(ctx context.Context, changes []backend.Change) error
	Fetch(ctx context.Context, req backend.FetchRequest) ([]backend.Object, error)
	Count(ctx context.Context, entity string) (int, error)
	Close() error
}

// Opener opens or creates the backend at path
type Opener func(ctx context.Context, path string, model *schema.Model, opts backend.Options) (Backend, error)

// Repeater retries durable commits
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Dispatcher runs posted functions on the foreground, loop.Queue implements it
type Dispatcher interface {
	Post(fn func()) bool
}

// Config defines coordinator setup. Only SchemaID is required.
type Config struct {
	SchemaID  string
	ModelsDir string          // directory with schema descriptors, "models" by default
	DataDir   string          // directory for store files, DefaultDataDir() by default
	Options   backend.Options // zero value migrates automatically, see backend.Options
	Opener    Opener          // backend.Open by default
	Repeater  Repeater        // single attempt by default
	Observer  Observer
	Resumer   *resumer.Resumer // keeps uncommitted changes between runs, disabled if nil
	OnFatal   func(err error)  // called on backend open failure, terminates the process by default
}

// Coordinator owns both contexts and the durable worker
type Coordinator struct {
	schemaID    string
	path        string
	model       *schema.Model
	worker      *loop.Queue
	durable     *durable
	interactive *Interactive
	observer    Observer
	resumer     *resumer.Resumer
	closed      atomic.Bool
}

// StorePath returns location of the store file for the schema
func StorePath(dataDir, schemaID string) string {
	return filepath.Join(dataDir, schemaID+backend.Ext)
}

// DefaultDataDir returns the per-user directory for store files
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		log.Printf("[WARN] can't get user config dir, %v", err)
		return ".dualstack"
	}
	return filepath.Join(dir, "dualstack")
}

// Open starts asynchronous setup on a new durable worker and returns immediately.
// Setup loads the schema descriptor, opens the backend and wires the contexts. When done, the returned
// future resolves and onReady is posted to fg exactly once, with either a coordinator or an error.
// A backend that can't be opened is fatal, see Config.OnFatal.
func Open(cfg Config, fg Dispatcher, onReady func(c *Coordinator, err error)) *Future {
	cfg = cfg.withDefaults()
	fut := newFuture()
	worker := loop.New("durable:" + cfg.SchemaID)

	go func() {
		if err := worker.Run(context.Background()); err != nil {
			log.Printf("[WARN] durable worker for %s stopped, %v", cfg.SchemaID, err)
		}
	}()

	worker.Post(func() {
		c, err := setup(cfg, worker)
		if err != nil {
			worker.Close()
			cfg.Observer.OnEvent(Event{Type: EventSetupFailed, SchemaID: cfg.SchemaID, Err: err})
		} else {
			cfg.Observer.OnEvent(Event{Type: EventReady, SchemaID: cfg.SchemaID})
		}
		if !fut.resolve(c, err) || onReady == nil {
			return
		}
		if !fg.Post(func() { onReady(c, err) }) {
			log.Printf("[WARN] foreground is closed, ready callback for %s dropped", cfg.SchemaID)
		}
	})
	return fut
}

// setup runs on the worker
func setup(cfg Config, worker *loop.Queue) (*Coordinator, error) {
	model, err := schema.Load(cfg.ModelsDir, cfg.SchemaID)
	if err != nil {
		log.Printf("[WARN] can't load schema %q from %s, %v", cfg.SchemaID, cfg.ModelsDir, err)
		return nil, fmt.Errorf("%w: %w", ErrSchemaNotFound, err)
	}

	path := StorePath(cfg.DataDir, cfg.SchemaID)
	be, err := openBackend(cfg, path, model)
	if err != nil {
		log.Printf("[ERROR] can't open store %s, %v", path, err)
		cfg.OnFatal(err)
		return nil, fmt.Errorf("%w: %w", ErrBackendOpen, err)
	}
	log.Printf("[INFO] store %s ready, model %s v%d", path, model.Name, model.Version)

	d := &durable{schemaID: cfg.SchemaID, backend: be, repeater: cfg.Repeater, observer: cfg.Observer}
	c := &Coordinator{
		schemaID:    cfg.SchemaID,
		path:        path,
		model:       model,
		worker:      worker,
		durable:     d,
		interactive: &Interactive{model: model, parent: d, worker: worker},
		observer:    cfg.Observer,
		resumer:     cfg.Resumer,
	}
	c.resume()
	return c, nil
}

// resume stages and commits changes left uncommitted by the previous run. Runs on the worker during setup.
// Resume files are removed after the commit attempt, failed changes stay staged and are saved again on Close.
func (c *Coordinator) resume() {
	if c.resumer == nil {
		return
	}
	batches := c.resumer.List(c.schemaID)
	if len(batches) == 0 {
		return
	}
	fnames := make([]string, 0, len(batches))
	for _, b := range batches {
		changes, err := validateChanges(c.model, b.Changes)
		if err != nil {
			log.Printf("[WARN] can't resume %s, %v", b.Fname, err)
			continue
		}
		c.durable.stage(changes)
		fnames = append(fnames, b.Fname)
	}
	if !c.durable.HasChanges() {
		return
	}
	log.Printf("[INFO] resume %d uncommitted batches of %s", len(fnames), c.schemaID)
	c.durable.commit(context.Background())
	for _, fname := range fnames {
		if err := c.resumer.Remove(fname); err != nil {
			log.Printf("[WARN] can't remove resume file %s, %v", fname, err)
		}
	}
}

func openBackend(cfg Config, path string, model *schema.Model) (Backend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}
	return cfg.Opener(context.Background(), path, model, cfg.Options)
}

// Interactive returns the foreground context, the only way to read and change objects
func (c *Coordinator) Interactive() *Interactive {
	return c.interactive
}

// SchemaID returns the schema the coordinator was opened for
func (c *Coordinator) SchemaID() string {
	return c.schemaID
}

// StorePath returns location of the store file
func (c *Coordinator) StorePath() string {
	return c.path
}

// Model returns the schema model the store was opened with
func (c *Coordinator) Model() *schema.Model {
	return c.model
}

// Save commits interactive changes to the durable context and submits a durable commit to the worker.
// Does nothing if neither context has changes. The caller waits for the in-memory interactive commit only.
// Validation failures are returned wrapped in ErrInteractiveCommit, pending changes are kept in this case.
// Durable failures are not returned, they are logged and reported to the observer.
func (c *Coordinator) Save() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.interactive.HasChanges() && !c.durable.HasChanges() {
		return nil
	}

	if c.interactive.HasChanges() {
		changes, err := c.interactive.commit()
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrInteractiveCommit, err)
			log.Printf("[WARN] can't save %s, %v", c.schemaID, err)
			c.observer.OnEvent(Event{Type: EventInteractiveFailed, SchemaID: c.schemaID, Changes: len(c.interactive.pending), Err: err})
			return err
		}
		c.durable.stage(changes)
		c.interactive.pending = nil
		c.observer.OnEvent(Event{Type: EventInteractiveCommitted, SchemaID: c.schemaID, Changes: len(changes)})
	}

	if !c.worker.Post(func() { c.durable.commit(context.Background()) }) {
		return ErrClosed
	}
	return nil
}

// Flush waits for all durable commits submitted before the call and returns the error of the last one
// if its changes are still staged. Cancelling ctx stops waiting only.
func (c *Coordinator) Flush(ctx context.Context) error {
	if err := c.worker.Call(ctx, func() {}); err != nil {
		if errors.Is(err, loop.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return c.durable.err()
}

// Close waits for submitted commits, closes the backend and stops the worker.
// Unsaved interactive changes are lost. Staged changes of failed commits are passed to the resumer if set.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if n := len(c.interactive.pending); n > 0 {
		log.Printf("[WARN] %d unsaved changes of %s dropped", n, c.schemaID)
	}

	var closeErr error
	err := c.worker.Call(ctx, func() {
		c.suspend()
		closeErr = c.durable.backend.Close()
	})
	c.worker.Close()
	if err != nil {
		return fmt.Errorf("can't close %s: %w", c.schemaID, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close store %s: %w", c.path, closeErr)
	}
	log.Printf("[DEBUG] store %s closed", c.path)
	return nil
}

// suspend saves staged changes for the next run. Runs on the worker.
func (c *Coordinator) suspend() {
	staged := c.durable.snapshot()
	if len(staged) == 0 {
		return
	}
	if c.resumer == nil {
		log.Printf("[WARN] %d staged changes of %s were never committed", len(staged), c.schemaID)
		return
	}
	fname, err := c.resumer.Save(c.schemaID, staged)
	if err != nil {
		log.Printf("[ERROR] %d staged changes of %s lost, %v", len(staged), c.schemaID, err)
		return
	}
	log.Printf("[INFO] %d staged changes of %s saved to %s", len(staged), c.schemaID, fname)
}

// Health returns durable commit statistics
func (c *Coordinator) Health() Health {
	return c.durable.stats()
}

func (cfg Config) withDefaults() Config {
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "models"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.Opener == nil {
		cfg.Opener = func(ctx context.Context, path string, model *schema.Model, opts backend.Options) (Backend, error) {
			return backend.Open(ctx, path, model, opts)
		}
	}
	if cfg.Repeater == nil {
		cfg.Repeater = repeater.New(&strategy.Once{})
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFunc(func(Event) {})
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(err error) {
			log.Printf("[FATAL] can't open store for %s, %v", cfg.SchemaID, err)
		}
	}
	return cfg
}

// DefaultRepeater makes a backoff repeater for durable commits, attempts < 2 means no retries
func DefaultRepeater(attempts int, duration time.Duration, factor float64, jitter bool) Repeater {
	if attempts < 2 {
		return repeater.New(&strategy.Once{})
	}
	return repeater.New(&strategy.Backoff{Repeats: attempts, Duration: duration, Factor: factor, Jitter: jitter})
}
