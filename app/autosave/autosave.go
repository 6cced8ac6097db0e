// Package autosave triggers periodic saves on a cron schedule. The save itself is posted to the
// foreground context, so it runs on the same goroutine as every other interactive change.
package autosave

import (
	"fmt"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// Dispatcher runs posted functions on the foreground
type Dispatcher interface {
	Post(fn func()) bool
}

// Scheduler posts save calls to the foreground on schedule
type Scheduler struct {
	spec  string
	fg    Dispatcher
	save  func() error
	cron  *cron.Cron
	fired atomic.Int64
}

// New makes a scheduler for the standard cron spec, descriptors like "@every 30s" are supported
func New(spec string, fg Dispatcher, save func() error) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("can't parse autosave schedule %q: %w", spec, err)
	}
	s := &Scheduler{spec: spec, fg: fg, save: save, cron: cron.New()}
	if _, err := s.cron.AddFunc(spec, s.trigger); err != nil {
		return nil, fmt.Errorf("can't schedule autosave %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in background
func (s *Scheduler) Start() {
	log.Printf("[INFO] autosave scheduled, %s", s.spec)
	s.cron.Start()
}

// Stop stops the schedule and waits for a running trigger
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Fired returns the number of saves posted so far
func (s *Scheduler) Fired() int64 {
	return s.fired.Load()
}

func (s *Scheduler) trigger() {
	posted := s.fg.Post(func() {
		if err := s.save(); err != nil {
			log.Printf("[WARN] autosave failed, %v", err)
		}
	})
	if !posted {
		log.Printf("[DEBUG] autosave skipped, foreground is closed")
		return
	}
	s.fired.Add(1)
}
