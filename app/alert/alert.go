// Package alert reports durable commit problems to external destinations.
// Alerter is a store observer counting consecutive durable failures; once the threshold is reached it sends
// a single alert, and a recovery message after the next successful commit.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/umputun/dualstack/app/store"
)

// Sender delivers text to a destination, go-pkgz/notify notifiers implement it.
// Destination is picked by its schema prefix, i.e. "https://..." for a webhook.
type Sender interface {
	Send(ctx context.Context, destination, text string) error
	Schema() string
}

// Params configure the alerter
type Params struct {
	Destinations []string
	Threshold    int           // consecutive failures before alert, 1 by default
	Timeout      time.Duration // per send, 10s by default
	HostName     string        // reported in messages, os.Hostname by default
}

// Alerter implements store.Observer
type Alerter struct {
	Params
	senders []Sender

	mu          sync.Mutex
	consecutive int
	alerted     bool
	wg          sync.WaitGroup
}

const failureTmpl = `dualstack durable commits failing on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}
schema: {{.SchemaID}}
consecutive failures: {{.Consecutive}}
staged changes: {{.Staged}}
error: {{.Error}}
`

const recoveryTmpl = `dualstack durable commits recovered on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}
schema: {{.SchemaID}}
failures before recovery: {{.Consecutive}}
`

// New makes an alerter, returns nil if there are no destinations or senders
func New(p Params, senders ...Sender) *Alerter {
	if len(p.Destinations) == 0 || len(senders) == 0 {
		return nil
	}
	if p.Threshold < 1 {
		p.Threshold = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.HostName == "" {
		p.HostName, _ = os.Hostname()
	}
	return &Alerter{Params: p, senders: senders}
}

// OnEvent counts durable failures and fires alert in background. Other events are ignored.
func (a *Alerter) OnEvent(ev store.Event) {
	if a == nil {
		return
	}
	a.mu.Lock()
	var text string
	var err error
	switch ev.Type {
	case store.EventDurableFailed:
		a.consecutive++
		if a.consecutive != a.Threshold {
			a.mu.Unlock()
			return
		}
		a.alerted = true
		text, err = a.makeMessage(failureTmpl, ev, a.consecutive)
	case store.EventDurableCommitted:
		failures, alerted := a.consecutive, a.alerted
		a.consecutive, a.alerted = 0, false
		if !alerted {
			a.mu.Unlock()
			return
		}
		text, err = a.makeMessage(recoveryTmpl, ev, failures)
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err != nil {
		log.Printf("[WARN] can't make alert message, %v", err)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		defer cancel()
		if err := a.Send(ctx, text); err != nil {
			log.Printf("[WARN] alert not delivered, %v", err)
		}
	}()
}

// Send delivers text to every destination with a matching sender
func (a *Alerter) Send(ctx context.Context, text string) error {
	var errs []error
	for _, dest := range a.Destinations {
		sender := a.senderFor(dest)
		if sender == nil {
			errs = append(errs, fmt.Errorf("no sender for destination %q", dest))
			continue
		}
		log.Printf("[DEBUG] send alert to %s", sender.Schema())
		if err := sender.Send(ctx, dest, text); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to send to %s", sender.Schema()))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Wait blocks until alerts in flight are delivered
func (a *Alerter) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

func (a *Alerter) senderFor(dest string) Sender {
	for _, s := range a.senders {
		if strings.HasPrefix(dest, s.Schema()) {
			return s
		}
	}
	return nil
}

func (a *Alerter) makeMessage(tmpl string, ev store.Event, consecutive int) (string, error) {
	data := struct {
		Host        string
		TS          time.Time
		SchemaID    string
		Consecutive int
		Staged      int
		Error       string
	}{
		Host:        a.HostName,
		TS:          time.Now(),
		SchemaID:    ev.SchemaID,
		Consecutive: consecutive,
		Staged:      ev.Staged,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", errors.Wrap(err, "can't parse message template")
	}
	buf := bytes.Buffer{}
	if err = t.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "failed to apply template")
	}
	return buf.String(), nil
}
