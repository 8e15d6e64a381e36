// Package dispatch implements in-process fan-out of normalized events to
// registered handlers. Handlers for one event run concurrently with settle
// semantics: every handler runs to completion and reports an outcome, and no
// failure short-circuits its peers or reaches the dispatching caller.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/storage"
)

// Delivery is what a handler receives: the normalized event plus the
// transaction it settled against. Event is synthesized during replays.
type Delivery struct {
	Type           events.Type
	Provider       string
	TransactionID  string
	ApplicationRef string
	ProviderRef    string
	WebhookLogID   string
	IsReplay       bool
	Event          *events.Event
	OccurredAt     time.Time
}

// Handler consumes one Delivery. A non-nil return (or a panic) is recorded
// as a failed outcome; it never propagates.
type Handler func(ctx context.Context, d Delivery) error

// Outcome reports one handler invocation.
type Outcome struct {
	HandlerName string
	Status      storage.DispatchStatus
	Err         error
	Elapsed     time.Duration
}

// Summary aggregates the outcomes of one dispatch.
type Summary struct {
	Outcomes []Outcome
}

// Failed returns the subset of outcomes that did not succeed.
func (s Summary) Failed() []Outcome {
	var failed []Outcome
	for _, o := range s.Outcomes {
		if o.Status == storage.DispatchFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err folds handler failures into one error for callers that want a single
// verdict. The primary dispatch path ignores it by design.
func (s Summary) Err() error {
	var failed = s.Failed()
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d handlers failed, first: %s: %w",
		len(failed), len(s.Outcomes), failed[0].HandlerName, failed[0].Err)
}

type registration struct {
	name    string
	handler Handler
	serial  uint64
}

// Dispatcher routes deliveries to handlers registered by exact event type,
// plus a global set receiving every type. The registry is the only mutable
// state; it is serialized against dispatch iteration.
type Dispatcher struct {
	mu          sync.RWMutex
	serial      uint64
	byType      map[events.Type][]registration
	global      []registration
	maxInFlight int
	perHandler  time.Duration
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithMaxInFlight bounds how many handlers of one dispatch run at once.
// Zero or negative means unbounded.
func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) { d.maxInFlight = n }
}

// WithHandlerTimeout bounds each handler invocation. A handler exceeding it
// is recorded as failed. Zero means no per-handler timeout.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.perHandler = timeout }
}

// New builds an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	var d = &Dispatcher{byType: make(map[events.Type][]registration)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscription identifies one registration; Cancel removes it.
type Subscription struct {
	d      *Dispatcher
	typ    events.Type
	global bool
	serial uint64
}

// Cancel removes the registration. Canceling twice is harmless. A dispatch
// already iterating continues to see the handler; the next dispatch does not.
func (s *Subscription) Cancel() {
	if s.d == nil {
		return
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if s.global {
		s.d.global = removeSerial(s.d.global, s.serial)
	} else if regs := removeSerial(s.d.byType[s.typ], s.serial); len(regs) == 0 {
		delete(s.d.byType, s.typ)
	} else {
		s.d.byType[s.typ] = regs
	}
	s.d = nil
}

func removeSerial(regs []registration, serial uint64) []registration {
	var out = regs[:0]
	for _, r := range regs {
		if r.serial != serial {
			out = append(out, r)
		}
	}
	return out
}

// Register attaches a named handler to one event type.
func (d *Dispatcher) Register(typ events.Type, name string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.serial++
	d.byType[typ] = append(d.byType[typ], registration{name: name, handler: h, serial: d.serial})
	return &Subscription{d: d, typ: typ, serial: d.serial}
}

// RegisterAll attaches a named handler to every event type.
func (d *Dispatcher) RegisterAll(name string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.serial++
	d.global = append(d.global, registration{name: name, handler: h, serial: d.serial})
	return &Subscription{d: d, global: true, serial: d.serial}
}

// handlersFor snapshots the union of type-specific and global handlers.
func (d *Dispatcher) handlersFor(typ events.Type) []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var snapshot = make([]registration, 0, len(d.byType[typ])+len(d.global))
	snapshot = append(snapshot, d.byType[typ]...)
	snapshot = append(snapshot, d.global...)
	return snapshot
}

// HandlerCount returns how many handlers a dispatch of typ would invoke.
func (d *Dispatcher) HandlerCount(typ events.Type) int {
	return len(d.handlersFor(typ))
}

// Dispatch fans the delivery out to every matching handler and returns once
// all have settled. The Summary carries per-handler outcomes in registration
// order; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) Summary {
	var regs = d.handlersFor(delivery.Type)
	var outcomes = make([]Outcome, len(regs))

	var group errgroup.Group
	if d.maxInFlight > 0 {
		group.SetLimit(d.maxInFlight)
	}
	for i, reg := range regs {
		i, reg := i, reg
		group.Go(func() error {
			outcomes[i] = d.invoke(ctx, reg, delivery)
			return nil
		})
	}
	_ = group.Wait() // Goroutines never error; failures live in outcomes.

	return Summary{Outcomes: outcomes}
}

// invoke runs one handler with panic containment and the per-handler
// timeout.
func (d *Dispatcher) invoke(ctx context.Context, reg registration, delivery Delivery) (out Outcome) {
	var started = time.Now()
	out = Outcome{HandlerName: reg.name, Status: storage.DispatchSuccess}

	defer func() {
		out.Elapsed = time.Since(started)
		if r := recover(); r != nil {
			out.Status = storage.DispatchFailed
			out.Err = fmt.Errorf("handler panic: %v", r)
			log.WithFields(log.Fields{
				"handler":   reg.name,
				"eventType": delivery.Type,
				"panic":     r,
			}).Error("dispatch handler panicked")
		}
	}()

	if d.perHandler > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.perHandler)
		defer cancel()

		var done = make(chan error, 1)
		go func() { done <- reg.handler(ctx, delivery) }()
		select {
		case err := <-done:
			if err != nil {
				out.Status, out.Err = storage.DispatchFailed, err
			}
		case <-ctx.Done():
			out.Status = storage.DispatchFailed
			out.Err = fmt.Errorf("handler timed out after %s", d.perHandler)
		}
		return out
	}

	if err := reg.handler(ctx, delivery); err != nil {
		out.Status, out.Err = storage.DispatchFailed, err
	}
	return out
}

// Scope is a Dispatcher view whose event types are namespaced with a
// prefix. Registration and dispatch semantics are otherwise unchanged.
type Scope struct {
	d      *Dispatcher
	prefix string
}

// Scoped derives a namespaced view of the dispatcher.
func (d *Dispatcher) Scoped(namespace string) *Scope {
	return &Scope{d: d, prefix: namespace + "."}
}

func (s *Scope) scoped(typ events.Type) events.Type {
	return events.Type(s.prefix) + typ
}

// Register attaches a handler to the namespaced event type.
func (s *Scope) Register(typ events.Type, name string, h Handler) *Subscription {
	return s.d.Register(s.scoped(typ), name, h)
}

// Dispatch namespaces the delivery's type and dispatches it.
func (s *Scope) Dispatch(ctx context.Context, delivery Delivery) Summary {
	delivery.Type = s.scoped(delivery.Type)
	return s.d.Dispatch(ctx, delivery)
}
