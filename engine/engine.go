// Package engine assembles a complete truth engine from one configuration
// block: store, provider registry, state machine, dispatcher, ingest
// pipeline, and transaction service, wired together the way the hosted
// binaries run them.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/dispatch"
	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/hooks"
	"github.com/factum-dev/factum/ingest"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/service"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// Config is the engine's tunable surface. Fields carry go-flags tags so
// hosts can embed it under their own namespace; Secrets is deliberately
// untagged and must be loaded from the host's secret store.
type Config struct {
	OmitRawPayload  bool          `long:"omit-raw-payload" env:"OMIT_RAW_PAYLOAD" description:"Do not persist raw webhook payload bytes (the payload hash is always kept)"`
	RedactPaths     []string      `long:"redact-path" env:"REDACT_PATHS" env-delim:"," description:"Dot-separated payload paths to redact before persisting, repeatable"`
	OutboxEnabled   bool          `long:"outbox" env:"OUTBOX" description:"Write an outbox row in the same database transaction as each state change"`
	HandlerTimeout  time.Duration `long:"handler-timeout" env:"HANDLER_TIMEOUT" default:"30s" description:"Per-handler dispatch timeout, 0 to disable"`
	MaxInFlight     int           `long:"max-in-flight" env:"MAX_IN_FLIGHT" default:"0" description:"Concurrent handler invocations per dispatch, 0 for unbounded"`
	VerifyTimeout   time.Duration `long:"verify-timeout" env:"VERIFY_TIMEOUT" default:"10s" description:"Provider API verification timeout"`
	DedupeCacheSize int           `long:"dedupe-cache-size" env:"DEDUPE_CACHE_SIZE" default:"4096" description:"Entries in the in-process duplicate-delivery cache"`
	DedupeCacheTTL  time.Duration `long:"dedupe-cache-ttl" env:"DEDUPE_CACHE_TTL" default:"15m" description:"Lifetime of duplicate-delivery cache entries"`
	WebhookLogDays  int           `long:"webhook-log-days" env:"WEBHOOK_LOG_DAYS" default:"0" description:"Days to retain webhook logs, 0 to retain forever"`
	DispatchLogDays int           `long:"dispatch-log-days" env:"DISPATCH_LOG_DAYS" default:"0" description:"Days to retain dispatch logs, 0 to retain forever"`

	// Secrets maps provider name to its accepted signing secrets, current
	// first during rotation.
	Secrets map[string][]string
}

// Validate fails fast on configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handler timeout %s is negative", c.HandlerTimeout)
	}
	if c.VerifyTimeout < 0 {
		return fmt.Errorf("verify timeout %s is negative", c.VerifyTimeout)
	}
	if c.DedupeCacheSize < 0 {
		return fmt.Errorf("dedupe cache size %d is negative", c.DedupeCacheSize)
	}
	if c.DedupeCacheTTL < 0 {
		return fmt.Errorf("dedupe cache TTL %s is negative", c.DedupeCacheTTL)
	}
	if c.WebhookLogDays < 0 || c.DispatchLogDays < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}
	for _, path := range c.RedactPaths {
		if path == "" {
			return fmt.Errorf("redact paths cannot be empty")
		}
	}
	return nil
}

// Engine is the assembled system. Hosts reach the pipeline for ingest, the
// service for queries and operations, and the dispatcher through Subscribe.
type Engine struct {
	Store      storage.Store
	Registry   *providers.Registry
	Machine    *states.Machine
	Dispatcher *dispatch.Dispatcher
	Pipeline   *ingest.Pipeline
	Service    *service.Service

	cfg Config
}

// Option adjusts engine assembly.
type Option func(*options)

type options struct {
	machine *states.Machine
	monitor hooks.Monitor
}

// WithMachine substitutes the transition table everywhere the engine
// validates transitions.
func WithMachine(m *states.Machine) Option {
	return func(o *options) { o.machine = m }
}

// WithMonitor installs lifecycle hooks across the pipeline and service.
func WithMonitor(m hooks.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// New assembles an Engine over the given store and provider registry.
func New(cfg Config, store storage.Store, registry *providers.Registry, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if registry == nil || len(registry.Names()) == 0 {
		return nil, fmt.Errorf("engine requires at least one provider adapter")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.machine == nil {
		o.machine = states.Default()
	}

	var dispatcherOpts []dispatch.Option
	if cfg.HandlerTimeout > 0 {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithHandlerTimeout(cfg.HandlerTimeout))
	}
	if cfg.MaxInFlight > 0 {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithMaxInFlight(cfg.MaxInFlight))
	}
	var dispatcher = dispatch.New(dispatcherOpts...)

	var pipeline = ingest.New(store, registry, ingest.Config{
		Secrets:         cfg.Secrets,
		OmitRawPayload:  cfg.OmitRawPayload,
		RedactPaths:     cfg.RedactPaths,
		OutboxEnabled:   cfg.OutboxEnabled,
		DedupeCacheSize: cfg.DedupeCacheSize,
		DedupeCacheTTL:  cfg.DedupeCacheTTL,
	},
		ingest.WithMachine(o.machine),
		ingest.WithDispatcher(dispatcher),
		ingest.WithMonitor(o.monitor),
	)

	var svc = service.New(store, registry, pipeline,
		service.WithMachine(o.machine),
		service.WithMonitor(o.monitor),
		service.WithVerifyTimeout(cfg.VerifyTimeout),
	)

	log.WithFields(log.Fields{
		"providers": registry.Names(),
		"outbox":    cfg.OutboxEnabled,
	}).Info("engine assembled")

	return &Engine{
		Store:      store,
		Registry:   registry,
		Machine:    o.machine,
		Dispatcher: dispatcher,
		Pipeline:   pipeline,
		Service:    svc,
		cfg:        cfg,
	}, nil
}

// Process feeds one inbound delivery through the ingest pipeline.
func (e *Engine) Process(ctx context.Context, provider string, body []byte, headers http.Header) (*ingest.Result, error) {
	return e.Pipeline.Process(ctx, provider, body, headers)
}

// Subscribe attaches a handler to one normalized event type.
func (e *Engine) Subscribe(typ events.Type, name string, h dispatch.Handler) *dispatch.Subscription {
	return e.Dispatcher.Register(typ, name, h)
}

// SubscribeAll attaches a handler to every normalized event type.
func (e *Engine) SubscribeAll(name string, h dispatch.Handler) *dispatch.Subscription {
	return e.Dispatcher.RegisterAll(name, h)
}

// RetentionPolicy derives the purge thresholds from the configuration.
func (e *Engine) RetentionPolicy() service.RetentionPolicy {
	return service.RetentionPolicy{
		WebhookLogDays:  e.cfg.WebhookLogDays,
		DispatchLogDays: e.cfg.DispatchLogDays,
	}
}

// DrainOutbox hands up to limit pending outbox rows to deliver in order,
// marking each processed or failed by its return. It returns the number
// delivered successfully. Hosts run this on a ticker when outbox mode is
// enabled; without a drain the outbox only accumulates.
func (e *Engine) DrainOutbox(ctx context.Context, limit int, deliver func(storage.OutboxEvent) error) (int, error) {
	var pending, err = e.Store.ListPendingOutbox(ctx, storage.Page{Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("listing pending outbox: %w", err)
	}

	var delivered int
	for _, row := range pending {
		if err := deliver(row); err != nil {
			if merr := e.Store.MarkOutboxFailed(ctx, row.ID, err.Error()); merr != nil {
				log.WithField("outbox", row.ID).WithError(merr).Warn("failed to mark outbox row failed")
			}
			continue
		}
		if err := e.Store.MarkOutboxProcessed(ctx, row.ID); err != nil {
			log.WithField("outbox", row.ID).WithError(err).Warn("failed to mark outbox row processed")
			continue
		}
		delivered++
	}
	return delivered, nil
}
