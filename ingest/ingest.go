// Package ingest implements the webhook ingestion pipeline: one call per
// inbound delivery, which authenticates, normalizes, persists, deduplicates,
// transitions, and dispatches it. Every delivery that reaches persistence is
// classified into exactly one claim fate; protocol failures are recorded
// facts, not errors.
package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/dispatch"
	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/hooks"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// Redacted replaces the value at each configured redaction path in the
// stored payload.
const Redacted = "[REDACTED]"

// Synthetic idempotency-key namespaces for deliveries the adapter could not
// derive a key from. Keyed on the payload fingerprint, so a byte-identical
// redelivery of the same broken payload still dedupes.
const (
	keyUnverified = "unverified"
	keyUnparsed   = "unparsed"
)

// Defaults for the duplicate cache fronting the unique constraint.
const (
	DefaultDedupeCacheSize = 4096
	DefaultDedupeCacheTTL  = 15 * time.Minute
)

// Typed errors returned by LateMatch. The webhook log and transaction
// lookups pass storage's not-found errors through unchanged.
var (
	ErrNotUnmatched          = fmt.Errorf("webhook log is not unmatched")
	ErrRawPayloadUnavailable = fmt.Errorf("raw payload was not stored")
	ErrProviderMismatch      = fmt.Errorf("webhook log and transaction providers differ")
)

// fingerprintKey is the fixed 32-byte HighwayHash key (the algorithm
// requires exactly 32 bytes).
var fingerprintKey, _ = hex.DecodeString(
	"f9e1b2d3c4a5968778695a4b3c2d1e0f0123456789abcdeffedcba9876543210")

// Fingerprint is the hex HighwayHash-64 of the raw delivery body, stored as
// payload_hash and used to synthesize idempotency keys for deliveries that
// never parsed.
func Fingerprint(body []byte) string {
	return fmt.Sprintf("%016x", highwayhash.Sum64(body, fingerprintKey))
}

// Config holds the pipeline's behavioral switches. The zero value stores
// redaction-free raw payloads, writes no outbox rows, and rejects every
// signature (no secrets).
type Config struct {
	// Secrets are the per-provider signing secrets, tried in order, which
	// lets a rotation overlap old and new.
	Secrets map[string][]string

	// OmitRawPayload stores raw_payload as null. Late-matching an unmatched
	// delivery requires the stored payload and is unavailable in this mode.
	OmitRawPayload bool

	// RedactPaths are dotted paths (e.g. "data.card.number") whose values
	// are replaced with Redacted in the stored payload. Redaction runs after
	// normalization, so the normalized event still sees the original fields.
	RedactPaths []string

	// OutboxEnabled writes an OutboxEvent in the same database transaction
	// as each applied state change.
	OutboxEnabled bool

	// DedupeCacheSize and DedupeCacheTTL bound the in-memory duplicate
	// cache. The unique constraint remains authoritative; the cache only
	// spares the insert round-trip for recently seen keys.
	DedupeCacheSize int
	DedupeCacheTTL  time.Duration
}

// OutboxPayload is the JSON document written to outbox_events rows. Hosts
// draining the outbox decode this.
type OutboxPayload struct {
	TransactionID  string        `json:"transaction_id"`
	ApplicationRef string        `json:"application_ref"`
	Provider       string        `json:"provider"`
	EventType      events.Type   `json:"event_type"`
	Event          *events.Event `json:"event"`
}

// Result reports the classification of one delivery. For fate duplicate,
// WebhookLogID names the previously recorded row.
type Result struct {
	Fate          storage.Fate
	WebhookLogID  string
	TransactionID string
	EventType     events.Type
	StateChanged  bool
	From          states.Status
	To            states.Status
	Rejection     *states.Rejection
	ErrorMessage  string
	Dispatch      dispatch.Summary
	Elapsed       time.Duration
}

// Pipeline runs deliveries through the ingest stages. Construct with New;
// all fields are immutable afterwards and Process is safe for concurrent
// use.
type Pipeline struct {
	store      storage.Store
	registry   *providers.Registry
	machine    *states.Machine
	dispatcher *dispatch.Dispatcher
	monitor    hooks.Monitor
	cfg        Config

	redactions []jsonpatch.Patch
	dedupe     *expirable.LRU[string, string]
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithMachine substitutes the transition table. Defaults to states.Default.
func WithMachine(m *states.Machine) Option {
	return func(p *Pipeline) { p.machine = m }
}

// WithDispatcher supplies the dispatcher handlers are registered on.
// Defaults to an empty dispatcher.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(p *Pipeline) { p.dispatcher = d }
}

// WithMonitor installs the observation hooks. The monitor is wrapped so a
// panicking hook can never alter a fate.
func WithMonitor(m hooks.Monitor) Option {
	return func(p *Pipeline) { p.monitor = m }
}

// New builds a Pipeline over the given store and adapter registry.
func New(store storage.Store, registry *providers.Registry, cfg Config, opts ...Option) *Pipeline {
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if cfg.DedupeCacheTTL <= 0 {
		cfg.DedupeCacheTTL = DefaultDedupeCacheTTL
	}

	var p = &Pipeline{
		store:      store,
		registry:   registry,
		cfg:        cfg,
		redactions: compileRedactions(cfg.RedactPaths),
		dedupe:     expirable.NewLRU[string, string](cfg.DedupeCacheSize, nil, cfg.DedupeCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.machine == nil {
		p.machine = states.Default()
	}
	if p.dispatcher == nil {
		p.dispatcher = dispatch.New()
	}
	p.monitor = hooks.Guard(p.monitor)
	return p
}

// Process runs one inbound delivery through the pipeline.
//
// The error return is reserved for the two cases where nothing durable was
// recorded or an operational failure interrupted recording: an unknown
// provider, and storage failures. Everything else, signature failures and
// malformed payloads included, comes back as a Result with a fate.
func (p *Pipeline) Process(ctx context.Context, provider string, body []byte, headers http.Header) (*Result, error) {
	var started = time.Now()

	var adapter, err = p.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	var claim = &storage.WebhookLog{
		Provider:       provider,
		RawPayload:     p.redacted(body),
		PayloadHash:    Fingerprint(body),
		Headers:        storage.HeaderMap(headers.Clone()),
		SignatureValid: p.verifySignature(adapter, body, headers),
	}

	// Stages 2 and 3: verification, then parse and normalize. A failed
	// signature skips normalization entirely; the payload is untrusted.
	var fate storage.Fate
	var failure string
	var ev *events.Event
	var refs providers.Refs

	if !claim.SignatureValid {
		fate, failure = storage.FateSignatureFailed, "signature verification failed"
		claim.ProviderEventID = syntheticKey(keyUnverified, body)
	} else if len(body) == 0 {
		fate, failure = storage.FateParseError, "empty request body"
		claim.ProviderEventID = syntheticKey(keyUnparsed, body)
	} else if parsed, perr := p.parsePayload(adapter, body); perr != nil {
		fate, failure = storage.FateParseError, perr.Error()
		claim.ProviderEventID = syntheticKey(keyUnparsed, body)
	} else {
		refs = p.referencesOf(adapter, parsed)
		claim.EventType = refs.EventType
		claim.ProviderEventID = p.claimKey(adapter, parsed, body)

		if event, nerr := p.normalizeEvent(adapter, parsed); nerr != nil {
			fate, failure = storage.FateNormalizationFailed, nerr.Error()
		} else {
			ev = &event
			claim.NormalizedEvent = ev.Type
		}
	}

	if cerr := ctx.Err(); cerr != nil && fate == "" {
		fate, failure, ev = storage.FateParseError, expiryMessage(cerr), nil
	}

	// Stage 5 fast path: a key seen recently is a duplicate without paying
	// for the insert. The row is re-checked in case retention purged it.
	if prior := p.recentDuplicate(ctx, claim); prior != nil {
		return p.duplicateResult(claim, prior, started), nil
	}

	// Stage 4: persist the claim. Failure fates are final at insert; the
	// success path starts as unmatched, the only fate recoverable after a
	// crash between here and classification.
	claim.ProcessingStatus = storage.FateUnmatched
	if fate != "" {
		claim.ProcessingStatus = fate
	}
	claim.ErrorMessage = failure

	if err := p.store.CreateWebhookLog(context.WithoutCancel(ctx), claim); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			return p.duplicateResult(claim, p.priorClaim(ctx, claim), started), nil
		}
		return nil, fmt.Errorf("persisting webhook claim: %w", err)
	}
	p.dedupe.Add(dedupeKey(claim.Provider, claim.ProviderEventID), claim.ID)

	if fate != "" {
		return p.conclude(ctx, started, claim, &Result{Fate: fate, ErrorMessage: failure}), nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return p.conclude(ctx, started, claim, &Result{
			Fate: storage.FateParseError, ErrorMessage: expiryMessage(cerr),
		}), nil
	}

	// Stage 6: match the target transaction by provider reference, then by
	// application reference. No match leaves the claim unmatched for a
	// later link.
	var txn *storage.Transaction
	if txn, err = p.matchTransaction(ctx, provider, refs, ev); err != nil {
		return nil, fmt.Errorf("matching transaction: %w", err)
	}
	if txn == nil {
		return p.conclude(ctx, started, claim, &Result{
			Fate: storage.FateUnmatched, EventType: ev.Type,
		}), nil
	}
	if err := p.store.LinkWebhookToTransaction(ctx, claim.ID, txn.ID); err != nil {
		log.WithFields(log.Fields{
			"webhookLog":  claim.ID,
			"transaction": txn.ID,
		}).WithError(err).Warn("failed to link webhook to transaction")
	}

	if cerr := ctx.Err(); cerr != nil {
		return p.conclude(ctx, started, claim, &Result{
			Fate: storage.FateParseError, EventType: ev.Type,
			TransactionID: txn.ID, ErrorMessage: expiryMessage(cerr),
		}), nil
	}

	return p.transitionStage(ctx, txn, claim, ev, states.TriggerWebhook, started)
}

// LateMatch retroactively runs the state-engine stage for an unmatched
// delivery against an explicitly named transaction, re-deriving the
// normalized event from the stored payload. On success the transition is
// applied with the late-match trigger and handlers are dispatched for the
// first time.
func (p *Pipeline) LateMatch(ctx context.Context, webhookLogID, transactionID string) (*Result, error) {
	var started = time.Now()

	var claim, err = p.store.GetWebhookLog(ctx, webhookLogID)
	if err != nil {
		return nil, err
	}
	if claim.ProcessingStatus != storage.FateUnmatched {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotUnmatched, webhookLogID, claim.ProcessingStatus)
	}
	txn, err := p.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Provider != claim.Provider {
		return nil, fmt.Errorf("%w: %s vs %s", ErrProviderMismatch, claim.Provider, txn.Provider)
	}
	if len(claim.RawPayload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRawPayloadUnavailable, webhookLogID)
	}

	adapter, err := p.registry.Get(claim.Provider)
	if err != nil {
		return nil, err
	}
	parsed, err := p.parsePayload(adapter, claim.RawPayload)
	if err != nil {
		return nil, fmt.Errorf("re-parsing stored payload: %w", err)
	}
	event, err := p.normalizeEvent(adapter, parsed)
	if err != nil {
		return nil, fmt.Errorf("re-normalizing stored payload: %w", err)
	}

	if err := p.store.LinkWebhookToTransaction(ctx, claim.ID, txn.ID); err != nil {
		return nil, fmt.Errorf("linking webhook to transaction: %w", err)
	}
	return p.transitionStage(ctx, txn, claim, &event, states.TriggerLateMatch, started)
}

// transitionStage applies the state engine and, on an applied transition or
// an informational event, dispatches. claim fates from here are processed or
// transition_rejected.
func (p *Pipeline) transitionStage(
	ctx context.Context,
	txn *storage.Transaction,
	claim *storage.WebhookLog,
	ev *events.Event,
	trigger states.Trigger,
	started time.Time,
) (*Result, error) {
	// Informational events settle nothing; they are recorded and fanned out
	// without touching the state machine.
	if ev.Type.Informational() {
		var res = &Result{
			Fate:          storage.FateProcessed,
			TransactionID: txn.ID,
			EventType:     ev.Type,
			From:          txn.Status,
			To:            txn.Status,
			Dispatch:      p.DispatchEvent(ctx, txn, claim.ID, ev, false),
		}
		return p.conclude(ctx, started, claim, res), nil
	}

	var target = p.targetStatus(txn, ev)
	var lockedFrom states.Status

	var req = storage.TransitionRequest{
		TransactionID:      txn.ID,
		To:                 target,
		VerificationMethod: storage.VerifiedByWebhook,
		Audit: storage.AuditLog{
			TriggerType:  trigger,
			WebhookLogID: claim.ID,
		},
		Check: func(current *storage.Transaction) error {
			lockedFrom = current.Status
			return p.machine.Validate(current.Status, target, states.Context{
				Trigger: trigger,
				Metadata: map[string]any{
					states.MetaSignatureValid: claim.SignatureValid,
					states.MetaProviderRef:    txn.ProviderRef,
					states.MetaWebhookLogID:   claim.ID,
					states.MetaDisputeOutcome: ev.DisputeOutcome(),
				},
			})
		},
	}
	if p.cfg.OutboxEnabled {
		req.Outbox = p.outboxEvent(txn, ev)
	}

	var err = p.store.UpdateTransactionStatus(ctx, req)
	var rejection *states.Rejection
	switch {
	case err == nil:
		p.monitor.OnTransition(hooks.Transition{
			Provider:      txn.Provider,
			TransactionID: txn.ID,
			From:          lockedFrom,
			To:            target,
			Trigger:       trigger,
		})
		var res = &Result{
			Fate:          storage.FateProcessed,
			TransactionID: txn.ID,
			EventType:     ev.Type,
			StateChanged:  true,
			From:          lockedFrom,
			To:            target,
			Dispatch:      p.DispatchEvent(ctx, txn, claim.ID, ev, false),
		}
		return p.conclude(ctx, started, claim, res), nil

	case errors.As(err, &rejection):
		p.recordRejection(ctx, txn.ID, claim.ID, trigger, rejection)
		var res = &Result{
			Fate:          storage.FateTransitionRejected,
			TransactionID: txn.ID,
			EventType:     ev.Type,
			From:          rejection.From,
			To:            rejection.From,
			Rejection:     rejection,
			ErrorMessage:  rejection.Reason,
		}
		return p.conclude(ctx, started, claim, res), nil

	default:
		return nil, fmt.Errorf("applying transition: %w", err)
	}
}

// DispatchEvent fans the normalized event out to registered handlers and
// records one DispatchLog row per handler. It runs only after the state
// change, if any, has committed.
func (p *Pipeline) DispatchEvent(ctx context.Context, txn *storage.Transaction, webhookLogID string, ev *events.Event, isReplay bool) dispatch.Summary {
	var summary = p.dispatcher.Dispatch(ctx, dispatch.Delivery{
		Type:           ev.Type,
		Provider:       txn.Provider,
		TransactionID:  txn.ID,
		ApplicationRef: txn.ApplicationRef,
		ProviderRef:    txn.ProviderRef,
		WebhookLogID:   webhookLogID,
		IsReplay:       isReplay,
		Event:          ev,
		OccurredAt:     time.Now().UTC(),
	})

	var detached = context.WithoutCancel(ctx)
	for _, o := range summary.Outcomes {
		var row = &storage.DispatchLog{
			TransactionID: txn.ID,
			EventType:     ev.Type,
			HandlerName:   o.HandlerName,
			Status:        o.Status,
			IsReplay:      isReplay,
		}
		if o.Err != nil {
			row.ErrorMessage = o.Err.Error()
		}
		if err := p.store.CreateDispatchLog(detached, row); err != nil {
			log.WithFields(log.Fields{
				"transaction": txn.ID,
				"handler":     o.HandlerName,
			}).WithError(err).Warn("failed to record dispatch log")
		}
		p.monitor.OnDispatchResult(hooks.DispatchResult{
			EventType:   ev.Type,
			HandlerName: o.HandlerName,
			Status:      o.Status,
			IsReplay:    isReplay,
			Err:         o.Err,
		})
	}
	return summary
}

// targetStatus resolves the status a normalized event drives toward.
// Refunds settle as refunded only when the event covers the full amount;
// resolutions follow the normalized dispute outcome, defaulting to won so a
// missing outcome is rejected by the resolution guard rather than guessed.
func (p *Pipeline) targetStatus(txn *storage.Transaction, ev *events.Event) states.Status {
	switch ev.Type {
	case events.PaymentSuccessful:
		return states.Successful
	case events.PaymentFailed:
		return states.Failed
	case events.PaymentAbandoned:
		return states.Abandoned
	case events.RefundSuccessful:
		if ev.Amount >= txn.Amount {
			return states.Refunded
		}
		return states.PartiallyRefunded
	case events.ChargeDisputed:
		return states.Disputed
	case events.DisputeResolved:
		if ev.DisputeOutcome() == events.DisputeLost {
			return states.ResolvedLost
		}
		return states.ResolvedWon
	}
	return ""
}

// matchTransaction resolves refs to a transaction, preferring the provider
// reference and falling back to the application reference carried by the
// normalized event. A miss is (nil, nil).
func (p *Pipeline) matchTransaction(ctx context.Context, provider string, refs providers.Refs, ev *events.Event) (*storage.Transaction, error) {
	if refs.ProviderRef != "" {
		var txn, err = p.store.GetTransactionByProviderRef(ctx, provider, refs.ProviderRef)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, storage.ErrTransactionNotFound) {
			return nil, err
		}
	}

	var appRef = refs.ApplicationRef
	if appRef == "" && ev != nil {
		appRef = ev.ApplicationRef
	}
	if appRef != "" {
		var txn, err = p.store.GetTransactionByApplicationRef(ctx, appRef)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, storage.ErrTransactionNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// recordRejection appends the audit entry for a refused transition. The
// entry changes no state: from and to both carry the status the transaction
// held under lock.
func (p *Pipeline) recordRejection(ctx context.Context, txnID, webhookLogID string, trigger states.Trigger, rej *states.Rejection) {
	var entry = &storage.AuditLog{
		TransactionID: txnID,
		FromStatus:    rej.From,
		ToStatus:      rej.From,
		TriggerType:   trigger,
		WebhookLogID:  webhookLogID,
		Metadata: storage.JSONMap{
			states.MetaAttemptedTransition: fmt.Sprintf("%s→%s", rej.From, rej.To),
			states.MetaReason:              rej.Reason,
		},
	}
	if err := p.store.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		log.WithFields(log.Fields{
			"transaction": txnID,
			"webhookLog":  webhookLogID,
		}).WithError(err).Warn("failed to record transition rejection")
	}
}

func (p *Pipeline) outboxEvent(txn *storage.Transaction, ev *events.Event) *storage.OutboxEvent {
	var payload, err = json.Marshal(OutboxPayload{
		TransactionID:  txn.ID,
		ApplicationRef: txn.ApplicationRef,
		Provider:       txn.Provider,
		EventType:      ev.Type,
		Event:          ev,
	})
	if err != nil {
		log.WithField("transaction", txn.ID).WithError(err).
			Warn("failed to encode outbox payload")
		return nil
	}
	return &storage.OutboxEvent{
		TransactionID: txn.ID,
		EventType:     ev.Type,
		Payload:       payload,
	}
}

// conclude stamps the final fate onto the claim row and emits the fate
// hook. The write is detached from the caller's deadline: once classified,
// a fate is never lost to cancellation.
func (p *Pipeline) conclude(ctx context.Context, started time.Time, claim *storage.WebhookLog, res *Result) *Result {
	res.WebhookLogID = claim.ID
	res.Elapsed = time.Since(started)

	var err = p.store.UpdateWebhookLogStatus(
		context.WithoutCancel(ctx), claim.ID, res.Fate, res.ErrorMessage, res.Elapsed.Milliseconds())
	if err != nil {
		log.WithFields(log.Fields{
			"webhookLog": claim.ID,
			"fate":       res.Fate,
		}).WithError(err).Warn("failed to record webhook fate")
	}

	p.monitor.OnWebhookFate(hooks.WebhookFate{
		Provider:      claim.Provider,
		Fate:          res.Fate,
		EventType:     res.EventType,
		TransactionID: res.TransactionID,
		Latency:       res.Elapsed,
	})
	return res
}

// recentDuplicate consults the in-memory cache and re-reads the row it
// points at. A stale pointer (row since purged) is dropped and the delivery
// proceeds to the authoritative insert.
func (p *Pipeline) recentDuplicate(ctx context.Context, claim *storage.WebhookLog) *storage.WebhookLog {
	var key = dedupeKey(claim.Provider, claim.ProviderEventID)
	if _, ok := p.dedupe.Get(key); !ok {
		return nil
	}
	var prior, err = p.store.GetWebhookLogByEventID(ctx, claim.Provider, claim.ProviderEventID)
	if err != nil {
		p.dedupe.Remove(key)
		return nil
	}
	return prior
}

// priorClaim fetches the row that won the unique constraint, best-effort.
func (p *Pipeline) priorClaim(ctx context.Context, claim *storage.WebhookLog) *storage.WebhookLog {
	var prior, err = p.store.GetWebhookLogByEventID(
		context.WithoutCancel(ctx), claim.Provider, claim.ProviderEventID)
	if err != nil {
		log.WithFields(log.Fields{
			"provider": claim.Provider,
			"eventID":  claim.ProviderEventID,
		}).WithError(err).Warn("failed to load prior duplicate row")
		return nil
	}
	return prior
}

func (p *Pipeline) duplicateResult(claim, prior *storage.WebhookLog, started time.Time) *Result {
	var res = &Result{Fate: storage.FateDuplicate, Elapsed: time.Since(started)}
	if prior != nil {
		res.WebhookLogID = prior.ID
		res.TransactionID = prior.TransactionID
		res.EventType = prior.NormalizedEvent
		p.dedupe.Add(dedupeKey(prior.Provider, prior.ProviderEventID), prior.ID)
	}
	p.monitor.OnWebhookFate(hooks.WebhookFate{
		Provider:      claim.Provider,
		Fate:          storage.FateDuplicate,
		EventType:     res.EventType,
		TransactionID: res.TransactionID,
		Latency:       res.Elapsed,
	})
	return res
}

// Adapter calls run behind a recover: a panicking adapter is a protocol
// failure of its delivery, never a crash of the pipeline.

func (p *Pipeline) verifySignature(adapter providers.Adapter, body []byte, headers http.Header) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"provider": adapter.Name(),
				"panic":    r,
			}).Error("adapter panicked verifying signature")
			ok = false
		}
	}()
	return adapter.VerifySignature(body, headers, p.cfg.Secrets[adapter.Name()])
}

func (p *Pipeline) parsePayload(adapter providers.Adapter, body []byte) (parsed any, err error) {
	defer func() {
		if r := recover(); r != nil {
			parsed, err = nil, fmt.Errorf("adapter panicked parsing payload: %v", r)
		}
	}()
	return adapter.ParsePayload(body)
}

func (p *Pipeline) normalizeEvent(adapter providers.Adapter, parsed any) (ev events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = events.Event{}, fmt.Errorf("adapter panicked normalizing payload: %v", r)
		}
	}()
	return adapter.Normalize(parsed)
}

func (p *Pipeline) claimKey(adapter providers.Adapter, parsed any, body []byte) (key string) {
	defer func() {
		if r := recover(); r != nil || key == "" {
			key = syntheticKey(keyUnparsed, body)
		}
	}()
	return adapter.IdempotencyKey(parsed)
}

func (p *Pipeline) referencesOf(adapter providers.Adapter, parsed any) (refs providers.Refs) {
	defer func() {
		if r := recover(); r != nil {
			refs = providers.Refs{}
		}
	}()
	return adapter.References(parsed)
}

// redacted returns the payload as it will be persisted: nil when raw
// storage is off, otherwise a copy with each configured path replaced.
// Patches that miss (path absent, or a non-JSON body) are skipped.
func (p *Pipeline) redacted(body []byte) []byte {
	if p.cfg.OmitRawPayload {
		return nil
	}
	var out = append([]byte(nil), body...)
	for _, patch := range p.redactions {
		if next, err := patch.Apply(out); err == nil {
			out = next
		}
	}
	return out
}

func compileRedactions(paths []string) []jsonpatch.Patch {
	var patches []jsonpatch.Patch
	for _, path := range paths {
		var doc, err = json.Marshal([]map[string]any{
			{"op": "replace", "path": jsonPointer(path), "value": Redacted},
		})
		if err != nil {
			continue
		}
		patch, err := jsonpatch.DecodePatch(doc)
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("skipping unusable redaction path")
			continue
		}
		patches = append(patches, patch)
	}
	return patches
}

// jsonPointer converts a dotted path to an RFC 6901 pointer.
func jsonPointer(dotted string) string {
	var parts = strings.Split(dotted, ".")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~", "~0")
		parts[i] = strings.ReplaceAll(part, "/", "~1")
	}
	return "/" + strings.Join(parts, "/")
}

func syntheticKey(namespace string, body []byte) string {
	return namespace + ":" + Fingerprint(body)
}

func dedupeKey(provider, providerEventID string) string {
	return provider + "\x00" + providerEventID
}

func expiryMessage(err error) string {
	return fmt.Sprintf("processing aborted before completion: %v", err)
}
