// Package hooks defines the lifecycle observation points the engine emits:
// webhook fates, committed transitions, dispatch results, and reconciliation
// outcomes. Hooks observe; they can never alter a fate or a transition, and
// a panicking hook is caught and logged at the call site.
package hooks

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// WebhookFate is emitted once per inbound delivery, after its fate is known.
type WebhookFate struct {
	Provider      string
	Fate          storage.Fate
	EventType     events.Type
	TransactionID string
	Latency       time.Duration
}

// Transition is emitted after a state change commits.
type Transition struct {
	Provider      string
	TransactionID string
	From          states.Status
	To            states.Status
	Trigger       states.Trigger
}

// DispatchResult is emitted after each handler invocation.
type DispatchResult struct {
	EventType   events.Type
	HandlerName string
	Status      storage.DispatchStatus
	IsReplay    bool
	Err         error
}

// Reconciliation is emitted once per reconciliation attempt.
type Reconciliation struct {
	Provider       string
	ApplicationRef string
	Result         storage.ReconcileResult
	Latency        time.Duration
}

// Monitor receives lifecycle observations. Implementations must be safe for
// concurrent use and should return quickly; slow monitors stall the ingest
// path.
type Monitor interface {
	OnWebhookFate(WebhookFate)
	OnTransition(Transition)
	OnDispatchResult(DispatchResult)
	OnReconciliation(Reconciliation)
}

// Nop is a Monitor that discards every observation.
type Nop struct{}

func (Nop) OnWebhookFate(WebhookFate)       {}
func (Nop) OnTransition(Transition)         {}
func (Nop) OnDispatchResult(DispatchResult) {}
func (Nop) OnReconciliation(Reconciliation) {}

// Logger is a Monitor that writes structured log lines for each
// observation. Fates that indicate protocol failures log at warn; the rest
// at debug or info.
type Logger struct{}

func (Logger) OnWebhookFate(o WebhookFate) {
	var entry = log.WithFields(log.Fields{
		"provider":  o.Provider,
		"fate":      o.Fate,
		"eventType": o.EventType,
		"txn":       o.TransactionID,
		"latency":   o.Latency.String(),
	})
	switch o.Fate {
	case storage.FateProcessed, storage.FateDuplicate:
		entry.Debug("webhook classified")
	default:
		entry.Warn("webhook classified")
	}
}

func (Logger) OnTransition(o Transition) {
	log.WithFields(log.Fields{
		"provider": o.Provider,
		"txn":      o.TransactionID,
		"from":     o.From,
		"to":       o.To,
		"trigger":  o.Trigger,
	}).Info("transaction transitioned")
}

func (Logger) OnDispatchResult(o DispatchResult) {
	var entry = log.WithFields(log.Fields{
		"eventType": o.EventType,
		"handler":   o.HandlerName,
		"status":    o.Status,
		"replay":    o.IsReplay,
	})
	if o.Err != nil {
		entry.WithField("err", o.Err).Warn("handler dispatch failed")
	} else {
		entry.Debug("handler dispatched")
	}
}

func (Logger) OnReconciliation(o Reconciliation) {
	log.WithFields(log.Fields{
		"provider":       o.Provider,
		"applicationRef": o.ApplicationRef,
		"result":         o.Result,
		"latency":        o.Latency.String(),
	}).Info("reconciliation finished")
}

// Multi fans each observation out to every member in order.
type Multi []Monitor

func (m Multi) OnWebhookFate(o WebhookFate) {
	for _, h := range m {
		h.OnWebhookFate(o)
	}
}

func (m Multi) OnTransition(o Transition) {
	for _, h := range m {
		h.OnTransition(o)
	}
}

func (m Multi) OnDispatchResult(o DispatchResult) {
	for _, h := range m {
		h.OnDispatchResult(o)
	}
}

func (m Multi) OnReconciliation(o Reconciliation) {
	for _, h := range m {
		h.OnReconciliation(o)
	}
}

// Guard wraps a Monitor so that a panicking hook is logged and contained
// rather than propagated into the pipeline. The engine wraps every
// caller-supplied Monitor with Guard.
func Guard(m Monitor) Monitor {
	if m == nil {
		return Nop{}
	}
	return guarded{m}
}

type guarded struct{ m Monitor }

func recoverHook(hook string) {
	if r := recover(); r != nil {
		log.WithFields(log.Fields{"hook": hook, "panic": r}).Error("lifecycle hook panicked")
	}
}

func (g guarded) OnWebhookFate(o WebhookFate) {
	defer recoverHook("on_webhook_fate")
	g.m.OnWebhookFate(o)
}

func (g guarded) OnTransition(o Transition) {
	defer recoverHook("on_transition")
	g.m.OnTransition(o)
}

func (g guarded) OnDispatchResult(o DispatchResult) {
	defer recoverHook("on_dispatch_result")
	g.m.OnDispatchResult(o)
}

func (g guarded) OnReconciliation(o Reconciliation) {
	defer recoverHook("on_reconciliation")
	g.m.OnReconciliation(o)
}
