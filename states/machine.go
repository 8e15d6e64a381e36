package states

import (
	"fmt"
)

// Context carries the circumstances of a transition attempt. Guards are pure
// predicates over a Context and must not retain it.
type Context struct {
	From     Status
	To       Status
	Trigger  Trigger
	Metadata map[string]any
}

// Guard vets a transition attempt. A nil return allows the transition; a
// non-nil return rejects it with the returned reason. Guards never panic.
type Guard func(Context) error

// Rule is one edge of the transition table.
type Rule struct {
	From     Status
	To       Status
	Triggers []Trigger
	Guards   []Guard
}

// RejectionCode classifies why a transition was refused, in the order the
// checks run: terminal state, table membership, trigger, then guards.
type RejectionCode string

const (
	RejectTerminalState     RejectionCode = "terminal_state"
	RejectUnknownTransition RejectionCode = "unknown_transition"
	RejectTriggerNotAllowed RejectionCode = "trigger_not_allowed"
	RejectGuardFailed       RejectionCode = "guard_rejected"
)

// Rejection is the error returned by Validate for a refused transition.
type Rejection struct {
	Code    RejectionCode
	From    Status
	To      Status
	Trigger Trigger
	Reason  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("transition %s to %s (trigger %s) rejected: %s",
		r.From, r.To, r.Trigger, r.Reason)
}

type edge struct{ from, to Status }

// Machine validates transitions against an immutable table. Machines are
// values: construction is cheap and instances may be shared freely.
type Machine struct {
	rules map[edge]Rule
}

// New builds a Machine from the given rules.
func New(rules []Rule) *Machine {
	var m = &Machine{rules: make(map[edge]Rule, len(rules))}
	for _, r := range rules {
		m.rules[edge{r.From, r.To}] = r
	}
	return m
}

// Default builds the standard payment transition table with its guards.
func Default() *Machine {
	var provider = []Trigger{
		TriggerWebhook, TriggerAPIVerification, TriggerReconciliation,
	}
	var settlement = append([]Trigger{}, provider...)
	settlement = append(settlement, TriggerLateMatch)

	return New([]Rule{
		{From: Pending, To: Processing,
			Triggers: []Trigger{TriggerManual},
			Guards:   []Guard{GuardWebhookSignature, GuardProviderRef}},
		{From: Processing, To: Successful,
			Triggers: settlement,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: Processing, To: Failed,
			Triggers: settlement,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: Processing, To: Abandoned,
			Triggers: []Trigger{TriggerManual, TriggerReconciliation},
			Guards:   []Guard{GuardWebhookSignature}},
		{From: Successful, To: PartiallyRefunded,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: Successful, To: Refunded,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: Successful, To: Disputed,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: PartiallyRefunded, To: Refunded,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: PartiallyRefunded, To: Disputed,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature}},
		{From: Disputed, To: ResolvedWon,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature, GuardDisputeOutcome}},
		{From: Disputed, To: ResolvedLost,
			Triggers: provider,
			Guards:   []Guard{GuardWebhookSignature, GuardDisputeOutcome}},
	})
}

// Validate checks a transition attempt and returns nil or a *Rejection.
// Checks run in a fixed order: terminal source, table membership, trigger
// admissibility, then each edge guard.
func (m *Machine) Validate(from, to Status, ctx Context) error {
	ctx.From, ctx.To = from, to

	if from.Terminal() {
		return &Rejection{
			Code: RejectTerminalState, From: from, To: to, Trigger: ctx.Trigger,
			Reason: fmt.Sprintf("%s is a terminal status", from),
		}
	}
	rule, ok := m.rules[edge{from, to}]
	if !ok {
		return &Rejection{
			Code: RejectUnknownTransition, From: from, To: to, Trigger: ctx.Trigger,
			Reason: fmt.Sprintf("no transition from %s to %s", from, to),
		}
	}
	if !containsTrigger(rule.Triggers, ctx.Trigger) {
		return &Rejection{
			Code: RejectTriggerNotAllowed, From: from, To: to, Trigger: ctx.Trigger,
			Reason: fmt.Sprintf("trigger %s is not allowed for %s to %s", ctx.Trigger, from, to),
		}
	}
	for _, guard := range rule.Guards {
		if err := guard(ctx); err != nil {
			return &Rejection{
				Code: RejectGuardFailed, From: from, To: to, Trigger: ctx.Trigger,
				Reason: err.Error(),
			}
		}
	}
	return nil
}

// Allows reports whether the table contains an edge from one status to
// another, irrespective of triggers and guards.
func (m *Machine) Allows(from, to Status) bool {
	_, ok := m.rules[edge{from, to}]
	return ok && !from.Terminal()
}

func containsTrigger(ts []Trigger, t Trigger) bool {
	for _, c := range ts {
		if c == t {
			return true
		}
	}
	return false
}

// GuardWebhookSignature requires webhook-triggered transitions to carry a
// verified signature in their metadata. Other triggers pass.
func GuardWebhookSignature(c Context) error {
	if c.Trigger != TriggerWebhook {
		return nil
	}
	if ok, _ := c.Metadata[MetaSignatureValid].(bool); !ok {
		return fmt.Errorf("webhook trigger requires a verified signature")
	}
	return nil
}

// GuardProviderRef requires a provider reference when entering processing.
func GuardProviderRef(c Context) error {
	if c.To != Processing {
		return nil
	}
	if ref, _ := c.Metadata[MetaProviderRef].(string); ref == "" {
		return fmt.Errorf("transition to processing requires a provider reference")
	}
	return nil
}

// GuardDisputeOutcome requires dispute resolutions to carry an outcome that
// matches the target status.
func GuardDisputeOutcome(c Context) error {
	if c.To != ResolvedWon && c.To != ResolvedLost {
		return nil
	}
	outcome, _ := c.Metadata[MetaDisputeOutcome].(string)
	switch outcome {
	case "":
		return fmt.Errorf("dispute outcome missing from event metadata")
	case DisputeOutcomeWon:
		if c.To != ResolvedWon {
			return fmt.Errorf("dispute outcome %q does not resolve to %s", outcome, c.To)
		}
	case DisputeOutcomeLost:
		if c.To != ResolvedLost {
			return fmt.Errorf("dispute outcome %q does not resolve to %s", outcome, c.To)
		}
	default:
		return fmt.Errorf("unrecognized dispute outcome %q", outcome)
	}
	return nil
}
