package states

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func webhookMeta() map[string]any {
	return map[string]any{MetaSignatureValid: true}
}

func TestTerminalStatuses(t *testing.T) {
	var terminal = map[Status]bool{
		Pending:           false,
		Processing:        false,
		Successful:        false,
		Failed:            true,
		Abandoned:         true,
		PartiallyRefunded: false,
		Refunded:          true,
		Disputed:          false,
		ResolvedWon:       true,
		ResolvedLost:      true,
	}
	for status, want := range terminal {
		require.Equal(t, want, status.Terminal(), "status %q", status)
	}
}

func TestSettledStatuses(t *testing.T) {
	var settled = []Status{Failed, Abandoned, Refunded, PartiallyRefunded, ResolvedWon, ResolvedLost}
	for _, s := range settled {
		require.True(t, s.Settled(), "status %q", s)
	}
	for _, s := range []Status{Pending, Processing, Successful, Disputed} {
		require.False(t, s.Settled(), "status %q", s)
	}
}

func TestValidateAllowsTableEdges(t *testing.T) {
	var m = Default()

	var cases = []struct {
		from, to Status
		trigger  Trigger
		meta     map[string]any
	}{
		{Pending, Processing, TriggerManual, map[string]any{MetaProviderRef: "pr-1"}},
		{Processing, Successful, TriggerWebhook, webhookMeta()},
		{Processing, Successful, TriggerLateMatch, nil},
		{Processing, Failed, TriggerAPIVerification, nil},
		{Processing, Abandoned, TriggerManual, nil},
		{Processing, Abandoned, TriggerReconciliation, nil},
		{Successful, PartiallyRefunded, TriggerWebhook, webhookMeta()},
		{Successful, Refunded, TriggerReconciliation, nil},
		{Successful, Disputed, TriggerWebhook, webhookMeta()},
		{PartiallyRefunded, Refunded, TriggerWebhook, webhookMeta()},
		{PartiallyRefunded, Disputed, TriggerAPIVerification, nil},
		{Disputed, ResolvedWon, TriggerReconciliation,
			map[string]any{MetaDisputeOutcome: DisputeOutcomeWon}},
		{Disputed, ResolvedLost, TriggerWebhook,
			map[string]any{MetaSignatureValid: true, MetaDisputeOutcome: DisputeOutcomeLost}},
	}
	for _, tc := range cases {
		err := m.Validate(tc.from, tc.to, Context{Trigger: tc.trigger, Metadata: tc.meta})
		require.NoError(t, err, "%s to %s via %s", tc.from, tc.to, tc.trigger)
	}
}

func TestValidateOrderedRejections(t *testing.T) {
	var m = Default()

	// Terminal source rejects before anything else is considered.
	err := m.Validate(Refunded, Successful, Context{Trigger: TriggerWebhook, Metadata: webhookMeta()})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectTerminalState, rej.Code)

	// An edge absent from the table.
	err = m.Validate(Pending, Successful, Context{Trigger: TriggerWebhook, Metadata: webhookMeta()})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectUnknownTransition, rej.Code)

	// No back-edge to processing exists from any settled state.
	err = m.Validate(Successful, Processing, Context{Trigger: TriggerManual})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectUnknownTransition, rej.Code)

	// Edge exists but the trigger is not admitted.
	err = m.Validate(Processing, Successful, Context{Trigger: TriggerManual})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectTriggerNotAllowed, rej.Code)

	// Webhook may not abandon a processing transaction.
	err = m.Validate(Processing, Abandoned, Context{Trigger: TriggerWebhook, Metadata: webhookMeta()})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectTriggerNotAllowed, rej.Code)

	// Guards run last.
	err = m.Validate(Processing, Successful, Context{Trigger: TriggerWebhook})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectGuardFailed, rej.Code)
	require.Contains(t, rej.Reason, "verified signature")
}

func TestGuardProviderRef(t *testing.T) {
	var m = Default()

	err := m.Validate(Pending, Processing, Context{Trigger: TriggerManual})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectGuardFailed, rej.Code)
	require.Contains(t, rej.Reason, "provider reference")

	err = m.Validate(Pending, Processing, Context{
		Trigger:  TriggerManual,
		Metadata: map[string]any{MetaProviderRef: "pr-9"},
	})
	require.NoError(t, err)
}

func TestGuardDisputeOutcome(t *testing.T) {
	var m = Default()

	// Missing outcome rejects.
	err := m.Validate(Disputed, ResolvedWon, Context{Trigger: TriggerReconciliation})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectGuardFailed, rej.Code)
	require.Contains(t, rej.Reason, "dispute outcome missing")

	// Outcome contradicting the target rejects.
	err = m.Validate(Disputed, ResolvedWon, Context{
		Trigger:  TriggerReconciliation,
		Metadata: map[string]any{MetaDisputeOutcome: DisputeOutcomeLost},
	})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectGuardFailed, rej.Code)

	// Unknown outcome value rejects.
	err = m.Validate(Disputed, ResolvedLost, Context{
		Trigger:  TriggerReconciliation,
		Metadata: map[string]any{MetaDisputeOutcome: "settled-out-of-band"},
	})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectGuardFailed, rej.Code)
}

func TestMachineIsAValue(t *testing.T) {
	// Two machines built from the same table validate identically.
	var a, b = Default(), Default()
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			require.Equal(t, a.Allows(from, to), b.Allows(from, to))
		}
	}
}
