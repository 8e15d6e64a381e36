package mock

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/states"
)

func TestSignatureRoundTrip(t *testing.T) {
	var a = New()
	var body = []byte(`{"event_type":"payment.successful"}`)

	var headers = http.Header{}
	headers.Set(SignatureHeader, Sign("secret-1", body))

	require.True(t, a.VerifySignature(body, headers, []string{"secret-1"}))

	// Rotation: any secret in the ordered list may match.
	require.True(t, a.VerifySignature(body, headers, []string{"retired", "secret-1"}))

	require.False(t, a.VerifySignature(body, headers, []string{"other"}))
	require.False(t, a.VerifySignature([]byte(`tampered`), headers, []string{"secret-1"}))

	headers.Set(SignatureHeader, "not-hex")
	require.False(t, a.VerifySignature(body, headers, []string{"secret-1"}))
}

func TestParseAndNormalize(t *testing.T) {
	var a = New()
	var body = []byte(`{
		"event_type": "payment.successful",
		"provider_event_id": "evt-1",
		"provider_ref": "pr-1",
		"application_ref": "ord-1",
		"amount": 10000,
		"currency": "NGN"
	}`)

	parsed, err := a.ParsePayload(body)
	require.NoError(t, err)

	ev, err := a.Normalize(parsed)
	require.NoError(t, err)
	require.Equal(t, events.PaymentSuccessful, ev.Type)
	require.Equal(t, int64(10000), ev.Amount)

	require.Equal(t, "payment.successful:evt-1", a.IdempotencyKey(parsed))
	require.Equal(t, providers.Refs{
		ProviderRef:    "pr-1",
		ApplicationRef: "ord-1",
		EventType:      "payment.successful",
	}, a.References(parsed))
}

func TestParseRejectsMalformedInput(t *testing.T) {
	var a = New()

	_, err := a.ParsePayload([]byte(``))
	require.Error(t, err)

	_, err = a.ParsePayload([]byte(`{"event_type": 12`))
	require.Error(t, err)
}

func TestNormalizeRejectsIncompleteEvents(t *testing.T) {
	var a = New()

	parsed, err := a.ParsePayload([]byte(`{"event_type":"payment.successful","provider_event_id":"e"}`))
	require.NoError(t, err)

	_, err = a.Normalize(parsed)
	require.Error(t, err)
}

func TestIdempotencyKeyFallsBackToReference(t *testing.T) {
	var a = New()

	parsed, err := a.ParsePayload([]byte(`{"event_type":"payment.successful","provider_ref":"pr-9"}`))
	require.NoError(t, err)
	require.Equal(t, "payment.successful:pr-9", a.IdempotencyKey(parsed))
}

func TestVerifyWithProvider(t *testing.T) {
	var ctx = context.Background()

	// Without an installed verifier the adapter reports unsupported.
	snap, err := New().VerifyWithProvider(ctx, "pr-1")
	require.NoError(t, err)
	require.Nil(t, snap)

	var a = New(WithVerify(func(ctx context.Context, ref string) (*providers.Snapshot, error) {
		return &providers.Snapshot{Status: states.Successful, Amount: 10000, Currency: "NGN"}, nil
	}))
	snap, err = a.VerifyWithProvider(ctx, "pr-1")
	require.NoError(t, err)
	require.Equal(t, states.Successful, snap.Status)
}
