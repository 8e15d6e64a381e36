// Package mock is a deterministic provider adapter for tests and embedded
// experimentation. Its wire payload is the normalized event schema itself,
// signed with HMAC-SHA256 in the X-Mock-Signature header.
package mock

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/providers"
)

// SignatureHeader carries the hex HMAC-SHA256 tag of the raw body.
const SignatureHeader = "X-Mock-Signature"

// Adapter implements providers.Adapter. The zero value is not usable; build
// one with New.
type Adapter struct {
	name   string
	verify VerifyFunc
}

// VerifyFunc supplies the provider-side snapshot returned by
// VerifyWithProvider. A nil snapshot with nil error means "unsupported".
type VerifyFunc func(ctx context.Context, providerRef string) (*providers.Snapshot, error)

var _ providers.Adapter = (*Adapter)(nil)
var _ providers.Verifier = (*Adapter)(nil)

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithName overrides the default provider name "mock".
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithVerify installs the provider-side verification response.
func WithVerify(fn VerifyFunc) Option {
	return func(a *Adapter) { a.verify = fn }
}

// New builds a mock adapter.
func New(opts ...Option) *Adapter {
	var a = &Adapter{name: "mock"}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

// Sign computes the signature tag Sign-ed deliveries carry. Tests use it to
// build valid headers.
func Sign(secret string, body []byte) string {
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) VerifySignature(body []byte, headers http.Header, secrets []string) bool {
	var got, err = hex.DecodeString(headers.Get(SignatureHeader))
	if err != nil || len(got) == 0 {
		return false
	}
	for _, secret := range secrets {
		var mac = hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), got) {
			return true
		}
	}
	return false
}

func (a *Adapter) ParsePayload(body []byte) (any, error) {
	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decoding mock payload: %w", err)
	}
	return &ev, nil
}

func (a *Adapter) Normalize(parsed any) (events.Event, error) {
	var ev, ok = parsed.(*events.Event)
	if !ok {
		return events.Event{}, fmt.Errorf("unexpected parsed payload %T", parsed)
	}
	if err := ev.Validate(); err != nil {
		return events.Event{}, fmt.Errorf("normalizing mock event: %w", err)
	}
	return *ev, nil
}

func (a *Adapter) IdempotencyKey(parsed any) string {
	var ev = parsed.(*events.Event)
	return providers.DefaultIdempotencyKey(string(ev.Type), ev.ProviderEventID, ev.ProviderRef)
}

func (a *Adapter) References(parsed any) providers.Refs {
	var ev = parsed.(*events.Event)
	return providers.Refs{
		ProviderRef:    ev.ProviderRef,
		ApplicationRef: ev.ApplicationRef,
		EventType:      string(ev.Type),
	}
}

// VerifyWithProvider returns the configured snapshot, or nil when none was
// installed.
func (a *Adapter) VerifyWithProvider(ctx context.Context, providerRef string) (*providers.Snapshot, error) {
	if a.verify == nil {
		return nil, nil
	}
	return a.verify(ctx, providerRef)
}
