// Package truelayer adapts TrueLayer payment webhooks. Deliveries carry a
// detached compact JWS in the Tl-Signature header: a protected header and
// signature with the payload elided, verified here over the raw body with
// HS256 against the configured secret list.
package truelayer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/states"
)

// SignatureHeader carries the detached JWS: "<protected>..<signature>".
const SignatureHeader = "Tl-Signature"

// DefaultBaseURL is the production TrueLayer API endpoint.
const DefaultBaseURL = "https://api.truelayer.com"

// Adapter implements providers.Adapter for TrueLayer.
type Adapter struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ providers.Adapter = (*Adapter)(nil)
var _ providers.Verifier = (*Adapter)(nil)

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithBaseURL points API verification at a non-production endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithHTTPClient overrides the verification HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New builds a TrueLayer adapter. The bearer token is only needed for
// VerifyWithProvider; webhook-only deployments may pass "".
func New(token string, opts ...Option) *Adapter {
	var a = &Adapter{
		baseURL: DefaultBaseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "truelayer" }

// Sign builds a detached JWS over body for tests and local tooling.
func Sign(secret string, body []byte) (string, error) {
	var header = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	var signing = header + "." + base64.RawURLEncoding.EncodeToString(body)

	var sig, err = jwt.SigningMethodHS256.Sign(signing, []byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return header + ".." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (a *Adapter) VerifySignature(body []byte, headers http.Header, secrets []string) bool {
	var detached = headers.Get(SignatureHeader)
	var header, sigPart, ok = strings.Cut(detached, "..")
	if !ok || header == "" || sigPart == "" {
		return false
	}

	// The protected header must name HS256; any other algorithm is refused
	// outright rather than tried.
	headerJSON, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	var protected struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &protected); err != nil || protected.Alg != "HS256" {
		return false
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return false
	}

	var signing = header + "." + base64.RawURLEncoding.EncodeToString(body)
	for _, secret := range secrets {
		if jwt.SigningMethodHS256.Verify(signing, sig, []byte(secret)) == nil {
			return true
		}
	}
	return false
}

// payload is a TrueLayer payment webhook body.
type payload struct {
	Type          string         `json:"type"`
	EventID       string         `json:"event_id"`
	PaymentID     string         `json:"payment_id"`
	AmountInMinor int64          `json:"amount_in_minor"`
	Currency      string         `json:"currency"`
	ExecutedAt    string         `json:"executed_at"`
	SettledAt     string         `json:"settled_at"`
	FailedAt      string         `json:"failed_at"`
	FailureReason string         `json:"failure_reason"`
	Metadata      map[string]any `json:"metadata"`

	raw map[string]any
}

func (a *Adapter) ParsePayload(body []byte) (any, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding truelayer payload: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("truelayer payload has no type field")
	}
	_ = json.Unmarshal(body, &p.raw)
	return &p, nil
}

// eventTypes maps the TrueLayer webhook vocabulary onto normalized types.
// Both payment_executed and payment_settled report a successful payment;
// whichever lands first becomes the transition and the other records a
// rejected attempt in the audit trail.
var eventTypes = map[string]events.Type{
	"payment_executed": events.PaymentSuccessful,
	"payment_settled":  events.PaymentSuccessful,
	"payment_failed":   events.PaymentFailed,
	"refund_executed":  events.RefundSuccessful,
	"refund_failed":    events.RefundFailed,
}

// consumedKeys are payload fields normalization maps onto the event schema.
var consumedKeys = map[string]bool{
	"type":            true,
	"event_id":        true,
	"payment_id":      true,
	"amount_in_minor": true,
	"currency":        true,
	"executed_at":     true,
	"settled_at":      true,
	"failed_at":       true,
	"metadata":        true,
}

func (a *Adapter) Normalize(parsed any) (events.Event, error) {
	var p, ok = parsed.(*payload)
	if !ok {
		return events.Event{}, fmt.Errorf("unexpected parsed payload %T", parsed)
	}

	var typ, known = eventTypes[p.Type]
	if !known {
		return events.Event{}, fmt.Errorf("unmapped truelayer event %q", p.Type)
	}

	var ev = events.Event{
		Type:            typ,
		ProviderEventID: p.EventID,
		ProviderRef:     p.PaymentID,
		ApplicationRef:  a.References(parsed).ApplicationRef,
		Amount:          p.AmountInMinor,
		Currency:        p.Currency,
	}
	for _, s := range []string{p.SettledAt, p.ExecutedAt, p.FailedAt} {
		if s == "" {
			continue
		}
		if at, err := time.Parse(time.RFC3339, s); err == nil {
			ev.ProviderTimestamp = &at
			break
		}
	}

	ev.ProviderMetadata = map[string]any{"event": p.Type}
	for k, v := range p.raw {
		if !consumedKeys[k] {
			ev.ProviderMetadata[k] = v
		}
	}

	if err := ev.Validate(); err != nil {
		return events.Event{}, fmt.Errorf("normalizing truelayer %s: %w", p.Type, err)
	}
	return ev, nil
}

func (a *Adapter) IdempotencyKey(parsed any) string {
	var p = parsed.(*payload)
	return providers.DefaultIdempotencyKey(p.Type, p.EventID, p.PaymentID)
}

func (a *Adapter) References(parsed any) providers.Refs {
	var p = parsed.(*payload)

	var appRef string
	if v, ok := p.Metadata["application_ref"].(string); ok {
		appRef = v
	}
	return providers.Refs{ProviderRef: p.PaymentID, ApplicationRef: appRef, EventType: p.Type}
}

// paymentStatuses maps TrueLayer payment statuses onto engine statuses.
var paymentStatuses = map[string]states.Status{
	"executed":               states.Successful,
	"settled":                states.Successful,
	"failed":                 states.Failed,
	"authorization_required": states.Processing,
	"authorizing":            states.Processing,
	"authorized":             states.Processing,
}

// VerifyWithProvider fetches the payment from the TrueLayer API. Network
// failures return nil; the caller treats nil as unreachable.
func (a *Adapter) VerifyWithProvider(ctx context.Context, providerRef string) (*providers.Snapshot, error) {
	if a.token == "" {
		return nil, nil
	}

	var url = fmt.Sprintf("%s/v3/payments/%s", a.baseURL, providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"provider": "truelayer", "ref": providerRef, "err": err}).
			Warn("provider verification unreachable")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"provider": "truelayer", "ref": providerRef, "code": resp.StatusCode}).
			Warn("provider verification refused")
		return nil, nil
	}

	var body struct {
		Status        string `json:"status"`
		AmountInMinor int64  `json:"amount_in_minor"`
		Currency      string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.WithFields(log.Fields{"provider": "truelayer", "ref": providerRef, "err": err}).
			Warn("provider verification undecodable")
		return nil, nil
	}

	var status, ok = paymentStatuses[body.Status]
	if !ok {
		return nil, nil
	}
	return &providers.Snapshot{
		Status:    status,
		Amount:    body.AmountInMinor,
		Currency:  body.Currency,
		Raw:       map[string]any{"status": body.Status},
		CheckedAt: time.Now().UTC(),
	}, nil
}
