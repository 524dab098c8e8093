// Package webhook pushes workflow lifecycle events to external systems.
// Subscriptions register an HTTPS target with event patterns; deliveries
// are HMAC-SHA256 signed and logged so operators can inspect and retry
// them.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmcore/hmcore/internal/platform/apperr"
	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Event types follow the "family.action" form the patterns match against.
const (
	EventEncounterCreated = "encounter.created"
	EventPing             = "webhook.ping"
)

// Event is the wire shape delivered to subscriptions.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	FacilityID  uuid.UUID       `json:"facility_id"`
	EncounterID uuid.UUID       `json:"encounter_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Result summarises delivering one event to one subscription.
type Result struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Succeeded      bool      `json:"succeeded"`
	StatusCode     int       `json:"status_code"`
	Error          string    `json:"error,omitempty"`
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches SignPayload(payload,
// secret) in constant time. Receivers use it to authenticate deliveries.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// splitType breaks an event type or pattern into its family and action
// segments. Anything that is not exactly two non-empty segments is invalid.
func splitType(s string) (family, action string, ok bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// validatePattern accepts "family.action", "family.*" and "*.action".
// A bare "*.*" would subscribe to everything including pings, so it is
// rejected.
func validatePattern(pattern string) error {
	family, action, ok := splitType(pattern)
	if !ok {
		return apperr.Validation(fmt.Sprintf("invalid event pattern %q", pattern))
	}
	if family == "*" && action == "*" {
		return apperr.Validation(`pattern "*.*" is not allowed`)
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	pf, pa, ok := splitType(pattern)
	if !ok {
		return false
	}
	ef, ea, ok := splitType(eventType)
	if !ok {
		return false
	}
	return (pf == "*" || pf == ef) && (pa == "*" || pa == ea)
}

func subscriptionMatches(sub *Subscription, eventType string) bool {
	for _, pat := range sub.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the delivery client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// Manager owns the subscription registry and event delivery.
type Manager struct {
	store  Store
	client *http.Client
	logger zerolog.Logger
}

func NewManager(store Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateTargetURL(rawURL string) error {
	if rawURL == "" {
		return apperr.Validation("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperr.Validation("invalid url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return apperr.Validation(fmt.Sprintf("url scheme must be http or https, got %q", u.Scheme))
	}
	return nil
}

// Register validates and stores a new subscription in the caller's scope.
// An empty secret gets a generated one; it is returned exactly once, in
// the created subscription.
func (m *Manager) Register(ctx context.Context, sc scope.Scope, rawURL, secret string, patterns []string) (*Subscription, error) {
	if err := validateTargetURL(rawURL); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, apperr.Validation("at least one event pattern is required")
	}
	for _, pat := range patterns {
		if err := validatePattern(pat); err != nil {
			return nil, err
		}
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, apperr.Internal("generate webhook secret", err)
		}
		secret = s
	}

	sub := &Subscription{
		ID:         uuid.New(),
		TenantID:   sc.TenantID,
		FacilityID: sc.FacilityID,
		URL:        rawURL,
		Secret:     secret,
		Events:     patterns,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get fetches one subscription within the scope.
func (m *Manager) Get(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperr.NotFound("subscription not found")
	}
	return sub, nil
}

// List returns the scope's subscriptions plus the total count.
func (m *Manager) List(ctx context.Context, sc scope.Scope, limit, offset int) ([]*Subscription, int, error) {
	return m.store.ListSubscriptions(ctx, sc, limit, offset)
}

// UpdateParams carries the mutable subscription fields. Nil or empty
// fields keep their current value.
type UpdateParams struct {
	URL    string
	Events []string
	Active *bool
}

func (m *Manager) Update(ctx context.Context, sc scope.Scope, id uuid.UUID, p UpdateParams) (*Subscription, error) {
	sub, err := m.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if p.URL != "" {
		if err := validateTargetURL(p.URL); err != nil {
			return nil, err
		}
		sub.URL = p.URL
	}
	if len(p.Events) > 0 {
		for _, pat := range p.Events {
			if err := validatePattern(pat); err != nil {
				return nil, err
			}
		}
		sub.Events = p.Events
	}
	if p.Active != nil {
		sub.Active = *p.Active
	}
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Manager) Unregister(ctx context.Context, sc scope.Scope, id uuid.UUID) error {
	removed, err := m.store.DeleteSubscription(ctx, sc, id)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.NotFound("subscription not found")
	}
	return nil
}

// Pause stops deliveries to the subscription without losing its config.
func (m *Manager) Pause(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Subscription, error) {
	return m.setActive(ctx, sc, id, false)
}

func (m *Manager) Resume(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Subscription, error) {
	return m.setActive(ctx, sc, id, true)
}

func (m *Manager) setActive(ctx context.Context, sc scope.Scope, id uuid.UUID, active bool) (*Subscription, error) {
	sub, err := m.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	sub.Active = active
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Publish delivers the event to every active matching subscription in the
// event's scope. Delivery failures land in the result list and the
// delivery log, never as an error: publishing is fire-and-record.
func (m *Manager) Publish(ctx context.Context, ev Event) []Result {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	sc := scope.Scope{TenantID: ev.TenantID, FacilityID: ev.FacilityID}
	subs, _, err := m.store.ListSubscriptions(ctx, sc, 1000, 0)
	if err != nil {
		m.logger.Error().Err(err).Str("event_type", ev.Type).Msg("list subscriptions failed")
		return nil
	}

	var results []Result
	for _, sub := range subs {
		if !sub.Active || !subscriptionMatches(sub, ev.Type) {
			continue
		}
		d := m.deliver(ctx, sub, ev, 1)
		results = append(results, Result{
			SubscriptionID: sub.ID,
			Succeeded:      d.Succeeded,
			StatusCode:     d.StatusCode,
			Error:          d.Error,
		})
	}
	return results
}

// deliver signs the event and POSTs it to the subscription, recording the
// attempt whatever the outcome.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, ev Event, attempt int) *Delivery {
	payload, _ := json.Marshal(ev)
	sig := SignPayload(payload, sub.Secret)
	now := time.Now().UTC()

	d := &Delivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		EventType:      ev.Type,
		EventID:        ev.ID,
		Payload:        payload,
		Signature:      sig,
		Attempt:        attempt,
		CreatedAt:      now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		m.record(ctx, d)
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-Subscription", sub.ID.String())
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.client.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Error = err.Error()
		m.record(ctx, d)
		return d
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Succeeded = true
	} else {
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	m.record(ctx, d)
	return d
}

func (m *Manager) record(ctx context.Context, d *Delivery) {
	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).
			Str("subscription_id", d.SubscriptionID.String()).
			Str("event_type", d.EventType).
			Msg("record delivery failed")
	}
}

// Retry re-delivers a logged attempt with the next attempt number.
func (m *Manager) Retry(ctx context.Context, sc scope.Scope, deliveryID uuid.UUID) (*Delivery, error) {
	original, err := m.store.GetDelivery(ctx, sc, deliveryID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, apperr.NotFound("delivery not found")
	}
	sub, err := m.Get(ctx, sc, original.SubscriptionID)
	if err != nil {
		return nil, err
	}

	var ev Event
	if err := json.Unmarshal(original.Payload, &ev); err != nil {
		return nil, apperr.Internal("decode logged event payload", err)
	}
	return m.deliver(ctx, sub, ev, original.Attempt+1), nil
}

// Ping sends a synthetic webhook.ping event so operators can verify a
// target before real traffic reaches it. The ping bypasses the pattern
// filter.
func (m *Manager) Ping(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Delivery, error) {
	sub, err := m.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	ev := Event{
		ID:         uuid.New(),
		Type:       EventPing,
		TenantID:   sc.TenantID,
		FacilityID: sc.FacilityID,
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"ping":true}`),
	}
	return m.deliver(ctx, sub, ev, 1), nil
}

// Deliveries returns the subscription's delivery log, newest last.
func (m *Manager) Deliveries(ctx context.Context, sc scope.Scope, subscriptionID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.Get(ctx, sc, subscriptionID); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, sc, subscriptionID, limit, offset)
}
