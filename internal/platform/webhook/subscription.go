package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hmcore/hmcore/internal/platform/scope"
)

// Subscription is a registered delivery target. Subscriptions are scoped
// to a tenant and facility like every other resource; the event patterns
// decide which workflow events the target receives.
type Subscription struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	FacilityID uuid.UUID `json:"facility_id"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	Events     []string  `json:"events"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Subscription) inScope(sc scope.Scope) bool {
	return s.TenantID == sc.TenantID && s.FacilityID == sc.FacilityID
}

// Delivery records one attempt to push an event to a subscription.
type Delivery struct {
	ID             uuid.UUID     `json:"id"`
	SubscriptionID uuid.UUID     `json:"subscription_id"`
	EventType      string        `json:"event_type"`
	EventID        uuid.UUID     `json:"event_id"`
	Payload        []byte        `json:"payload"`
	Signature      string        `json:"signature"`
	StatusCode     int           `json:"status_code"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	Attempt        int           `json:"attempt"`
	Succeeded      bool          `json:"succeeded"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Store persists subscriptions and their delivery log. Lookups return
// (nil, nil) when the row does not exist or belongs to another scope.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Subscription, error)
	ListSubscriptions(ctx context.Context, sc scope.Scope, limit, offset int) ([]*Subscription, int, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// DeleteSubscription reports whether a row was removed.
	DeleteSubscription(ctx context.Context, sc scope.Scope, id uuid.UUID) (bool, error)

	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, sc scope.Scope, id uuid.UUID) (*Delivery, error)
	ListDeliveries(ctx context.Context, sc scope.Scope, subscriptionID uuid.UUID, limit, offset int) ([]*Delivery, int, error)
}

// MemoryStore is a mutex-guarded in-process Store. Subscriptions are
// operational configuration, not clinical data, so they live outside the
// tenant schemas; a restart clears them.
type MemoryStore struct {
	mu            sync.RWMutex
	subs          map[uuid.UUID]*Subscription
	subOrder      []uuid.UUID
	deliveries    map[uuid.UUID]*Delivery
	deliveryOrder []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[uuid.UUID]*Subscription),
		deliveries: make(map[uuid.UUID]*Delivery),
	}
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	s.subOrder = append(s.subOrder, sub.ID)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, sc scope.Scope, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok || !sub.inScope(sc) {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, sc scope.Scope, limit, offset int) ([]*Subscription, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Subscription
	for _, id := range s.subOrder {
		sub, ok := s.subs[id]
		if !ok || !sub.inScope(sc) {
			continue
		}
		cp := *sub
		matched = append(matched, &cp)
	}
	lo, hi := pageBounds(len(matched), limit, offset)
	return matched[lo:hi], len(matched), nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return nil
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, sc scope.Scope, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || !sub.inScope(sc) {
		return false, nil
	}
	delete(s.subs, id)
	for i, sid := range s.subOrder {
		if sid == id {
			s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	s.deliveryOrder = append(s.deliveryOrder, d.ID)
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, sc scope.Scope, id uuid.UUID) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	sub, ok := s.subs[d.SubscriptionID]
	if !ok || !sub.inScope(sc) {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, sc scope.Scope, subscriptionID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[subscriptionID]
	if !ok || !sub.inScope(sc) {
		return []*Delivery{}, 0, nil
	}
	var matched []*Delivery
	for _, id := range s.deliveryOrder {
		d, ok := s.deliveries[id]
		if !ok || d.SubscriptionID != subscriptionID {
			continue
		}
		cp := *d
		matched = append(matched, &cp)
	}
	lo, hi := pageBounds(len(matched), limit, offset)
	return matched[lo:hi], len(matched), nil
}

func pageBounds(total, limit, offset int) (int, int) {
	if offset >= total {
		return 0, 0
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}
