// Package events fans ledger changes out to dashboard subscribers. With redis
// configured, events travel over pub/sub so every API instance sees them.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ledgerchat/internal/logging"
	"ledgerchat/internal/redis"
)

const channel = "ledger:events"

// allTenants is the subscription key that receives every tenant's events.
const allTenants = "*"

// Event types.
const (
	PageConfirmed = "page.confirmed"
	PageDeclined  = "page.declined"
)

// Event is one ledger change for a tenant.
type Event struct {
	Type             string    `json:"type"`
	TenantID         string    `json:"tenant_id"`
	PageID           string    `json:"page_id,omitempty"`
	TransactionCount int       `json:"transaction_count,omitempty"`
	At               time.Time `json:"at"`
}

// Bus delivers events to subscribers of the event's tenant.
type Bus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBus builds a bus. client may be nil for single-instance deployments.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, subs: make(map[string]map[chan Event]struct{})}
}

// Start subscribes to redis. It is a no-op without redis.
func (b *Bus) Start(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.Subscribe(ctx, channel, func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Msg("ledger event decode failed")
			return
		}
		b.deliver(ev)
	})
}

// Publish sends ev to every subscriber of ev.TenantID.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if b.client == nil {
		b.deliver(ev)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("ledger event marshal failed")
		return
	}
	if err := b.client.Publish(ctx, channel, payload); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("ledger event publish failed, delivering locally")
		b.deliver(ev)
	}
}

// Subscribe returns a channel of the tenant's events and a function that ends the subscription.
func (b *Bus) Subscribe(tenantID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[chan Event]struct{})
	}
	b.subs[tenantID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[tenantID], ch)
			if len(b.subs[tenantID]) == 0 {
				delete(b.subs, tenantID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// SubscribeAll is Subscribe for every tenant at once.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.Subscribe(allTenants)
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{ev.TenantID, allTenants} {
		for ch := range b.subs[key] {
			select {
			case ch <- ev:
			default:
				// subscriber is full, drop
			}
		}
	}
}
