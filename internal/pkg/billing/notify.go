package billing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Domain event names emitted on the side channel.
const (
	DomainSubscriptionCreated   = "billing:subscription_created"
	DomainSubscriptionUpdated   = "billing:subscription_updated"
	DomainSubscriptionCancelled = "billing:subscription_cancelled"
	DomainPaymentFailed         = "billing:payment_failed"
	DomainInvoicePaid           = "billing:invoice_paid"
)

// DomainEvent is the best-effort notification emitted after a webhook
// transaction commits. Delivery is at-most-once and never part of the
// consistency guarantee.
type DomainEvent struct {
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	TenantID       uint      `json:"tenant_id"`
	SubscriptionID uint      `json:"subscription_id,omitempty"`
	TierID         uint      `json:"tier_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Interval       string    `json:"interval,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier publishes domain events to interested subsystems.
type Notifier interface {
	Publish(ctx context.Context, ev DomainEvent) error
}

// RedisNotifier publishes domain events as JSON to a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier publishing to the given channel,
// defaulting to "billing:events".
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "billing:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// CallbackNotifier fans domain events out to in-process subscribers. A
// panicking subscriber is recovered and logged; it never affects other
// subscribers or the webhook response.
type CallbackNotifier struct {
	mu   sync.RWMutex
	subs []func(DomainEvent)
}

func NewCallbackNotifier() *CallbackNotifier {
	return &CallbackNotifier{}
}

// Subscribe registers a callback invoked for every published event.
func (n *CallbackNotifier) Subscribe(fn func(DomainEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *CallbackNotifier) Publish(_ context.Context, ev DomainEvent) error {
	n.mu.RLock()
	subs := make([]func(DomainEvent), len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[Billing] domain event subscriber panicked: %v", r)
				}
			}()
			fn(ev)
		}()
	}
	return nil
}

// MultiNotifier publishes to several notifiers, collecting nothing: each
// failure is logged and discarded.
type MultiNotifier []Notifier

func (m MultiNotifier) Publish(ctx context.Context, ev DomainEvent) error {
	for _, n := range m {
		if err := n.Publish(ctx, ev); err != nil {
			log.Warnf("[Billing] domain event publish failed: %v", err)
		}
	}
	return nil
}
