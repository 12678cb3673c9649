package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/hookbill/hookbill/app/models"
	"github.com/hookbill/hookbill/internal/pkg/scope"
)

// Result describes the outcome of one webhook delivery.
type Result struct {
	Provider  string
	EventID   string
	EventType string
	Kind      EventKind

	// Processed is true when this delivery committed side effects.
	Processed bool
	// Duplicate is true when the event was already in the ledger.
	Duplicate bool
	// Ignored is true when the event type is outside the internal
	// vocabulary and was acknowledged without side effects.
	Ignored bool
}

// Processor turns one webhook delivery into one atomic unit of work:
// verify, transact, pre-check the ledger, dispatch, mark, commit. Domain
// events and payload archival happen after commit, best-effort.
type Processor struct {
	registry *Registry
	store    Store
	router   *Router
	notifier Notifier
	archiver *PayloadArchiver
	clock    func() time.Time
}

// NewProcessor wires the engine together. notifier and archiver may be nil.
func NewProcessor(registry *Registry, store Store, notifier Notifier, archiver *PayloadArchiver) *Processor {
	p := &Processor{
		registry: registry,
		store:    store,
		notifier: notifier,
		archiver: archiver,
		clock:    time.Now,
	}
	p.router = NewRouter()
	p.router.Handle(EventCheckoutCompleted, p.handleCheckoutCompleted)
	p.router.Handle(EventSubscriptionUpdated, p.handleSubscriptionUpdated)
	p.router.Handle(EventSubscriptionCancelled, p.handleSubscriptionCancelled)
	p.router.Handle(EventPaymentFailed, p.handlePaymentFailed)
	p.router.Handle(EventPaymentSucceeded, p.handlePaymentSucceeded)
	return p
}

// Process handles one delivery. Signature failures return before any
// database work; everything else runs inside a single transaction whose
// rollback restores the world to the pre-delivery state, including the
// would-be idempotency mark, so the provider's retry reruns the handler.
func (p *Processor) Process(ctx context.Context, providerName string, headers http.Header, payload []byte) (*Result, error) {
	deliveryID := uuid.New().String()

	prov, ok := p.registry.Get(providerName)
	if !ok {
		return nil, ErrUnknownProvider
	}
	now := p.clock()

	if err := prov.Verify(headers, payload, now); err != nil {
		log.Warnf("[Billing] delivery %s: %s signature verification failed", deliveryID, prov.Name())
		return nil, err
	}

	ev, err := prov.Parse(headers, payload)
	if err == nil {
		err = validateEvent(ev)
	}
	if err != nil {
		// Unfixable payloads are marked processed with a note so the
		// provider does not redeliver them forever.
		eventID := ""
		eventType := ""
		if ev != nil {
			eventID, eventType = ev.ID, ev.Type
		}
		if eventID == "" {
			sum := sha256.Sum256(payload)
			eventID = "hash:" + hex.EncodeToString(sum[:])
		}
		p.markMalformed(ctx, prov.Name(), eventID, eventType, err)
		if IsMalformedPayload(err) {
			return nil, err
		}
		return nil, &MalformedPayloadError{Provider: prov.Name(), Reason: "unparseable payload", Err: err}
	}

	res := &Result{
		Provider:  ev.Provider,
		EventID:   ev.ID,
		EventType: ev.Type,
		Kind:      ev.Kind,
		Ignored:   ev.Kind == EventIgnored,
	}

	var pending []DomainEvent
	txErr := p.store.Transaction(ctx, func(tx Store) error {
		done, err := tx.HasProcessedEvent(scope.System(), ev.Provider, ev.ID)
		if err != nil {
			return err
		}
		if done {
			res.Duplicate = true
			return nil
		}

		events, err := p.router.Dispatch(tx, ev)
		if err != nil {
			return err
		}
		pending = events

		return tx.MarkEventProcessed(scope.System(), ev.Provider, ev.ID, ev.Type, "")
	})
	if txErr != nil {
		return nil, txErr
	}
	if res.Duplicate {
		log.Infof("[Billing] delivery %s: %s event %s already processed", deliveryID, ev.Provider, ev.ID)
		return res, nil
	}

	res.Processed = true
	p.afterCommit(ev, payload, pending)
	return res, nil
}

// markMalformed records the ledger row for an unprocessable delivery in its
// own small transaction; the handler never ran, so there is nothing else to
// make atomic with it.
func (p *Processor) markMalformed(ctx context.Context, provider, eventID, eventType string, cause error) {
	err := p.store.Transaction(ctx, func(tx Store) error {
		done, err := tx.HasProcessedEvent(scope.System(), provider, eventID)
		if err != nil || done {
			return err
		}
		return tx.MarkEventProcessed(scope.System(), provider, eventID, eventType, cause.Error())
	})
	if err != nil {
		log.Errorf("[Billing] failed to record malformed %s event %s: %v", provider, eventID, err)
	}
}

// afterCommit emits the collected domain events and archives the raw
// payload. Both are at-most-once, fire-and-forget: a failure here never
// rolls back the committed state or fails the webhook response.
func (p *Processor) afterCommit(ev *Event, payload []byte, pending []DomainEvent) {
	if p.notifier != nil && len(pending) > 0 {
		events := pending
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[Billing] domain event emission panicked: %v", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, de := range events {
				if err := p.notifier.Publish(ctx, de); err != nil {
					log.Warnf("[Billing] domain event %s publish failed: %v", de.Name, err)
				}
			}
		}()
	}

	if p.archiver != nil {
		body := append([]byte(nil), payload...)
		provider, eventID := ev.Provider, ev.ID
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[Billing] payload archive panicked: %v", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := p.archiver.Archive(ctx, provider, eventID, body); err != nil {
				log.Warnf("[Billing] payload archive for %s event %s failed: %v", provider, eventID, err)
			}
		}()
	}
}

func (p *Processor) handleCheckoutCompleted(tx Store, ev *Event) ([]DomainEvent, error) {
	data := ev.Checkout
	var events []DomainEvent

	err := scope.WithTenant(data.TenantID, func(sc scope.Scope) error {
		tier, err := tx.TierByProviderPrice(sc, ev.Provider, data.ProviderPriceID)
		if errors.Is(err, ErrNotFound) {
			// Unmapped price: fall back to the free tier rather than
			// rejecting a delivery the provider would retry forever.
			tier, err = tx.FreeTier(sc)
		}
		if err != nil {
			return err
		}

		if data.ProviderCustomerID != "" {
			pc := &models.PaymentCustomer{
				TenantID:           data.TenantID,
				Provider:           ev.Provider,
				ProviderCustomerID: data.ProviderCustomerID,
			}
			if err := tx.UpsertPaymentCustomer(sc, pc); err != nil {
				return err
			}
		}

		sub, err := activateSubscription(tx, sc, data.TenantID, tier, ev.Provider, data, p.clock())
		if err != nil {
			return err
		}

		events = append(events, DomainEvent{
			Name:           DomainSubscriptionCreated,
			Provider:       ev.Provider,
			TenantID:       data.TenantID,
			SubscriptionID: sub.ID,
			TierID:         tier.ID,
			Amount:         data.Amount,
			Currency:       data.Currency,
			Interval:       data.Interval,
			OccurredAt:     p.clock(),
		})
		return nil
	})
	return events, err
}

func (p *Processor) handleSubscriptionUpdated(tx Store, ev *Event) ([]DomainEvent, error) {
	data := ev.Subscription
	prov, _ := p.registry.Get(ev.Provider)

	tenantID, err := p.resolveTenant(tx, ev.Provider, data.ProviderSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		// Subscription created out-of-band; acknowledge without effect.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []DomainEvent
	err = scope.WithTenant(tenantID, func(sc scope.Scope) error {
		sub, err := tx.SubscriptionByProviderID(sc, tenantID, ev.Provider, data.ProviderSubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		status := prov.MapStatus(data.ProviderStatus)
		if status == models.SubscriptionStatusCancelled {
			if !sub.IsActive() {
				return nil
			}
			free, err := downgradeToFree(tx, sc, tenantID, p.clock())
			if err != nil {
				return err
			}
			events = append(events, DomainEvent{
				Name:           DomainSubscriptionCancelled,
				Provider:       ev.Provider,
				TenantID:       tenantID,
				SubscriptionID: sub.ID,
				TierID:         free.TierID,
				OccurredAt:     p.clock(),
			})
			return nil
		}

		// A row that is no longer active has been superseded (or expired);
		// a late out-of-order update must not promote it back to active
		// outside the locked supersession path.
		if !sub.IsActive() {
			return nil
		}

		if data.PeriodEnd != nil {
			end := *data.PeriodEnd
			sub.ExpiresAt = &end
		}
		if data.ProviderPriceID != "" {
			tier, err := tx.TierByProviderPrice(sc, ev.Provider, data.ProviderPriceID)
			if err == nil {
				sub.TierID = tier.ID
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		sub.Status = status
		if err := tx.SaveSubscription(sc, sub); err != nil {
			return err
		}

		events = append(events, DomainEvent{
			Name:           DomainSubscriptionUpdated,
			Provider:       ev.Provider,
			TenantID:       tenantID,
			SubscriptionID: sub.ID,
			TierID:         sub.TierID,
			Interval:       data.Interval,
			OccurredAt:     p.clock(),
		})
		return nil
	})
	return events, err
}

func (p *Processor) handleSubscriptionCancelled(tx Store, ev *Event) ([]DomainEvent, error) {
	data := ev.Subscription

	tenantID, err := p.resolveTenant(tx, ev.Provider, data.ProviderSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []DomainEvent
	err = scope.WithTenant(tenantID, func(sc scope.Scope) error {
		sub, err := tx.SubscriptionByProviderID(sc, tenantID, ev.Provider, data.ProviderSubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !sub.IsActive() {
			return nil
		}

		free, err := downgradeToFree(tx, sc, tenantID, p.clock())
		if err != nil {
			return err
		}
		events = append(events, DomainEvent{
			Name:           DomainSubscriptionCancelled,
			Provider:       ev.Provider,
			TenantID:       tenantID,
			SubscriptionID: sub.ID,
			TierID:         free.TierID,
			OccurredAt:     p.clock(),
		})
		return nil
	})
	return events, err
}

func (p *Processor) handlePaymentFailed(tx Store, ev *Event) ([]DomainEvent, error) {
	data := ev.Payment

	tenantID, err := p.resolveTenantForPayment(tx, ev.Provider, data)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return []DomainEvent{{
		Name:       DomainPaymentFailed,
		Provider:   ev.Provider,
		TenantID:   tenantID,
		Amount:     data.Amount,
		Currency:   data.Currency,
		OccurredAt: p.clock(),
	}}, nil
}

func (p *Processor) handlePaymentSucceeded(tx Store, ev *Event) ([]DomainEvent, error) {
	data := ev.Payment

	tenantID, err := p.resolveTenantForPayment(tx, ev.Provider, data)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []DomainEvent
	err = scope.WithTenant(tenantID, func(sc scope.Scope) error {
		sub, err := tx.SubscriptionByProviderID(sc, tenantID, ev.Provider, data.ProviderSubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if data.PeriodEnd != nil && sub.IsActive() {
			end := *data.PeriodEnd
			sub.ExpiresAt = &end
			if err := tx.SaveSubscription(sc, sub); err != nil {
				return err
			}
		}

		events = append(events, DomainEvent{
			Name:           DomainInvoicePaid,
			Provider:       ev.Provider,
			TenantID:       tenantID,
			SubscriptionID: sub.ID,
			TierID:         sub.TierID,
			Amount:         data.Amount,
			Currency:       data.Currency,
			OccurredAt:     p.clock(),
		})
		return nil
	})
	return events, err
}

// resolveTenant looks up which tenant a provider subscription belongs to.
// Mapping lookups are the only reads performed under the system scope.
func (p *Processor) resolveTenant(tx Store, provider, providerSubscriptionID string) (uint, error) {
	var tenantID uint
	err := scope.WithSystem(func(sc scope.Scope) error {
		id, err := tx.TenantIDForProviderSubscription(sc, provider, providerSubscriptionID)
		tenantID = id
		return err
	})
	return tenantID, err
}

// resolveTenantForPayment resolves by subscription id first, then falls back
// to the customer id. Invoices can reference a subscription the engine never
// saw while the customer mapping from checkout still identifies the tenant.
func (p *Processor) resolveTenantForPayment(tx Store, provider string, data *PaymentData) (uint, error) {
	tenantID, err := p.resolveTenant(tx, provider, data.ProviderSubscriptionID)
	if err == nil || !errors.Is(err, ErrNotFound) || data.ProviderCustomerID == "" {
		return tenantID, err
	}
	err = scope.WithSystem(func(sc scope.Scope) error {
		id, err := tx.TenantIDForProviderCustomer(sc, provider, data.ProviderCustomerID)
		tenantID = id
		return err
	})
	return tenantID, err
}
