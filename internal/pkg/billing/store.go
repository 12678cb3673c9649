package billing

import (
	"context"
	"time"

	"github.com/hookbill/hookbill/app/models"
	"github.com/hookbill/hookbill/internal/pkg/scope"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound aliases the storage-level not-found error so callers outside
// this package do not need to import gorm for errors.Is checks.
var ErrNotFound = gorm.ErrRecordNotFound

// Store provides the storage operations the webhook engine needs. Every
// call takes the authorization scope it runs under; implementations must
// refuse calls whose scope does not cover the rows being touched.
type Store interface {
	// Transaction runs fn against a store bound to one database
	// transaction, committing when fn returns nil and rolling back
	// otherwise.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Idempotency ledger. Requires any established scope.
	HasProcessedEvent(sc scope.Scope, provider, eventID string) (bool, error)
	MarkEventProcessed(sc scope.Scope, provider, eventID, eventType, note string) error

	// Provider-id to tenant mapping lookups. System scope only.
	TenantIDForProviderSubscription(sc scope.Scope, provider, providerSubscriptionID string) (uint, error)
	TenantIDForProviderCustomer(sc scope.Scope, provider, providerCustomerID string) (uint, error)

	// Read-only catalog. Requires any established scope.
	TierByProviderPrice(sc scope.Scope, provider, providerPriceID string) (*models.Tier, error)
	FreeTier(sc scope.Scope) (*models.Tier, error)

	// Tenant-owned rows. Tenant scope matching the row's tenant only.
	UpsertPaymentCustomer(sc scope.Scope, pc *models.PaymentCustomer) error
	PaymentCustomerByTenant(sc scope.Scope, tenantID uint, provider string) (*models.PaymentCustomer, error)
	ActiveSubscription(sc scope.Scope, tenantID uint) (*models.Subscription, error)
	ActiveSubscriptionsForUpdate(sc scope.Scope, tenantID uint) ([]models.Subscription, error)
	CancelSubscriptions(sc scope.Scope, tenantID uint, ids []uint) error
	CreateSubscription(sc scope.Scope, sub *models.Subscription) error
	SaveSubscription(sc scope.Scope, sub *models.Subscription) error
	SubscriptionByProviderID(sc scope.Scope, tenantID uint, provider, providerSubscriptionID string) (*models.Subscription, error)

	// Bulk date-based expiry used by the scheduled sweep. System scope.
	ExpireDueSubscriptions(sc scope.Scope, now time.Time) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a billing store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func (s *gormStore) HasProcessedEvent(sc scope.Scope, provider, eventID string) (bool, error) {
	if err := sc.RequireEstablished(); err != nil {
		return false, err
	}
	var count int64
	err := s.db.Model(&models.ProcessedWebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Count(&count).Error
	return count > 0, err
}

func (s *gormStore) MarkEventProcessed(sc scope.Scope, provider, eventID, eventType, note string) error {
	if err := sc.RequireEstablished(); err != nil {
		return err
	}
	return s.db.Create(&models.ProcessedWebhookEvent{
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		Note:      note,
	}).Error
}

func (s *gormStore) TenantIDForProviderSubscription(sc scope.Scope, provider, providerSubscriptionID string) (uint, error) {
	if err := sc.RequireSystem(); err != nil {
		return 0, err
	}
	var sub models.Subscription
	err := s.db.Select("tenant_id").
		Where("provider_name = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return 0, err
	}
	return sub.TenantID, nil
}

func (s *gormStore) TenantIDForProviderCustomer(sc scope.Scope, provider, providerCustomerID string) (uint, error) {
	if err := sc.RequireSystem(); err != nil {
		return 0, err
	}
	var pc models.PaymentCustomer
	err := s.db.Select("tenant_id").
		Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).
		First(&pc).Error
	if err != nil {
		return 0, err
	}
	return pc.TenantID, nil
}

func (s *gormStore) TierByProviderPrice(sc scope.Scope, provider, providerPriceID string) (*models.Tier, error) {
	if err := sc.RequireEstablished(); err != nil {
		return nil, err
	}
	var price models.Price
	err := s.db.Where("provider = ? AND provider_price_id = ? AND is_active = ?", provider, providerPriceID, true).
		First(&price).Error
	if err != nil {
		return nil, err
	}
	var tier models.Tier
	if err := s.db.First(&tier, price.TierID).Error; err != nil {
		return nil, err
	}
	return &tier, nil
}

func (s *gormStore) FreeTier(sc scope.Scope) (*models.Tier, error) {
	if err := sc.RequireEstablished(); err != nil {
		return nil, err
	}
	return models.GetFreeTier(s.db)
}

func (s *gormStore) UpsertPaymentCustomer(sc scope.Scope, pc *models.PaymentCustomer) error {
	if err := sc.RequireTenant(pc.TenantID); err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_customer_id",
			"updated_at",
		}),
	}).Create(pc).Error
}

func (s *gormStore) PaymentCustomerByTenant(sc scope.Scope, tenantID uint, provider string) (*models.PaymentCustomer, error) {
	if err := sc.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	var pc models.PaymentCustomer
	err := s.db.Where("tenant_id = ? AND provider = ?", tenantID, provider).
		First(&pc).Error
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (s *gormStore) ActiveSubscription(sc scope.Scope, tenantID uint) (*models.Subscription, error) {
	if err := sc.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	var sub models.Subscription
	err := s.db.Where("tenant_id = ? AND status = ?", tenantID, models.SubscriptionStatusActive).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ActiveSubscriptionsForUpdate takes row-level locks on the tenant's active
// subscriptions. The cancel-then-insert supersession sequence runs behind
// these locks so two racing deliveries for the same tenant serialize instead
// of both observing zero active rows.
func (s *gormStore) ActiveSubscriptionsForUpdate(sc scope.Scope, tenantID uint) ([]models.Subscription, error) {
	if err := sc.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	var subs []models.Subscription
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND status = ?", tenantID, models.SubscriptionStatusActive).
		Find(&subs).Error
	return subs, err
}

func (s *gormStore) CancelSubscriptions(sc scope.Scope, tenantID uint, ids []uint) error {
	if err := sc.RequireTenant(tenantID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return s.db.Model(&models.Subscription{}).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Update("status", models.SubscriptionStatusCancelled).Error
}

func (s *gormStore) CreateSubscription(sc scope.Scope, sub *models.Subscription) error {
	if err := sc.RequireTenant(sub.TenantID); err != nil {
		return err
	}
	return s.db.Create(sub).Error
}

func (s *gormStore) SaveSubscription(sc scope.Scope, sub *models.Subscription) error {
	if err := sc.RequireTenant(sub.TenantID); err != nil {
		return err
	}
	return s.db.Save(sub).Error
}

func (s *gormStore) SubscriptionByProviderID(sc scope.Scope, tenantID uint, provider, providerSubscriptionID string) (*models.Subscription, error) {
	if err := sc.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	var sub models.Subscription
	err := s.db.Where("tenant_id = ? AND provider_name = ? AND provider_subscription_id = ?",
		tenantID, provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) ExpireDueSubscriptions(sc scope.Scope, now time.Time) (int64, error) {
	if err := sc.RequireSystem(); err != nil {
		return 0, err
	}
	res := s.db.Model(&models.Subscription{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.SubscriptionStatusActive, now).
		Update("status", models.SubscriptionStatusExpired)
	return res.RowsAffected, res.Error
}
