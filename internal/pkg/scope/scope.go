// Package scope models the authorization context under which a database
// transaction may read or write tenant-scoped rows. Webhook deliveries carry
// no authenticated session, so the processing engine establishes a scope
// explicitly before touching storage.
//
// A Scope is an immutable value threaded through every data-access call.
// It is created inside a transaction closure and dies with it, so it can
// never leak into a different transaction or survive past commit/rollback.
package scope

import (
	"errors"
	"fmt"
)

// ErrScopeViolation is returned by storage calls attempted outside the
// scope they require. It always rolls back the enclosing transaction.
var ErrScopeViolation = errors.New("operation not permitted in current authorization scope")

type kind int

const (
	kindNone kind = iota
	kindSystem
	kindTenant
)

// Scope is an established authorization context. The zero value is an
// unestablished scope that permits nothing.
type Scope struct {
	k        kind
	tenantID uint
}

// System returns the system scope. It carries the minimum privilege needed
// to resolve which tenant an incoming provider identifier belongs to:
// read access to the mapping tables only.
func System() Scope {
	return Scope{k: kindSystem}
}

// ForTenant returns a scope limited to a single tenant's rows.
func ForTenant(tenantID uint) Scope {
	return Scope{k: kindTenant, tenantID: tenantID}
}

// Established reports whether any scope has been set.
func (s Scope) Established() bool {
	return s.k != kindNone
}

// IsSystem reports whether s is the system scope.
func (s Scope) IsSystem() bool {
	return s.k == kindSystem
}

// TenantID returns the tenant the scope is limited to.
func (s Scope) TenantID() (uint, bool) {
	if s.k != kindTenant {
		return 0, false
	}
	return s.tenantID, true
}

// RequireEstablished guards storage calls that need any authorization
// context, such as the idempotency ledger.
func (s Scope) RequireEstablished() error {
	if !s.Established() {
		return ErrScopeViolation
	}
	return nil
}

// RequireSystem guards the provider-id to tenant mapping lookups.
func (s Scope) RequireSystem() error {
	if s.k != kindSystem {
		return ErrScopeViolation
	}
	return nil
}

// RequireTenant guards reads and writes of rows owned by tenantID.
func (s Scope) RequireTenant(tenantID uint) error {
	if s.k != kindTenant || s.tenantID != tenantID || tenantID == 0 {
		return ErrScopeViolation
	}
	return nil
}

func (s Scope) String() string {
	switch s.k {
	case kindSystem:
		return "system"
	case kindTenant:
		return fmt.Sprintf("tenant(%d)", s.tenantID)
	default:
		return "none"
	}
}

// WithSystem runs fn under the system scope.
func WithSystem(fn func(Scope) error) error {
	return fn(System())
}

// WithTenant runs fn under a tenant scope. A zero tenant id is refused so a
// missing lookup can never silently widen into an all-tenant scope.
func WithTenant(tenantID uint, fn func(Scope) error) error {
	if tenantID == 0 {
		return ErrScopeViolation
	}
	return fn(ForTenant(tenantID))
}
