package domain

import (
	"context"
	"time"
)

// EntitlementRepository is the durable store for entitlement records. All
// writes go through CompareAndSwap keyed on the record version so concurrent
// transitions for the same account cannot lose updates.
type EntitlementRepository interface {
	Get(ctx context.Context, accountID string) (*Entitlement, error)
	// GetOrCreate returns the record, creating the implicit free-plan row on
	// first contact with an account.
	GetOrCreate(ctx context.Context, accountID string) (*Entitlement, error)
	// FindByRef resolves a provider-linkage reference to the stored record.
	FindByRef(ctx context.Context, ref AccountRef) (*Entitlement, error)
	// CompareAndSwap persists ent if the stored version still equals
	// ent.Version, bumping the version on success. Returns ErrConflict when
	// another writer got there first.
	CompareAndSwap(ctx context.Context, ent *Entitlement) error
	// ListExpired returns paid records whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Entitlement, error)
	// ListStalePending returns records whose checkout marker outlived the
	// pending-payment window.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Entitlement, error)
	// ListOptimistic returns records activated with a locally-computed expiry
	// that still await provider confirmation.
	ListOptimistic(ctx context.Context, limit int) ([]Entitlement, error)
}

// PlanCatalogEntry describes a purchasable plan as shown to clients.
type PlanCatalogEntry struct {
	Plan          Plan
	Name          string
	PriceCentavos int64
	DurationDays  int
	StripePriceID string
	PlayProductID string
}

// PlanRepository serves the plan catalog.
type PlanRepository interface {
	List(ctx context.Context) ([]PlanCatalogEntry, error)
	Get(ctx context.Context, plan Plan) (*PlanCatalogEntry, error)
}

// SeenSet is the short-lived idempotency filter keyed by (provider, event id).
// Exact-once delivery is not required, only no-double-apply within the
// provider's redelivery window.
type SeenSet interface {
	Seen(ctx context.Context, provider Provider, eventID string) (bool, error)
	Mark(ctx context.Context, provider Provider, eventID string) error
}
