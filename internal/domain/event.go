package domain

import (
	"context"
	"time"
)

// EventKind is the internal vocabulary every provider event is mapped onto.
type EventKind string

const (
	EventActivated           EventKind = "activated"
	EventRenewed             EventKind = "renewed"
	EventExpiringSoon        EventKind = "expiring_soon"
	EventRevoked             EventKind = "revoked"
	EventPaymentFailed       EventKind = "payment_failed"
	EventCanceledAtPeriodEnd EventKind = "canceled_at_period_end"
	EventReactivated         EventKind = "reactivated"
)

// AccountRef locates the account an event belongs to. Providers do not know
// internal account ids, so most events resolve through linkage identifiers;
// user-initiated flows carry the account id directly.
type AccountRef struct {
	AccountID            string
	StripeCustomerID     string
	StripeSubscriptionID string
	PlayPurchaseToken    string
}

// IsZero reports whether the ref carries no identifier at all.
func (r AccountRef) IsZero() bool {
	return r.AccountID == "" && r.StripeCustomerID == "" && r.StripeSubscriptionID == "" && r.PlayPurchaseToken == ""
}

// Event is a provider-agnostic description of an entitlement change.
type Event struct {
	// ID deduplicates redeliveries; unique per provider (Stripe event id,
	// Play message id, or a generated uuid for synthetic events).
	ID       string
	Kind     EventKind
	Provider Provider
	Ref      AccountRef

	// Plan derived from provider product/price metadata; empty when the
	// provider payload carries no usable hint.
	Plan Plan

	// NewExpiry is the entitlement end the provider vouches for. Nil for
	// kinds that do not extend access.
	NewExpiry *time.Time

	// Optimistic marks an expiry computed locally because the provider was
	// unreachable; the stored record keeps the flag so a later successful
	// verification can correct it.
	Optimistic bool

	// Linkage identifiers to persist on activation.
	StripePaymentIntentID string
	PlayProductID         string

	OccurredAt time.Time
}

// PurchaseProof is what a client submits after completing a purchase.
type PurchaseProof struct {
	Plan            Plan
	PaymentIntentID string // Stripe payment intent
	ProductID       string // Play subscription product
	PurchaseToken   string // Play purchase token
}

// PushRequest is a raw server-to-server notification as received on a
// webhook endpoint.
type PushRequest struct {
	Body      []byte
	Signature string
}

// ProviderAdapter translates one payment provider's event and polling model
// into normalized events. Both methods return a nil event without error for
// payloads that are understood but intentionally produce no transition
// ("still pending" confirmations, grace-period notifications).
type ProviderAdapter interface {
	VerifyAndActivate(ctx context.Context, accountID string, proof PurchaseProof) (*Event, error)
	OnPushNotification(ctx context.Context, push PushRequest) (*Event, error)
}
