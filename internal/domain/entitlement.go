package domain

import "time"

// Plan enumerates billing plans. Paid plans differ only in duration and price.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanMonthly    Plan = "monthly"
	PlanSemiannual Plan = "semiannual"
	PlanAnnual     Plan = "annual"
)

// FreeLookQuota is the number of looks a free account may generate.
const FreeLookQuota = 5

// PendingPaymentWindow bounds how long an unconfirmed checkout may keep its
// pending marker before reads normalize the account back to a clean free state.
const PendingPaymentWindow = 24 * time.Hour

// ParsePlan validates a plan identifier.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanFree, PlanMonthly, PlanSemiannual, PlanAnnual:
		return Plan(s), true
	}
	return "", false
}

// IsPaid reports whether the plan grants premium access.
func (p Plan) IsPaid() bool {
	return p == PlanMonthly || p == PlanSemiannual || p == PlanAnnual
}

// BaseDuration returns the locally-computed validity window for the plan,
// used when the provider's authoritative expiry is not available.
func (p Plan) BaseDuration() time.Duration {
	switch p {
	case PlanMonthly:
		return 30 * 24 * time.Hour
	case PlanSemiannual:
		return 180 * 24 * time.Hour
	case PlanAnnual:
		return 365 * 24 * time.Hour
	}
	return 0
}

// Provider identifies which payment source currently backs an entitlement.
type Provider string

const (
	ProviderNone       Provider = "none"
	ProviderStripe     Provider = "stripe"
	ProviderGooglePlay Provider = "google_play"
	ProviderManual     Provider = "manual"
)

// State is the reconciliation state derived from a stored entitlement.
type State string

const (
	StateFree           State = "free"
	StatePendingPayment State = "pending_payment"
	StateActive         State = "active"
	StateCancelPending  State = "cancel_pending"
	StateExpired        State = "expired"
)

// Entitlement is the durable record of one account's premium access.
// It is created implicitly with the free plan and never deleted, only
// driven back to free.
type Entitlement struct {
	AccountID string

	Plan      Plan
	ExpiresAt *time.Time
	Provider  Provider

	// Provider linkage. At most one provider's identifiers are authoritative
	// at a time; switching providers clears the other set.
	StripeCustomerID      string
	StripeSubscriptionID  string
	StripePaymentIntentID string
	PlayPurchaseToken     string
	PlayProductID         string

	// Checkout initiated but not yet confirmed.
	PendingPlan  Plan
	PendingSince *time.Time

	CancelPending bool

	// OptimisticExpiry marks an expiry computed locally because the provider
	// could not be reached; it must be corrected on the next successful sync.
	OptimisticExpiry bool

	QuotaUsed int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State derives the reconciliation state at the given instant.
func (e *Entitlement) State(now time.Time) State {
	if e.Plan.IsPaid() {
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			return StateExpired
		}
		if e.CancelPending {
			return StateCancelPending
		}
		return StateActive
	}
	if e.PendingPlan != "" && e.PendingSince != nil && now.Sub(*e.PendingSince) < PendingPaymentWindow {
		return StatePendingPayment
	}
	return StateFree
}

// QuotaRemaining returns how many free looks are left. Paid accounts are
// not quota-limited and report -1.
func (e *Entitlement) QuotaRemaining(now time.Time) int {
	switch e.State(now) {
	case StateActive, StateCancelPending:
		return -1
	}
	remaining := FreeLookQuota - e.QuotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
