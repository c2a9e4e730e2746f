package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// casRetries bounds how often a transition is recomputed against fresh state
// after losing a compare-and-swap race. Concurrent events for the same
// account are rare; exhausting the budget surfaces ErrConflict to that
// caller only.
const casRetries = 3

// Engine is the reconciliation core. It applies normalized entitlement
// events, quota consumption, and expiry checks to the store under per-account
// optimistic concurrency. Provider network calls never happen while a write
// is in flight; only the final compare-and-swap is synchronized.
type Engine struct {
	store     domain.EntitlementRepository
	seen      domain.SeenSet
	verifiers map[domain.Provider]domain.ProviderAdapter
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates the reconciliation engine.
func NewEngine(store domain.EntitlementRepository, seen domain.SeenSet, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		seen:      seen,
		verifiers: make(map[domain.Provider]domain.ProviderAdapter),
		log:       log,
		now:       time.Now,
	}
}

// RegisterVerifier makes a provider adapter available for optimistic-expiry
// re-verification during sweeps.
func (e *Engine) RegisterVerifier(provider domain.Provider, adapter domain.ProviderAdapter) {
	e.verifiers[provider] = adapter
}

// Apply runs one normalized event through the state machine. The returned
// record is the post-transition state; a nil record with nil error means the
// event was a duplicate or deliberately produced no transition.
func (e *Engine) Apply(ctx context.Context, ev *domain.Event) (*domain.Entitlement, error) {
	if ev == nil || ev.Kind == "" {
		return nil, fmt.Errorf("%w: empty event", domain.ErrInvalidEvent)
	}

	if ev.ID != "" {
		dup, err := e.seen.Seen(ctx, ev.Provider, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
		if dup {
			e.log.Info().Str("event", ev.ID).Str("provider", string(ev.Provider)).Msg("reconcile: duplicate event dropped")
			return nil, nil
		}
	}

	ent, err := e.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		next := *ent
		changed := e.transition(&next, ev)
		if !changed {
			// No observable change; still mark the event so a redelivery
			// does not reprocess it.
			break
		}

		err := e.store.CompareAndSwap(ctx, &next)
		if err == nil {
			e.logTransition(ent, &next, ev)
			ent = &next
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		if attempt+1 >= casRetries {
			return nil, fmt.Errorf("%w: account %s", domain.ErrConflict, ent.AccountID)
		}
		if ent, err = e.store.Get(ctx, ent.AccountID); err != nil {
			return nil, err
		}
	}

	if ev.ID != "" {
		if err := e.seen.Mark(ctx, ev.Provider, ev.ID); err != nil {
			// The transition is already durable; a failed mark only risks a
			// redundant redelivery, which the stale checks absorb.
			e.log.Warn().Err(err).Str("event", ev.ID).Msg("reconcile: failed to mark event seen")
		}
	}
	return ent, nil
}

func (e *Engine) resolve(ctx context.Context, ev *domain.Event) (*domain.Entitlement, error) {
	if ev.Ref.AccountID != "" {
		return e.store.GetOrCreate(ctx, ev.Ref.AccountID)
	}
	ent, err := e.store.FindByRef(ctx, ev.Ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no account for event %s", domain.ErrNotFound, ev.ID)
		}
		return nil, err
	}
	return ent, nil
}

// transition computes the next state in place and reports whether anything
// observable changed. It is pure apart from the clock.
func (e *Engine) transition(ent *domain.Entitlement, ev *domain.Event) bool {
	now := e.now()
	// Normalize first so decisions see Expired as Free, per the lazy
	// self-heal discipline.
	changed := normalize(ent, now)

	switch ev.Kind {
	case domain.EventActivated:
		return e.applyActivation(ent, ev, now) || changed

	case domain.EventRenewed:
		return e.applyRenewal(ent, ev, now) || changed

	case domain.EventReactivated:
		if !sameLinkage(ent, ev) {
			return changed
		}
		if ent.CancelPending {
			ent.CancelPending = false
			changed = true
		}
		if newer(ev.NewExpiry, ent.ExpiresAt) {
			ent.ExpiresAt = ev.NewExpiry
			ent.OptimisticExpiry = ev.Optimistic
			changed = true
		}
		return changed

	case domain.EventCanceledAtPeriodEnd:
		if !sameLinkage(ent, ev) || !ent.Plan.IsPaid() {
			return changed
		}
		if !ent.CancelPending {
			ent.CancelPending = true
			changed = true
		}
		return changed

	case domain.EventRevoked:
		if !sameLinkage(ent, ev) {
			// A stale linkage may still deliver terminal events after the
			// account switched providers; those lost their authority.
			return changed
		}
		return revoke(ent) || changed

	case domain.EventPaymentFailed:
		// Informational: the provider's dunning will emit a terminal event
		// if every retry fails.
		e.log.Info().
			Str("account_id", ent.AccountID).
			Str("provider", string(ev.Provider)).
			Msg("reconcile: payment failure reported, no transition")
		return changed

	case domain.EventExpiringSoon:
		return changed
	}

	e.log.Warn().Str("kind", string(ev.Kind)).Msg("reconcile: unknown event kind ignored")
	return changed
}

func (e *Engine) applyActivation(ent *domain.Entitlement, ev *domain.Event, now time.Time) bool {
	plan := ev.Plan
	if plan == "" {
		plan = ent.PendingPlan
	}
	if !plan.IsPaid() {
		e.log.Warn().Str("account_id", ent.AccountID).Msg("reconcile: activation without a usable plan ignored")
		return false
	}

	expiry := ev.NewExpiry
	if expiry == nil {
		t := now.Add(plan.BaseDuration())
		expiry = &t
	}
	if ent.Plan.IsPaid() && ent.Provider == ev.Provider && !newer(expiry, ent.ExpiresAt) {
		// Replayed activation for a window we already hold.
		return false
	}

	ent.Plan = plan
	ent.ExpiresAt = expiry
	ent.Provider = ev.Provider
	ent.CancelPending = false
	ent.OptimisticExpiry = ev.Optimistic
	ent.PendingPlan = ""
	ent.PendingSince = nil
	ent.QuotaUsed = 0
	setLinkage(ent, ev)
	return true
}

func (e *Engine) applyRenewal(ent *domain.Entitlement, ev *domain.Event, now time.Time) bool {
	if !sameLinkage(ent, ev) {
		return false
	}

	if !ent.Plan.IsPaid() {
		// A renewal can resurrect a lapsed account the sweeper already
		// downgraded, provided the event tells us which plan it pays for.
		plan := ev.Plan
		if plan == "" {
			plan = ent.PendingPlan
		}
		if !plan.IsPaid() || ev.NewExpiry == nil || !ev.NewExpiry.After(now) {
			e.log.Warn().Str("account_id", ent.AccountID).Msg("reconcile: renewal for free account ignored")
			return false
		}
		activation := *ev
		activation.Plan = plan
		return e.applyActivation(ent, &activation, now)
	}

	if !newer(ev.NewExpiry, ent.ExpiresAt) {
		// Stale or duplicate renewal delivered out of order.
		return false
	}

	ent.ExpiresAt = ev.NewExpiry
	ent.OptimisticExpiry = ev.Optimistic
	if ev.Plan.IsPaid() {
		ent.Plan = ev.Plan
	}
	ent.QuotaUsed = 0
	setLinkage(ent, ev)
	return true
}

// StartCheckout marks the account as awaiting payment confirmation for a
// plan. The marker expires after the pending-payment window so abandoned
// checkouts do not accumulate.
func (e *Engine) StartCheckout(ctx context.Context, accountID string, plan domain.Plan, paymentIntentID string) (*domain.Entitlement, error) {
	if !plan.IsPaid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlan, plan)
	}
	return e.mutate(ctx, accountID, func(ent *domain.Entitlement) (bool, error) {
		now := e.now()
		ent.PendingPlan = plan
		ent.PendingSince = &now
		if paymentIntentID != "" {
			ent.StripePaymentIntentID = paymentIntentID
		}
		return true, nil
	})
}

// Cancel flags an active entitlement to lapse at its expiry. Access is not
// reduced before then.
func (e *Engine) Cancel(ctx context.Context, accountID string) (*domain.Entitlement, error) {
	return e.mutate(ctx, accountID, func(ent *domain.Entitlement) (bool, error) {
		if !ent.Plan.IsPaid() {
			return false, fmt.Errorf("%w: no active plan to cancel", domain.ErrNotFound)
		}
		if ent.CancelPending {
			return false, nil
		}
		ent.CancelPending = true
		return true, nil
	})
}

// Reactivate clears a pending cancellation while access is still live.
func (e *Engine) Reactivate(ctx context.Context, accountID string) (*domain.Entitlement, error) {
	return e.mutate(ctx, accountID, func(ent *domain.Entitlement) (bool, error) {
		if !ent.Plan.IsPaid() {
			return false, fmt.Errorf("%w: no active plan to reactivate", domain.ErrNotFound)
		}
		if !ent.CancelPending {
			return false, nil
		}
		ent.CancelPending = false
		return true, nil
	})
}

// ForceActivate injects a synthetic activation bypassing provider
// verification. It runs through the same transition as any other activation
// so every invariant (quota reset, compare-and-swap) holds, and is logged
// distinctly for audit.
func (e *Engine) ForceActivate(ctx context.Context, accountID string, plan domain.Plan, durationDays int, operator string) (*domain.Entitlement, error) {
	if !plan.IsPaid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlan, plan)
	}
	if durationDays <= 0 {
		durationDays = int(plan.BaseDuration().Hours() / 24)
	}
	expiry := e.now().Add(time.Duration(durationDays) * 24 * time.Hour)

	ev := &domain.Event{
		ID:         "manual_" + uuid.NewString(),
		Kind:       domain.EventActivated,
		Provider:   domain.ProviderManual,
		Ref:        domain.AccountRef{AccountID: accountID},
		Plan:       plan,
		NewExpiry:  &expiry,
		OccurredAt: e.now(),
	}

	e.log.Warn().
		Str("account_id", accountID).
		Str("plan", string(plan)).
		Str("operator", operator).
		Time("expires_at", expiry).
		Msg("reconcile: manual activation override")

	return e.Apply(ctx, ev)
}

// Status returns the current entitlement, lazily healing an expired paid
// plan or a stale checkout marker at read time.
func (e *Engine) Status(ctx context.Context, accountID string) (*domain.Entitlement, error) {
	ent, err := e.store.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !normalize(ent, e.now()) {
		return ent, nil
	}
	if err := e.store.CompareAndSwap(ctx, ent); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Someone else moved the record; their state is at least as fresh.
			return e.store.Get(ctx, accountID)
		}
		return nil, err
	}
	return ent, nil
}

// ConsumeQuota is the gate for the look-generation collaborator: it reports
// whether one more look may be generated and consumes one unit of free-tier
// quota when it is the limiting factor. Paid accounts pass without counting.
func (e *Engine) ConsumeQuota(ctx context.Context, accountID string) (bool, int, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		ent, err := e.store.GetOrCreate(ctx, accountID)
		if err != nil {
			return false, 0, err
		}
		now := e.now()
		healed := normalize(ent, now)

		switch ent.State(now) {
		case domain.StateActive, domain.StateCancelPending:
			return true, -1, nil
		}

		if ent.QuotaUsed >= domain.FreeLookQuota {
			if healed {
				// Persist the downgrade opportunistically; denial stands
				// regardless of the write outcome.
				if err := e.store.CompareAndSwap(ctx, ent); err != nil && !errors.Is(err, domain.ErrConflict) {
					return false, 0, err
				}
			}
			return false, 0, nil
		}

		ent.QuotaUsed++
		err = e.store.CompareAndSwap(ctx, ent)
		if err == nil {
			return true, domain.FreeLookQuota - ent.QuotaUsed, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return false, 0, err
		}
	}
	return false, 0, fmt.Errorf("%w: quota increment for account %s", domain.ErrConflict, accountID)
}

// mutate is the shared read-modify-CAS loop for user-initiated transitions.
func (e *Engine) mutate(ctx context.Context, accountID string, fn func(*domain.Entitlement) (bool, error)) (*domain.Entitlement, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		ent, err := e.store.GetOrCreate(ctx, accountID)
		if err != nil {
			return nil, err
		}
		healed := normalize(ent, e.now())
		changed, err := fn(ent)
		if err != nil {
			return nil, err
		}
		if !changed && !healed {
			return ent, nil
		}
		err = e.store.CompareAndSwap(ctx, ent)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: account %s", domain.ErrConflict, accountID)
}

func (e *Engine) logTransition(before, after *domain.Entitlement, ev *domain.Event) {
	e.log.Info().
		Str("account_id", after.AccountID).
		Str("event", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("provider", string(ev.Provider)).
		Str("plan_before", string(before.Plan)).
		Str("plan_after", string(after.Plan)).
		Msg("reconcile: transition applied")
}

// normalize applies the lazy self-heal rules: an expired paid plan reads
// back as free, and a checkout marker past its window is cleared. Reports
// whether the record changed.
func normalize(ent *domain.Entitlement, now time.Time) bool {
	changed := false
	if ent.Plan.IsPaid() && ent.ExpiresAt != nil && !ent.ExpiresAt.After(now) {
		// Downgrade keeps the provider linkage so a late renewal can still
		// resolve and resurrect the account; quota is deliberately left at
		// its pre-expiry value.
		ent.Plan = domain.PlanFree
		ent.ExpiresAt = nil
		ent.CancelPending = false
		ent.OptimisticExpiry = false
		changed = true
	}
	if ent.PendingPlan != "" && ent.PendingSince != nil && now.Sub(*ent.PendingSince) >= domain.PendingPaymentWindow {
		ent.PendingPlan = ""
		ent.PendingSince = nil
		changed = true
	}
	return changed
}

func revoke(ent *domain.Entitlement) bool {
	if !ent.Plan.IsPaid() && ent.Provider == domain.ProviderNone {
		return false
	}
	ent.Plan = domain.PlanFree
	ent.ExpiresAt = nil
	ent.Provider = domain.ProviderNone
	ent.StripeCustomerID = ""
	ent.StripeSubscriptionID = ""
	ent.StripePaymentIntentID = ""
	ent.PlayPurchaseToken = ""
	ent.PlayProductID = ""
	ent.PendingPlan = ""
	ent.PendingSince = nil
	ent.CancelPending = false
	ent.OptimisticExpiry = false
	// QuotaUsed intentionally untouched: revocation keeps the soft penalty.
	return true
}

// sameLinkage reports whether the event speaks for the provider linkage the
// record currently trusts. Events from a provider the account is not (or no
// longer) linked to have no authority.
func sameLinkage(ent *domain.Entitlement, ev *domain.Event) bool {
	if ent.Provider == domain.ProviderNone {
		// Nothing authoritative yet: accept the provider that can prove a
		// linkage identifier we know about, or any provider for an account
		// resolved by id.
		return ev.Ref.AccountID != "" || linkageMatches(ent, ev)
	}
	if ent.Provider != ev.Provider {
		return false
	}
	return true
}

func linkageMatches(ent *domain.Entitlement, ev *domain.Event) bool {
	switch {
	case ev.Ref.StripeSubscriptionID != "" && ev.Ref.StripeSubscriptionID == ent.StripeSubscriptionID:
		return true
	case ev.Ref.StripeCustomerID != "" && ev.Ref.StripeCustomerID == ent.StripeCustomerID:
		return true
	case ev.Ref.PlayPurchaseToken != "" && ev.Ref.PlayPurchaseToken == ent.PlayPurchaseToken:
		return true
	}
	return false
}

func setLinkage(ent *domain.Entitlement, ev *domain.Event) {
	switch ev.Provider {
	case domain.ProviderStripe:
		ent.PlayPurchaseToken = ""
		ent.PlayProductID = ""
		if ev.Ref.StripeCustomerID != "" {
			ent.StripeCustomerID = ev.Ref.StripeCustomerID
		}
		if ev.Ref.StripeSubscriptionID != "" {
			ent.StripeSubscriptionID = ev.Ref.StripeSubscriptionID
		}
		if ev.StripePaymentIntentID != "" {
			ent.StripePaymentIntentID = ev.StripePaymentIntentID
		}
	case domain.ProviderGooglePlay:
		ent.StripeCustomerID = ""
		ent.StripeSubscriptionID = ""
		ent.StripePaymentIntentID = ""
		if ev.Ref.PlayPurchaseToken != "" {
			ent.PlayPurchaseToken = ev.Ref.PlayPurchaseToken
		}
		if ev.PlayProductID != "" {
			ent.PlayProductID = ev.PlayProductID
		}
	case domain.ProviderManual:
		ent.StripeCustomerID = ""
		ent.StripeSubscriptionID = ""
		ent.StripePaymentIntentID = ""
		ent.PlayPurchaseToken = ""
		ent.PlayProductID = ""
	}
}

// newer reports whether candidate extends past current. A nil current always
// loses; a nil candidate never wins.
func newer(candidate, current *time.Time) bool {
	if candidate == nil {
		return false
	}
	if current == nil {
		return true
	}
	return candidate.After(*current)
}
