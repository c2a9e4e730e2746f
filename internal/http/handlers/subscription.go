package handlers

import (
	"errors"
	"net/http"
	"time"

	"server/internal/domain"
)

// subscriptionView shapes an entitlement for API responses.
func subscriptionView(ent *domain.Entitlement) map[string]any {
	now := time.Now()
	view := map[string]any{
		"plan":                 string(ent.Plan),
		"state":                string(ent.State(now)),
		"provider":             string(ent.Provider),
		"cancel_at_period_end": ent.CancelPending,
		"quota_used":           ent.QuotaUsed,
		"quota_remaining":      ent.QuotaRemaining(now),
	}
	if ent.ExpiresAt != nil {
		view["expires_at"] = ent.ExpiresAt.UTC()
	}
	if ent.PendingPlan != "" {
		view["pending_plan"] = string(ent.PendingPlan)
	}
	return view
}

// SubscriptionStatus reports the caller's current entitlement.
func (a *App) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	ent, err := a.Engine.Status(r.Context(), a.currentUserID(r))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load subscription")
		return
	}
	a.json(w, http.StatusOK, subscriptionView(ent))
}

// SubscriptionCancel flags the caller's plan to lapse at expiry.
func (a *App) SubscriptionCancel(w http.ResponseWriter, r *http.Request) {
	ent, err := a.Engine.Cancel(r.Context(), a.currentUserID(r))
	if err != nil {
		a.subscriptionMutationError(w, err, "cancel")
		return
	}
	a.json(w, http.StatusOK, subscriptionView(ent))
}

// SubscriptionReactivate withdraws a pending cancellation.
func (a *App) SubscriptionReactivate(w http.ResponseWriter, r *http.Request) {
	ent, err := a.Engine.Reactivate(r.Context(), a.currentUserID(r))
	if err != nil {
		a.subscriptionMutationError(w, err, "reactivate")
		return
	}
	a.json(w, http.StatusOK, subscriptionView(ent))
}

func (a *App) subscriptionMutationError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusConflict, "no_active_plan", "no active plan to "+action)
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", "concurrent update, retry")
	default:
		a.Log.Error().Err(err).Str("action", action).Msg("subscription: mutation failed")
		a.error(w, http.StatusInternalServerError, "internal", "subscription update failed")
	}
}
