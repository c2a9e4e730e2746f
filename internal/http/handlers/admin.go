package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"server/internal/domain"
	"server/internal/middleware"
)

type activatePlanRequest struct {
	AccountID    string `json:"account_id"`
	Plan         string `json:"plan"`
	DurationDays int    `json:"duration_days"`
}

// AdminActivatePlan grants a plan without provider verification. Support
// tooling only; every use is logged with the operator identity.
func (a *App) AdminActivatePlan(w http.ResponseWriter, r *http.Request) {
	var req activatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.AccountID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "account_id required")
		return
	}
	plan, ok := domain.ParsePlan(req.Plan)
	if !ok || !plan.IsPaid() {
		a.error(w, http.StatusBadRequest, "unsupported_plan", "unknown or free plan")
		return
	}

	operator := middleware.UserIDFromContext(r.Context())
	ent, err := a.Engine.ForceActivate(r.Context(), req.AccountID, plan, req.DurationDays, operator)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnsupportedPlan):
			a.error(w, http.StatusBadRequest, "unsupported_plan", "plan cannot be granted")
		case errors.Is(err, domain.ErrConflict):
			a.error(w, http.StatusConflict, "conflict", "concurrent update, retry")
		default:
			a.Log.Error().Err(err).Str("account_id", req.AccountID).Msg("admin: manual activation failed")
			a.error(w, http.StatusInternalServerError, "internal", "activation failed")
		}
		return
	}
	a.json(w, http.StatusOK, subscriptionView(ent))
}
