package handlers

import (
	"errors"
	"net/http"
	"time"

	"server/internal/domain"
)

// QuotaConsume reserves one look-generation unit for the caller. Free
// accounts are capped; paid accounts pass without counting.
func (a *App) QuotaConsume(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	allowed, remaining, err := a.Engine.ConsumeQuota(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			a.error(w, http.StatusConflict, "conflict", "concurrent update, retry")
			return
		}
		a.Log.Error().Err(err).Str("user_id", userID).Msg("quota: consume failed")
		a.error(w, http.StatusInternalServerError, "internal", "quota check failed")
		return
	}
	if !allowed {
		a.error(w, http.StatusForbidden, "quota_exceeded", "free look quota exhausted")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"allowed": true, "remaining": remaining})
}

// QuotaStatus reports remaining quota without consuming any.
func (a *App) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	ent, err := a.Engine.Status(r.Context(), a.currentUserID(r))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load quota")
		return
	}
	now := time.Now()
	a.json(w, http.StatusOK, map[string]any{
		"limit":     domain.FreeLookQuota,
		"used":      ent.QuotaUsed,
		"remaining": ent.QuotaRemaining(now),
		"unlimited": ent.QuotaRemaining(now) == -1,
	})
}
