package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"server/internal/domain"
)

type checkoutRequest struct {
	Plan string `json:"plan"`
}

// BillingCheckout opens a Stripe payment intent for a plan and marks the
// account as awaiting confirmation.
func (a *App) BillingCheckout(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	plan, ok := domain.ParsePlan(req.Plan)
	if !ok || !plan.IsPaid() {
		a.error(w, http.StatusBadRequest, "unsupported_plan", "unknown or free plan")
		return
	}

	entry, err := a.Plans.Get(r.Context(), plan)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusBadRequest, "unsupported_plan", "plan not for sale")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load plan")
		return
	}

	intentID, clientSecret, err := a.Stripe.CreatePaymentIntent(r.Context(), userID, *entry)
	if err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("billing: payment intent creation failed")
		a.error(w, http.StatusBadGateway, "provider_unavailable", "payment provider unavailable")
		return
	}

	if _, err := a.Engine.StartCheckout(r.Context(), userID, plan, intentID); err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("billing: failed to record pending checkout")
		a.error(w, http.StatusInternalServerError, "internal", "failed to start checkout")
		return
	}

	a.json(w, http.StatusCreated, map[string]string{
		"payment_intent_id": intentID,
		"client_secret":     clientSecret,
		"plan":              string(plan),
	})
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Plan            string `json:"plan"`
}

// BillingConfirmPayment verifies a Stripe payment intent the client reports
// as complete and activates the entitlement on success.
func (a *App) BillingConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.PaymentIntentID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "payment_intent_id required")
		return
	}

	proof := domain.PurchaseProof{PaymentIntentID: req.PaymentIntentID}
	if plan, ok := domain.ParsePlan(req.Plan); ok {
		proof.Plan = plan
	}
	a.verifyPurchase(w, r, domain.ProviderStripe, proof)
}

type verifyPurchaseRequest struct {
	ProductID     string `json:"product_id"`
	PurchaseToken string `json:"purchase_token"`
	Plan          string `json:"plan"`
}

// BillingVerifyPurchase validates a Google Play purchase token submitted by
// the app after an in-app purchase.
func (a *App) BillingVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	var req verifyPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.ProductID == "" || req.PurchaseToken == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "product_id and purchase_token required")
		return
	}

	proof := domain.PurchaseProof{ProductID: req.ProductID, PurchaseToken: req.PurchaseToken}
	if plan, ok := domain.ParsePlan(req.Plan); ok {
		proof.Plan = plan
	}
	a.verifyPurchase(w, r, domain.ProviderGooglePlay, proof)
}

func (a *App) verifyPurchase(w http.ResponseWriter, r *http.Request, provider domain.Provider, proof domain.PurchaseProof) {
	userID := a.currentUserID(r)
	adapter, ok := a.Providers[provider]
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "provider not configured")
		return
	}

	ev, err := adapter.VerifyAndActivate(r.Context(), userID, proof)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrVerification):
			a.error(w, http.StatusUnprocessableEntity, "verification_failed", "purchase could not be verified")
		case errors.Is(err, domain.ErrUnsupportedPlan):
			a.error(w, http.StatusBadRequest, "unsupported_plan", "purchase maps to no known plan")
		case errors.Is(err, domain.ErrProviderUnavailable):
			a.error(w, http.StatusBadGateway, "provider_unavailable", "payment provider unavailable")
		default:
			a.Log.Error().Err(err).Str("user_id", userID).Msg("billing: verification failed")
			a.error(w, http.StatusInternalServerError, "internal", "verification failed")
		}
		return
	}
	if ev == nil {
		// Understood but not payable yet (payment still pending).
		a.json(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	ent, err := a.Engine.Apply(r.Context(), ev)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			a.error(w, http.StatusConflict, "conflict", "concurrent update, retry")
			return
		}
		a.Log.Error().Err(err).Str("user_id", userID).Msg("billing: activation failed")
		a.error(w, http.StatusInternalServerError, "internal", "activation failed")
		return
	}
	if ent == nil {
		// Duplicate confirmation; current state answers just as well.
		if ent, err = a.Engine.Status(r.Context(), userID); err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "failed to load subscription")
			return
		}
	}
	a.json(w, http.StatusOK, subscriptionView(ent))
}
