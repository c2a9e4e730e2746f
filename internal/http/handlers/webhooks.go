package handlers

import (
	"errors"
	"io"
	"net/http"

	"server/internal/domain"
)

const maxWebhookBody = 1 << 20

// WebhookStripe receives Stripe's server-to-server events.
func (a *App) WebhookStripe(w http.ResponseWriter, r *http.Request) {
	a.handleWebhook(w, r, domain.ProviderStripe, r.Header.Get("Stripe-Signature"))
}

// WebhookGooglePlay receives Play RTDN deliveries pushed through pub/sub.
func (a *App) WebhookGooglePlay(w http.ResponseWriter, r *http.Request) {
	a.handleWebhook(w, r, domain.ProviderGooglePlay, "")
}

// handleWebhook runs one provider delivery through its adapter and the
// engine. The status code steers the provider's redelivery: 2xx stops it
// (including payloads we drop on purpose, which stay undeliverable on every
// retry), 4xx rejects a failed signature check, 5xx asks for a retry.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request, provider domain.Provider, signature string) {
	adapter, ok := a.Providers[provider]
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "provider not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	ev, err := adapter.OnPushNotification(r.Context(), domain.PushRequest{Body: body, Signature: signature})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			a.error(w, http.StatusBadRequest, "invalid_signature", "signature verification failed")
		case errors.Is(err, domain.ErrInvalidEvent):
			// A payload we can never parse stays unparsable on redelivery.
			// Acknowledge it so the provider stops resending.
			a.Log.Warn().Err(err).Str("provider", string(provider)).Msg("webhook: malformed payload dropped")
			a.json(w, http.StatusOK, map[string]string{"status": "dropped"})
		default:
			a.Log.Error().Err(err).Str("provider", string(provider)).Msg("webhook: adapter failure")
			a.error(w, http.StatusInternalServerError, "internal", "event processing failed")
		}
		return
	}
	if ev == nil {
		a.json(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if _, err := a.Engine.Apply(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// No account matches the linkage. Acknowledge so the provider
			// stops redelivering an event we can never place.
			a.Log.Warn().Str("event", ev.ID).Str("provider", string(provider)).Msg("webhook: event matches no account, dropped")
			a.json(w, http.StatusOK, map[string]string{"status": "dropped"})
		case errors.Is(err, domain.ErrConflict):
			// Let the provider redeliver; the seen-set was not marked.
			a.error(w, http.StatusInternalServerError, "conflict", "concurrent update, retry")
		default:
			a.Log.Error().Err(err).Str("event", ev.ID).Msg("webhook: apply failed")
			a.error(w, http.StatusInternalServerError, "internal", "event processing failed")
		}
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "processed"})
}
