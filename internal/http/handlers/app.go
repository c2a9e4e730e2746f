package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/middleware"
	"server/internal/reconcile"
)

// PaymentIntentCreator opens a card charge with the payment provider.
// Satisfied by the Stripe adapter; handler tests supply a stub.
type PaymentIntentCreator interface {
	CreatePaymentIntent(ctx context.Context, accountID string, entry domain.PlanCatalogEntry) (string, string, error)
}

// App bundles the dependencies handlers need. One instance is built in main
// and shared across requests.
type App struct {
	Engine    *reconcile.Engine
	Plans     domain.PlanRepository
	Providers map[domain.Provider]domain.ProviderAdapter
	Stripe    PaymentIntentCreator
	Cfg       *infra.Config
	Log       zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
