package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.Logger(app.Log),
	)
	if len(app.Cfg.CORSAllowedOrigins) > 0 {
		r.Use(middleware.CORS(app.Cfg.CORSAllowedOrigins))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	// Provider push endpoints authenticate by signature, not by user token.
	// They are never rate limited: throttling a redelivery burst would turn
	// it into event loss.
	r.Post("/api/webhooks/stripe", app.WebhookStripe)
	r.Post("/api/webhooks/googleplay", app.WebhookGooglePlay)

	// Client-facing routes
	r.Group(func(r chi.Router) {
		if app.Cfg.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(app.Cfg.RateLimitPerMin, time.Minute))
		}

		// Public catalog
		r.Get("/api/plans", app.PlansList)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(app.Cfg.JWTSecret))

			r.Route("/api/billing", func(r chi.Router) {
				r.Post("/checkout", app.BillingCheckout)
				r.Post("/confirm-payment", app.BillingConfirmPayment)
				r.Post("/verify-purchase", app.BillingVerifyPurchase)
			})
			r.Route("/api/subscription", func(r chi.Router) {
				r.Get("/status", app.SubscriptionStatus)
				r.Post("/cancel", app.SubscriptionCancel)
				r.Post("/reactivate", app.SubscriptionReactivate)
			})
			r.Route("/api/looks", func(r chi.Router) {
				r.Get("/quota", app.QuotaStatus)
				r.Post("/quota", app.QuotaConsume)
			})

			r.Route("/api/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/activate-plan", app.AdminActivatePlan)
			})
		})
	})

	return r
}
