package stripecard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"server/internal/domain"
)

// Config holds the Stripe credentials for one adapter instance. The secret
// may be empty in development; webhook acceptance then runs unsigned and is
// logged as degraded.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Adapter translates Stripe's payment-intent and webhook model into
// normalized entitlement events. One instance is constructed at process
// start and injected; there is no package-level Stripe state.
type Adapter struct {
	api           *client.API
	webhookSecret string
	plans         domain.PlanRepository
	log           zerolog.Logger
	now           func() time.Time
}

// New creates a Stripe adapter.
func New(cfg Config, plans domain.PlanRepository, log zerolog.Logger) *Adapter {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &Adapter{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		plans:         plans,
		log:           log,
		now:           time.Now,
	}
}

// CreatePaymentIntent opens a charge for the given plan and returns the
// intent id and client secret the app needs to collect the card.
func (a *Adapter) CreatePaymentIntent(ctx context.Context, accountID string, entry domain.PlanCatalogEntry) (string, string, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(entry.PriceCentavos),
		Currency: stripe.String(string(stripe.CurrencyBRL)),
	}
	params.AddMetadata("account_id", accountID)
	params.AddMetadata("plan", string(entry.Plan))

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return "", "", fmt.Errorf("%w: create payment intent: %v", domain.ErrProviderUnavailable, err)
	}
	return pi.ID, pi.ClientSecret, nil
}

// VerifyAndActivate confirms a user-initiated purchase by retrieving the
// payment intent. Only a terminal "succeeded" status yields an activation;
// any other status is a no-op result so the caller can poll or wait. There
// is no optimistic fallback on this path: granting access for a card charge
// Stripe has not confirmed is not safe.
func (a *Adapter) VerifyAndActivate(ctx context.Context, accountID string, proof domain.PurchaseProof) (*domain.Event, error) {
	if proof.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: payment intent id required", domain.ErrVerification)
	}

	pi, err := a.api.PaymentIntents.Get(proof.PaymentIntentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve payment intent: %v", domain.ErrProviderUnavailable, err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		a.log.Info().
			Str("payment_intent", pi.ID).
			Str("status", string(pi.Status)).
			Msg("stripe: payment not yet succeeded")
		return nil, nil
	}

	plan := proof.Plan
	if hinted, ok := domain.ParsePlan(pi.Metadata["plan"]); ok {
		plan = hinted
	}
	if !plan.IsPaid() {
		return nil, fmt.Errorf("%w: no plan associated with payment intent %s", domain.ErrVerification, pi.ID)
	}

	expiry := a.now().Add(plan.BaseDuration())
	ev := &domain.Event{
		ID:                    "pi_" + pi.ID,
		Kind:                  domain.EventActivated,
		Provider:              domain.ProviderStripe,
		Ref:                   domain.AccountRef{AccountID: accountID},
		Plan:                  plan,
		NewExpiry:             &expiry,
		StripePaymentIntentID: pi.ID,
		OccurredAt:            a.now(),
	}
	if pi.Customer != nil {
		ev.Ref.StripeCustomerID = pi.Customer.ID
	}
	return ev, nil
}

// OnPushNotification verifies and maps one Stripe webhook delivery. A nil
// event without error means the payload was understood and intentionally
// ignored; the endpoint still answers 200 so Stripe stops redelivering.
func (a *Adapter) OnPushNotification(ctx context.Context, push domain.PushRequest) (*domain.Event, error) {
	event, err := a.parseEvent(push)
	if err != nil {
		return nil, err
	}

	switch event.Type {
	case "invoice.payment_succeeded":
		return a.mapInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return a.mapInvoiceFailed(event)
	case "customer.subscription.updated":
		return a.mapSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return a.mapSubscriptionDeleted(event)
	}

	a.log.Debug().Str("event", event.ID).Str("type", string(event.Type)).Msg("stripe: event type ignored")
	return nil, nil
}

func (a *Adapter) parseEvent(push domain.PushRequest) (stripe.Event, error) {
	if a.webhookSecret != "" {
		// Providers roll their API version independently of the pinned SDK
		// version; a mismatch must not reject an otherwise valid signature.
		event, err := webhook.ConstructEventWithOptions(push.Body, push.Signature, a.webhookSecret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		if event.Data == nil {
			return stripe.Event{}, fmt.Errorf("%w: missing event data", domain.ErrInvalidEvent)
		}
		return event, nil
	}

	// Unsigned acceptance is a development-only degraded mode.
	a.log.Warn().Msg("stripe: accepting webhook without signature verification")
	var event stripe.Event
	if err := json.Unmarshal(push.Body, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return stripe.Event{}, fmt.Errorf("%w: missing event id, type, or data", domain.ErrInvalidEvent)
	}
	return event, nil
}

func (a *Adapter) mapInvoicePaid(ctx context.Context, event stripe.Event) (*domain.Event, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice payload: %v", domain.ErrInvalidEvent, err)
	}

	ref := refFromInvoice(&inv)
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: invoice %s carries no subscription or customer", domain.ErrInvalidEvent, inv.ID)
	}

	ev := &domain.Event{
		ID:         event.ID,
		Kind:       domain.EventRenewed,
		Provider:   domain.ProviderStripe,
		Ref:        ref,
		NewExpiry:  invoicePeriodEnd(&inv),
		OccurredAt: time.Unix(event.Created, 0),
	}
	if inv.Subscription != nil {
		if plan := a.planForSubscription(ctx, inv.Subscription); plan != "" {
			ev.Plan = plan
		}
	}
	return ev, nil
}

func (a *Adapter) mapInvoiceFailed(event stripe.Event) (*domain.Event, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice payload: %v", domain.ErrInvalidEvent, err)
	}
	ref := refFromInvoice(&inv)
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: invoice %s carries no subscription or customer", domain.ErrInvalidEvent, inv.ID)
	}
	// Informational only: Stripe keeps retrying collection and emits a
	// terminal subscription event if dunning ultimately fails.
	return &domain.Event{
		ID:         event.ID,
		Kind:       domain.EventPaymentFailed,
		Provider:   domain.ProviderStripe,
		Ref:        ref,
		OccurredAt: time.Unix(event.Created, 0),
	}, nil
}

func (a *Adapter) mapSubscriptionUpdated(ctx context.Context, event stripe.Event) (*domain.Event, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription payload: %v", domain.ErrInvalidEvent, err)
	}
	ref := refFromSubscription(&sub)

	ev := &domain.Event{
		ID:         event.ID,
		Provider:   domain.ProviderStripe,
		Ref:        ref,
		OccurredAt: time.Unix(event.Created, 0),
	}

	switch sub.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusIncompleteExpired:
		ev.Kind = domain.EventRevoked
		return ev, nil
	}

	if sub.CancelAtPeriodEnd {
		ev.Kind = domain.EventCanceledAtPeriodEnd
		return ev, nil
	}
	if sub.Status == stripe.SubscriptionStatusActive {
		ev.Kind = domain.EventReactivated
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0)
			ev.NewExpiry = &end
		}
		if plan := a.planForSubscription(ctx, &sub); plan != "" {
			ev.Plan = plan
		}
		return ev, nil
	}

	a.log.Debug().Str("event", event.ID).Str("status", string(sub.Status)).Msg("stripe: subscription status ignored")
	return nil, nil
}

func (a *Adapter) mapSubscriptionDeleted(event stripe.Event) (*domain.Event, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription payload: %v", domain.ErrInvalidEvent, err)
	}
	return &domain.Event{
		ID:         event.ID,
		Kind:       domain.EventRevoked,
		Provider:   domain.ProviderStripe,
		Ref:        refFromSubscription(&sub),
		OccurredAt: time.Unix(event.Created, 0),
	}, nil
}

// planForSubscription maps the subscription's price onto a catalog plan.
// Mapping failures are logged and ignored; the engine keeps the stored plan
// when the hint is empty.
func (a *Adapter) planForSubscription(ctx context.Context, sub *stripe.Subscription) domain.Plan {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	priceID := sub.Items.Data[0].Price.ID
	entries, err := a.plans.List(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("stripe: plan catalog unavailable for price mapping")
		return ""
	}
	for _, entry := range entries {
		if entry.StripePriceID == priceID {
			return entry.Plan
		}
	}
	return ""
}

func refFromInvoice(inv *stripe.Invoice) domain.AccountRef {
	var ref domain.AccountRef
	if inv.Subscription != nil {
		ref.StripeSubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		ref.StripeCustomerID = inv.Customer.ID
	}
	return ref
}

func refFromSubscription(sub *stripe.Subscription) domain.AccountRef {
	ref := domain.AccountRef{StripeSubscriptionID: sub.ID}
	if sub.Customer != nil {
		ref.StripeCustomerID = sub.Customer.ID
	}
	return ref
}

// invoicePeriodEnd extracts the billing-period end Stripe vouches for. Line
// periods are preferred; the invoice-level period describes the invoice
// itself, not the service window.
func invoicePeriodEnd(inv *stripe.Invoice) *time.Time {
	var latest int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > latest {
				latest = line.Period.End
			}
		}
	}
	if latest == 0 {
		latest = inv.PeriodEnd
	}
	if latest == 0 {
		return nil
	}
	end := time.Unix(latest, 0)
	return &end
}

var _ domain.ProviderAdapter = (*Adapter)(nil)
