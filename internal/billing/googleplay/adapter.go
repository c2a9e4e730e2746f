package googleplay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Real-time developer notification types. Grace-period and on-hold codes are
// deliberately informational: Play's own retry window is longer than ours
// and must not trigger a local revoke.
const (
	notificationRecovered            = 1
	notificationRenewed              = 2
	notificationCanceled             = 3
	notificationPurchased            = 4
	notificationOnHold               = 5
	notificationInGracePeriod        = 6
	notificationRestarted            = 7
	notificationPriceChangeConfirmed = 8
	notificationDeferred             = 9
	notificationPaused               = 10
	notificationPauseScheduleChanged = 11
	notificationRevoked              = 12
	notificationExpired              = 13
)

// Adapter translates Google Play billing into normalized entitlement events:
// pull-based purchase verification plus the push RTDN feed delivered through
// a pub/sub envelope.
type Adapter struct {
	client *Client
	plans  domain.PlanRepository
	log    zerolog.Logger
	now    func() time.Time
}

// NewAdapter creates a Play billing adapter.
func NewAdapter(client *Client, plans domain.PlanRepository, log zerolog.Logger) *Adapter {
	return &Adapter{client: client, plans: plans, log: log, now: time.Now}
}

// VerifyAndActivate confirms an in-app purchase server-side. When the
// provider cannot be reached the adapter activates optimistically with a
// locally-computed expiry: connectivity loss must never block a user who has
// already paid. The optimistic flag makes the next successful verification
// correct the window.
func (a *Adapter) VerifyAndActivate(ctx context.Context, accountID string, proof domain.PurchaseProof) (*domain.Event, error) {
	if proof.PurchaseToken == "" || proof.ProductID == "" {
		return nil, fmt.Errorf("%w: purchase token and product id required", domain.ErrVerification)
	}

	plan := a.planForProduct(ctx, proof.ProductID)
	if plan == "" {
		plan = proof.Plan
	}
	if !plan.IsPaid() {
		return nil, fmt.Errorf("%w: unknown product %s", domain.ErrUnsupportedPlan, proof.ProductID)
	}

	ev := &domain.Event{
		ID:            uuid.NewString(),
		Kind:          domain.EventActivated,
		Provider:      domain.ProviderGooglePlay,
		Ref:           domain.AccountRef{AccountID: accountID},
		Plan:          plan,
		PlayProductID: proof.ProductID,
		OccurredAt:    a.now(),
	}
	ev.Ref.PlayPurchaseToken = proof.PurchaseToken

	purchase, err := a.client.GetSubscription(ctx, proof.ProductID, proof.PurchaseToken)
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			expiry := a.now().Add(plan.BaseDuration())
			ev.NewExpiry = &expiry
			ev.Optimistic = true
			a.log.Warn().
				Str("account_id", accountID).
				Str("product_id", proof.ProductID).
				Msg("googleplay: provider unreachable, activating with local expiry")
			return ev, nil
		}
		return nil, err
	}

	if !purchase.Paid() {
		a.log.Info().
			Str("account_id", accountID).
			Str("product_id", proof.ProductID).
			Msg("googleplay: payment not yet received")
		return nil, nil
	}

	expiry, ok := purchase.ExpiryTime()
	if !ok || !expiry.After(a.now()) {
		return nil, fmt.Errorf("%w: purchase already expired", domain.ErrVerification)
	}
	ev.NewExpiry = &expiry
	return ev, nil
}

// rtdnEnvelope is the pub/sub push wrapper around a developer notification.
type rtdnEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// OnPushNotification decodes one RTDN delivery. A nil event without error
// means the notification was understood and intentionally ignored.
func (a *Adapter) OnPushNotification(ctx context.Context, push domain.PushRequest) (*domain.Event, error) {
	var envelope rtdnEnvelope
	if err := json.Unmarshal(push.Body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: rtdn envelope: %v", domain.ErrInvalidEvent, err)
	}
	if envelope.Message.Data == "" {
		return nil, fmt.Errorf("%w: rtdn envelope has no data", domain.ErrInvalidEvent)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: rtdn payload encoding: %v", domain.ErrInvalidEvent, err)
	}
	var notif developerNotification
	if err := json.Unmarshal(decoded, &notif); err != nil {
		return nil, fmt.Errorf("%w: rtdn payload: %v", domain.ErrInvalidEvent, err)
	}

	if notif.TestNotification != nil {
		a.log.Info().Msg("googleplay: test notification received")
		return nil, nil
	}
	sn := notif.SubscriptionNotification
	if sn == nil {
		// One-time product and voided-purchase notifications are out of scope.
		a.log.Debug().Msg("googleplay: non-subscription notification ignored")
		return nil, nil
	}

	ev := &domain.Event{
		ID:            eventID(&envelope, &notif),
		Provider:      domain.ProviderGooglePlay,
		Ref:           domain.AccountRef{PlayPurchaseToken: sn.PurchaseToken},
		PlayProductID: sn.SubscriptionID,
		OccurredAt:    eventTime(&notif, a.now),
	}
	if plan := a.planForProduct(ctx, sn.SubscriptionID); plan != "" {
		ev.Plan = plan
	}

	switch sn.NotificationType {
	case notificationPurchased:
		ev.Kind = domain.EventActivated
	case notificationRenewed, notificationRecovered:
		ev.Kind = domain.EventRenewed
	case notificationRestarted:
		ev.Kind = domain.EventReactivated
	case notificationCanceled:
		ev.Kind = domain.EventCanceledAtPeriodEnd
	case notificationOnHold, notificationInGracePeriod:
		ev.Kind = domain.EventPaymentFailed
	case notificationRevoked, notificationExpired:
		ev.Kind = domain.EventRevoked
		return ev, nil
	default:
		a.log.Debug().Int("type", sn.NotificationType).Msg("googleplay: notification type ignored")
		return nil, nil
	}

	if ev.Kind == domain.EventActivated || ev.Kind == domain.EventRenewed || ev.Kind == domain.EventReactivated {
		a.attachAuthoritativeExpiry(ctx, ev, sn.SubscriptionID, sn.PurchaseToken)
	}
	return ev, nil
}

// attachAuthoritativeExpiry fetches the provider's expiry for an
// access-granting notification. The notification itself carries no expiry;
// the purchase resource is the source of truth for renewal timing. On
// provider failure the event falls back to a flagged local window.
func (a *Adapter) attachAuthoritativeExpiry(ctx context.Context, ev *domain.Event, productID, token string) {
	purchase, err := a.client.GetSubscription(ctx, productID, token)
	if err == nil {
		if expiry, ok := purchase.ExpiryTime(); ok {
			ev.NewExpiry = &expiry
			return
		}
	} else {
		a.log.Warn().Err(err).Str("product_id", productID).Msg("googleplay: expiry lookup failed, using local window")
	}

	if ev.Plan.IsPaid() {
		expiry := a.now().Add(ev.Plan.BaseDuration())
		ev.NewExpiry = &expiry
		ev.Optimistic = true
	}
}

func (a *Adapter) planForProduct(ctx context.Context, productID string) domain.Plan {
	if productID == "" {
		return ""
	}
	entries, err := a.plans.List(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("googleplay: plan catalog unavailable for product mapping")
		return ""
	}
	for _, entry := range entries {
		if entry.PlayProductID == productID {
			return entry.Plan
		}
	}
	// Product ids historically matched plan ids directly.
	if plan, ok := domain.ParsePlan(productID); ok {
		return plan
	}
	return ""
}

func eventID(envelope *rtdnEnvelope, notif *developerNotification) string {
	if envelope.Message.MessageID != "" {
		return envelope.Message.MessageID
	}
	if notif.SubscriptionNotification != nil {
		return fmt.Sprintf("rtdn_%s_%d", notif.EventTimeMillis, notif.SubscriptionNotification.NotificationType)
	}
	return "rtdn_" + notif.EventTimeMillis
}

func eventTime(notif *developerNotification, now func() time.Time) time.Time {
	if millis := notif.EventTimeMillis; millis != "" {
		var v int64
		if _, err := fmt.Sscan(millis, &v); err == nil && v > 0 {
			return time.UnixMilli(v)
		}
	}
	return now()
}

var _ domain.ProviderAdapter = (*Adapter)(nil)
