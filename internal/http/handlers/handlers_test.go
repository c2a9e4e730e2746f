package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/adapter/idempotency"
	"server/internal/domain"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/middleware"
	"server/internal/reconcile"
)

const testSecret = "test-secret"

type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Entitlement
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]*domain.Entitlement)}
}

func (r *fakeRepo) Get(_ context.Context, accountID string) (*domain.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.rows[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *ent
	return &cp, nil
}

func (r *fakeRepo) GetOrCreate(_ context.Context, accountID string) (*domain.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.rows[accountID]
	if !ok {
		ent = &domain.Entitlement{AccountID: accountID, Plan: domain.PlanFree, Provider: domain.ProviderNone, Version: 1}
		r.rows[accountID] = ent
	}
	cp := *ent
	return &cp, nil
}

func (r *fakeRepo) FindByRef(_ context.Context, ref domain.AccountRef) (*domain.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ent := range r.rows {
		switch {
		case ref.AccountID != "" && ent.AccountID == ref.AccountID,
			ref.StripeSubscriptionID != "" && ent.StripeSubscriptionID == ref.StripeSubscriptionID,
			ref.StripeCustomerID != "" && ent.StripeCustomerID == ref.StripeCustomerID,
			ref.PlayPurchaseToken != "" && ent.PlayPurchaseToken == ref.PlayPurchaseToken:
			cp := *ent
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) CompareAndSwap(_ context.Context, ent *domain.Entitlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rows[ent.AccountID]
	if !ok || stored.Version != ent.Version {
		return domain.ErrConflict
	}
	cp := *ent
	cp.Version++
	r.rows[ent.AccountID] = &cp
	ent.Version = cp.Version
	return nil
}

func (r *fakeRepo) ListExpired(context.Context, time.Time, int) ([]domain.Entitlement, error) {
	return nil, nil
}

func (r *fakeRepo) ListStalePending(context.Context, time.Time, int) ([]domain.Entitlement, error) {
	return nil, nil
}

func (r *fakeRepo) ListOptimistic(context.Context, int) ([]domain.Entitlement, error) {
	return nil, nil
}

type fakePlans struct{}

func (fakePlans) List(context.Context) ([]domain.PlanCatalogEntry, error) {
	return []domain.PlanCatalogEntry{
		{Plan: domain.PlanMonthly, Name: "Mensal", PriceCentavos: 2990, DurationDays: 30, PlayProductID: "lookia_monthly"},
		{Plan: domain.PlanAnnual, Name: "Anual", PriceCentavos: 19990, DurationDays: 365, PlayProductID: "lookia_annual"},
	}, nil
}

func (p fakePlans) Get(ctx context.Context, plan domain.Plan) (*domain.PlanCatalogEntry, error) {
	entries, _ := p.List(ctx)
	for _, entry := range entries {
		if entry.Plan == plan {
			return &entry, nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakeProvider struct {
	verifyEvent *domain.Event
	verifyErr   error
	pushEvent   *domain.Event
	pushErr     error
}

func (f *fakeProvider) VerifyAndActivate(_ context.Context, accountID string, _ domain.PurchaseProof) (*domain.Event, error) {
	if f.verifyEvent != nil {
		ev := *f.verifyEvent
		ev.Ref.AccountID = accountID
		return &ev, f.verifyErr
	}
	return nil, f.verifyErr
}

func (f *fakeProvider) OnPushNotification(context.Context, domain.PushRequest) (*domain.Event, error) {
	return f.pushEvent, f.pushErr
}

type fakeIntents struct {
	id     string
	secret string
	err    error
}

func (f *fakeIntents) CreatePaymentIntent(context.Context, string, domain.PlanCatalogEntry) (string, string, error) {
	return f.id, f.secret, f.err
}

type testEnv struct {
	repo    *fakeRepo
	stripe  *fakeProvider
	play    *fakeProvider
	intents *fakeIntents
	srv     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvCfg(t, &infra.Config{JWTSecret: testSecret})
}

func newTestEnvCfg(t *testing.T, cfg *infra.Config) *testEnv {
	t.Helper()
	repo := newFakeRepo()
	engine := reconcile.NewEngine(repo, idempotency.NewMemorySeenSet(time.Hour), zerolog.Nop())
	env := &testEnv{
		repo:    repo,
		stripe:  &fakeProvider{},
		play:    &fakeProvider{},
		intents: &fakeIntents{id: "pi_test", secret: "cs_test"},
	}

	app := &handlers.App{
		Engine: engine,
		Plans:  fakePlans{},
		Providers: map[domain.Provider]domain.ProviderAdapter{
			domain.ProviderStripe:     env.stripe,
			domain.ProviderGooglePlay: env.play,
		},
		Stripe: env.intents,
		Cfg:    cfg,
		Log:    zerolog.Nop(),
	}
	env.srv = httptest.NewServer(httpapi.NewRouter(app))
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func userToken(t *testing.T, sub, role string) string {
	t.Helper()
	token, err := middleware.SignJWT(testSecret, middleware.TokenClaims{
		Sub:  sub,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/v1/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestPlansListIsPublic(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/api/plans", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	plans, ok := body["plans"].([]any)
	if !ok || len(plans) != 2 {
		t.Fatalf("plans = %v", body["plans"])
	}
}

func TestSubscriptionStatusRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/api/subscription/status", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSubscriptionStatusNewAccountIsFree(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/api/subscription/status", userToken(t, "user-1", ""), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["plan"] != "free" || body["state"] != "free" {
		t.Fatalf("body = %v", body)
	}
	if body["quota_remaining"] != float64(domain.FreeLookQuota) {
		t.Fatalf("quota_remaining = %v", body["quota_remaining"])
	}
}

func TestQuotaConsumeUntilExhausted(t *testing.T) {
	env := newTestEnv(t)
	token := userToken(t, "user-1", "")

	for i := 0; i < domain.FreeLookQuota; i++ {
		resp := env.request(t, http.MethodPost, "/api/looks/quota", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: status = %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := env.request(t, http.MethodPost, "/api/looks/quota", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("over-limit status = %d, want 403", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "quota_exceeded" {
		t.Fatalf("body = %v", body)
	}
}

func TestBillingCheckout(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPost, "/api/billing/checkout", userToken(t, "user-1", ""), map[string]string{"plan": "monthly"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["payment_intent_id"] != "pi_test" || body["client_secret"] != "cs_test" {
		t.Fatalf("body = %v", body)
	}

	ent, _ := env.repo.Get(context.Background(), "user-1")
	if ent.PendingPlan != domain.PlanMonthly || ent.StripePaymentIntentID != "pi_test" {
		t.Fatalf("pending marker not recorded: %+v", ent)
	}
}

func TestBillingCheckoutRejectsFreePlan(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPost, "/api/billing/checkout", userToken(t, "user-1", ""), map[string]string{"plan": "free"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBillingConfirmPaymentActivates(t *testing.T) {
	env := newTestEnv(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	env.stripe.verifyEvent = &domain.Event{
		ID:        "pi_evt_1",
		Kind:      domain.EventActivated,
		Provider:  domain.ProviderStripe,
		Plan:      domain.PlanMonthly,
		NewExpiry: &expiry,
	}

	resp := env.request(t, http.MethodPost, "/api/billing/confirm-payment", userToken(t, "user-1", ""),
		map[string]string{"payment_intent_id": "pi_123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["plan"] != "monthly" || body["state"] != "active" {
		t.Fatalf("body = %v", body)
	}
}

func TestBillingConfirmPaymentStillPending(t *testing.T) {
	env := newTestEnv(t)
	// Adapter yields no event while the charge is not terminal.
	resp := env.request(t, http.MethodPost, "/api/billing/confirm-payment", userToken(t, "user-1", ""),
		map[string]string{"payment_intent_id": "pi_123"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestBillingVerifyPurchaseRejected(t *testing.T) {
	env := newTestEnv(t)
	env.play.verifyErr = domain.ErrVerification

	resp := env.request(t, http.MethodPost, "/api/billing/verify-purchase", userToken(t, "user-1", ""),
		map[string]string{"product_id": "lookia_monthly", "purchase_token": "tok"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestWebhookStripeProcessed(t *testing.T) {
	env := newTestEnv(t)
	env.repo.rows["user-1"] = &domain.Entitlement{
		AccountID:            "user-1",
		Plan:                 domain.PlanMonthly,
		Provider:             domain.ProviderStripe,
		StripeSubscriptionID: "sub_1",
		ExpiresAt:            func() *time.Time { tm := time.Now().Add(24 * time.Hour); return &tm }(),
		Version:              1,
	}
	newExpiry := time.Now().Add(31 * 24 * time.Hour)
	env.stripe.pushEvent = &domain.Event{
		ID:        "evt_1",
		Kind:      domain.EventRenewed,
		Provider:  domain.ProviderStripe,
		Ref:       domain.AccountRef{StripeSubscriptionID: "sub_1"},
		NewExpiry: &newExpiry,
	}

	resp := env.request(t, http.MethodPost, "/api/webhooks/stripe", "", map[string]string{"raw": "payload"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "processed" {
		t.Fatalf("body = %v", body)
	}
	ent, _ := env.repo.Get(context.Background(), "user-1")
	if ent.ExpiresAt == nil || !ent.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("renewal not applied: %+v", ent)
	}
}

func TestWebhookUnmatchedEventAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.stripe.pushEvent = &domain.Event{
		ID:       "evt_orphan",
		Kind:     domain.EventRevoked,
		Provider: domain.ProviderStripe,
		Ref:      domain.AccountRef{StripeSubscriptionID: "sub_unknown"},
	}

	resp := env.request(t, http.MethodPost, "/api/webhooks/stripe", "", map[string]string{"raw": "payload"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unmatched event", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "dropped" {
		t.Fatalf("body = %v", body)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	env.stripe.pushErr = domain.ErrInvalidSignature

	resp := env.request(t, http.MethodPost, "/api/webhooks/stripe", "", map[string]string{"raw": "payload"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookExemptFromRateLimit(t *testing.T) {
	env := newTestEnvCfg(t, &infra.Config{JWTSecret: testSecret, RateLimitPerMin: 1})

	// The zero-value adapter answers every delivery as ignorable.
	for i := 0; i < 3; i++ {
		resp := env.request(t, http.MethodPost, "/api/webhooks/stripe", "", map[string]string{"raw": "payload"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want 200", i, resp.StatusCode)
		}
	}

	env.request(t, http.MethodGet, "/api/plans", "", nil).Body.Close()
	resp := env.request(t, http.MethodGet, "/api/plans", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second catalog hit status = %d, want 429", resp.StatusCode)
	}
}

func TestWebhookMalformedPayloadAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.stripe.pushErr = domain.ErrInvalidEvent

	resp := env.request(t, http.MethodPost, "/api/webhooks/stripe", "", map[string]string{"raw": "garbage"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unparsable payload", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "dropped" {
		t.Fatalf("body = %v", body)
	}
}

func TestAdminActivatePlanRequiresRole(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{"account_id": "user-9", "plan": "annual"}

	resp := env.request(t, http.MethodPost, "/api/admin/activate-plan", userToken(t, "user-1", ""), payload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/api/admin/activate-plan", userToken(t, "ops-1", middleware.RoleAdmin), payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["plan"] != "annual" || body["provider"] != "manual" {
		t.Fatalf("body = %v", body)
	}
}

func TestSubscriptionCancelWithoutPlan(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPost, "/api/subscription/cancel", userToken(t, "user-1", ""), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}
