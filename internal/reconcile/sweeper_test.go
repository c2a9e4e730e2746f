package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/adapter/idempotency"
	"server/internal/domain"
)

type verifierStub struct {
	event *domain.Event
	err   error
	calls int
}

func (v *verifierStub) VerifyAndActivate(_ context.Context, accountID string, _ domain.PurchaseProof) (*domain.Event, error) {
	v.calls++
	if v.event != nil {
		ev := *v.event
		ev.Ref.AccountID = accountID
		return &ev, v.err
	}
	return nil, v.err
}

func (v *verifierStub) OnPushNotification(context.Context, domain.PushRequest) (*domain.Event, error) {
	return nil, nil
}

func newTestSweeper(repo *memRepo) (*Sweeper, *Engine) {
	e := NewEngine(repo, idempotency.NewMemorySeenSet(time.Hour), zerolog.Nop())
	return NewSweeper(e, repo, time.Hour, 100, zerolog.Nop()), e
}

func TestSweepOnceDowngradesExpired(t *testing.T) {
	repo := newMemRepo()
	repo.seed(domain.Entitlement{
		AccountID: "acct-expired",
		Plan:      domain.PlanMonthly,
		Provider:  domain.ProviderStripe,
		ExpiresAt: timePtr(time.Now().Add(-time.Hour)),
		QuotaUsed: 1,
	})
	repo.seed(domain.Entitlement{
		AccountID: "acct-live",
		Plan:      domain.PlanMonthly,
		Provider:  domain.ProviderStripe,
		ExpiresAt: timePtr(time.Now().Add(time.Hour)),
	})
	s, _ := newTestSweeper(repo)

	stats := s.SweepOnce(context.Background())
	if stats.Expired != 1 {
		t.Fatalf("expired = %d, want 1", stats.Expired)
	}
	if repo.rows["acct-expired"].Plan != domain.PlanFree {
		t.Fatalf("expired account not downgraded")
	}
	if repo.rows["acct-expired"].QuotaUsed != 1 {
		t.Fatalf("downgrade must keep quota")
	}
	if repo.rows["acct-live"].Plan != domain.PlanMonthly {
		t.Fatalf("live account must be untouched")
	}
}

func TestSweepOnceClearsStaleCheckouts(t *testing.T) {
	repo := newMemRepo()
	stale := time.Now().Add(-2 * domain.PendingPaymentWindow)
	repo.seed(domain.Entitlement{
		AccountID:    "acct-1",
		Plan:         domain.PlanFree,
		Provider:     domain.ProviderNone,
		PendingPlan:  domain.PlanAnnual,
		PendingSince: &stale,
	})
	s, _ := newTestSweeper(repo)

	stats := s.SweepOnce(context.Background())
	if stats.StalePending != 1 {
		t.Fatalf("stale_pending = %d, want 1", stats.StalePending)
	}
	if got := repo.rows["acct-1"]; got.PendingPlan != "" || got.PendingSince != nil {
		t.Fatalf("stale marker not cleared: %+v", got)
	}
}

func seedOptimistic(repo *memRepo, expiry time.Time) {
	repo.seed(domain.Entitlement{
		AccountID:         "acct-1",
		Plan:              domain.PlanMonthly,
		Provider:          domain.ProviderGooglePlay,
		PlayPurchaseToken: "token-1",
		PlayProductID:     "lookia_monthly",
		ExpiresAt:         timePtr(expiry),
		OptimisticExpiry:  true,
	})
}

func TestSweepReverifyConfirmsLongerWindow(t *testing.T) {
	repo := newMemRepo()
	local := time.Now().Add(30 * 24 * time.Hour)
	seedOptimistic(repo, local)

	confirmed := local.Add(24 * time.Hour)
	stub := &verifierStub{event: &domain.Event{
		Kind:      domain.EventActivated,
		Provider:  domain.ProviderGooglePlay,
		Plan:      domain.PlanMonthly,
		NewExpiry: timePtr(confirmed),
	}}
	s, e := newTestSweeper(repo)
	e.RegisterVerifier(domain.ProviderGooglePlay, stub)

	stats := s.SweepOnce(context.Background())
	if stats.Reverified != 1 {
		t.Fatalf("reverified = %d, want 1", stats.Reverified)
	}
	got := repo.rows["acct-1"]
	if got.OptimisticExpiry {
		t.Fatalf("confirmed window must clear the optimistic flag")
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(confirmed) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, confirmed)
	}
}

func TestSweepReverifyPinsShorterWindow(t *testing.T) {
	repo := newMemRepo()
	local := time.Now().Add(30 * 24 * time.Hour)
	seedOptimistic(repo, local)

	// The provider's real window ends before the optimistic guess.
	confirmed := time.Now().Add(10 * 24 * time.Hour)
	stub := &verifierStub{event: &domain.Event{
		Kind:      domain.EventActivated,
		Provider:  domain.ProviderGooglePlay,
		Plan:      domain.PlanMonthly,
		NewExpiry: timePtr(confirmed),
	}}
	s, e := newTestSweeper(repo)
	e.RegisterVerifier(domain.ProviderGooglePlay, stub)

	s.SweepOnce(context.Background())
	got := repo.rows["acct-1"]
	if got.OptimisticExpiry {
		t.Fatalf("optimistic flag must clear even when the real window is shorter")
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(confirmed) {
		t.Fatalf("expiry = %v, want provider's %v", got.ExpiresAt, confirmed)
	}
}

func TestSweepReverifyRevokesRejectedPurchase(t *testing.T) {
	repo := newMemRepo()
	seedOptimistic(repo, time.Now().Add(30*24*time.Hour))

	stub := &verifierStub{err: domain.ErrVerification}
	s, e := newTestSweeper(repo)
	e.RegisterVerifier(domain.ProviderGooglePlay, stub)

	s.SweepOnce(context.Background())
	got := repo.rows["acct-1"]
	if got.Plan != domain.PlanFree || got.OptimisticExpiry {
		t.Fatalf("rejected purchase must be revoked: %+v", got)
	}
}

func TestSweepReverifyKeepsWindowWhileProviderDown(t *testing.T) {
	repo := newMemRepo()
	local := time.Now().Add(30 * 24 * time.Hour)
	seedOptimistic(repo, local)

	// The adapter degrades to another optimistic event while the provider
	// stays unreachable.
	stub := &verifierStub{event: &domain.Event{
		Kind:       domain.EventActivated,
		Provider:   domain.ProviderGooglePlay,
		Plan:       domain.PlanMonthly,
		NewExpiry:  timePtr(time.Now().Add(30 * 24 * time.Hour)),
		Optimistic: true,
	}}
	s, e := newTestSweeper(repo)
	e.RegisterVerifier(domain.ProviderGooglePlay, stub)

	stats := s.SweepOnce(context.Background())
	if stats.Reverified != 0 {
		t.Fatalf("provider-down pass must not count as reverified")
	}
	got := repo.rows["acct-1"]
	if !got.OptimisticExpiry || got.Plan != domain.PlanMonthly {
		t.Fatalf("optimistic window must survive until the provider answers: %+v", got)
	}
	if stub.calls != 1 {
		t.Fatalf("verifier calls = %d, want 1", stub.calls)
	}
}

func TestSweepSkipsProvidersWithoutVerifier(t *testing.T) {
	repo := newMemRepo()
	repo.seed(domain.Entitlement{
		AccountID:        "acct-1",
		Plan:             domain.PlanMonthly,
		Provider:         domain.ProviderManual,
		ExpiresAt:        timePtr(time.Now().Add(time.Hour)),
		OptimisticExpiry: true,
	})
	s, _ := newTestSweeper(repo)

	stats := s.SweepOnce(context.Background())
	if stats.Reverified != 0 || stats.Errors != 0 {
		t.Fatalf("unverifiable provider must be skipped, got %+v", stats)
	}
}
