package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// SweepStats summarizes one sweeper pass.
type SweepStats struct {
	Expired      int
	StalePending int
	Reverified   int
	Errors       int
}

// Sweeper periodically repairs drift the lazy read path never got to:
// accounts whose expiry passed without a read, checkout markers nobody
// confirmed, and optimistic activations still awaiting provider
// confirmation.
type Sweeper struct {
	engine   *Engine
	store    domain.EntitlementRepository
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

// NewSweeper creates the background sweeper.
func NewSweeper(engine *Engine, store domain.EntitlementRepository, interval time.Duration, batch int, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{engine: engine, store: store, interval: interval, batch: batch, log: log}
}

// Run sweeps once immediately and then on every tick until the context is
// canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Int("batch", s.batch).Msg("sweeper: started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		stats := s.SweepOnce(ctx)
		s.log.Info().
			Int("expired", stats.Expired).
			Int("stale_pending", stats.StalePending).
			Int("reverified", stats.Reverified).
			Int("errors", stats.Errors).
			Msg("sweeper: pass complete")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one full pass. Each record is handled independently; an
// error on one account never aborts the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	s.sweepExpired(ctx, &stats)
	s.sweepStalePending(ctx, &stats)
	s.reverifyOptimistic(ctx, &stats)
	return stats
}

func (s *Sweeper) sweepExpired(ctx context.Context, stats *SweepStats) {
	now := time.Now()
	rows, err := s.store.ListExpired(ctx, now, s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("sweeper: list expired failed")
		stats.Errors++
		return
	}
	for i := range rows {
		// Status performs the same downgrade a read would; the sweeper just
		// makes sure it happens even for accounts nobody reads.
		if _, err := s.engine.Status(ctx, rows[i].AccountID); err != nil {
			s.log.Warn().Err(err).Str("account_id", rows[i].AccountID).Msg("sweeper: expiry downgrade failed")
			stats.Errors++
			continue
		}
		stats.Expired++
	}
}

func (s *Sweeper) sweepStalePending(ctx context.Context, stats *SweepStats) {
	cutoff := time.Now().Add(-domain.PendingPaymentWindow)
	rows, err := s.store.ListStalePending(ctx, cutoff, s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("sweeper: list stale pending failed")
		stats.Errors++
		return
	}
	for i := range rows {
		if _, err := s.engine.Status(ctx, rows[i].AccountID); err != nil {
			s.log.Warn().Err(err).Str("account_id", rows[i].AccountID).Msg("sweeper: stale pending cleanup failed")
			stats.Errors++
			continue
		}
		stats.StalePending++
	}
}

// reverifyOptimistic re-checks accounts activated while their provider was
// unreachable. A successful verification replaces the locally-computed
// window with the provider's authoritative one; a definitive rejection
// revokes.
func (s *Sweeper) reverifyOptimistic(ctx context.Context, stats *SweepStats) {
	rows, err := s.store.ListOptimistic(ctx, s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("sweeper: list optimistic failed")
		stats.Errors++
		return
	}
	for i := range rows {
		ent := &rows[i]
		verifier, ok := s.engine.verifiers[ent.Provider]
		if !ok {
			continue
		}

		proof := domain.PurchaseProof{
			Plan:            ent.Plan,
			PaymentIntentID: ent.StripePaymentIntentID,
			ProductID:       ent.PlayProductID,
			PurchaseToken:   ent.PlayPurchaseToken,
		}
		ev, err := verifier.VerifyAndActivate(ctx, ent.AccountID, proof)
		if err != nil {
			if errors.Is(err, domain.ErrVerification) {
				ev = &domain.Event{
					Kind:       domain.EventRevoked,
					Provider:   ent.Provider,
					Ref:        domain.AccountRef{AccountID: ent.AccountID},
					OccurredAt: time.Now(),
				}
				s.log.Warn().Str("account_id", ent.AccountID).Msg("sweeper: optimistic activation rejected by provider, revoking")
			} else {
				// Provider still unreachable; keep the optimistic window and
				// try again next pass.
				stats.Errors++
				continue
			}
		}
		if ev == nil || ev.Optimistic {
			// Still no authoritative answer.
			continue
		}

		// The stale-renewal check would drop a confirmation whose expiry does
		// not extend the optimistic window, leaving the flag set forever.
		// Clear the flag directly when the confirmed window is not longer.
		applied, err := s.engine.Apply(ctx, ev)
		if err != nil {
			s.log.Warn().Err(err).Str("account_id", ent.AccountID).Msg("sweeper: reverification apply failed")
			stats.Errors++
			continue
		}
		if applied == nil || applied.OptimisticExpiry {
			if err := s.confirmWindow(ctx, ent.AccountID, ev); err != nil {
				s.log.Warn().Err(err).Str("account_id", ent.AccountID).Msg("sweeper: optimistic flag clear failed")
				stats.Errors++
				continue
			}
		}
		stats.Reverified++
	}
}

// confirmWindow pins the provider-confirmed expiry onto a record whose
// optimistic window was longer than the real one.
func (s *Sweeper) confirmWindow(ctx context.Context, accountID string, ev *domain.Event) error {
	_, err := s.engine.mutate(ctx, accountID, func(ent *domain.Entitlement) (bool, error) {
		if !ent.OptimisticExpiry || ent.Provider != ev.Provider {
			return false, nil
		}
		if ev.NewExpiry != nil {
			ent.ExpiresAt = ev.NewExpiry
		}
		ent.OptimisticExpiry = false
		return true, nil
	})
	return err
}
