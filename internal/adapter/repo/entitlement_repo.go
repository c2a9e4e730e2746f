package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// EntitlementRepositoryPG implements domain.EntitlementRepository backed by
// PostgreSQL. Every mutation goes through a version-guarded update so racing
// writers surface as domain.ErrConflict instead of lost updates.
type EntitlementRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewEntitlementRepository creates a new EntitlementRepositoryPG.
func NewEntitlementRepository(sql infra.SQLExecutor) *EntitlementRepositoryPG {
	return &EntitlementRepositoryPG{sql: sql}
}

// Get fetches the entitlement record for an account.
func (r *EntitlementRepositoryPG) Get(ctx context.Context, accountID string) (*domain.Entitlement, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectEntitlement, accountID)
	return scanEntitlement(row)
}

// GetOrCreate fetches the record, inserting the implicit free-plan row the
// first time an account is seen.
func (r *EntitlementRepositoryPG) GetOrCreate(ctx context.Context, accountID string) (*domain.Entitlement, error) {
	ent, err := r.Get(ctx, accountID)
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if _, err := r.sql.Exec(ctx, sqlinline.QInsertEntitlement, accountID); err != nil {
		return nil, fmt.Errorf("create entitlement: %w", err)
	}
	return r.Get(ctx, accountID)
}

// FindByRef resolves a provider-linkage reference to the stored record. The
// account id wins when present; linkage identifiers are tried in order of
// specificity.
func (r *EntitlementRepositoryPG) FindByRef(ctx context.Context, ref domain.AccountRef) (*domain.Entitlement, error) {
	switch {
	case ref.AccountID != "":
		return r.Get(ctx, ref.AccountID)
	case ref.StripeSubscriptionID != "":
		return scanEntitlement(r.sql.QueryRow(ctx, sqlinline.QSelectEntitlementByStripeSubscription, ref.StripeSubscriptionID))
	case ref.StripeCustomerID != "":
		return scanEntitlement(r.sql.QueryRow(ctx, sqlinline.QSelectEntitlementByStripeCustomer, ref.StripeCustomerID))
	case ref.PlayPurchaseToken != "":
		return scanEntitlement(r.sql.QueryRow(ctx, sqlinline.QSelectEntitlementByPurchaseToken, ref.PlayPurchaseToken))
	}
	return nil, domain.ErrNotFound
}

// CompareAndSwap writes ent back if its version is still current. On success
// the in-memory version is bumped to match the stored row.
func (r *EntitlementRepositoryPG) CompareAndSwap(ctx context.Context, ent *domain.Entitlement) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateEntitlementCAS,
		ent.AccountID,
		ent.Version,
		string(ent.Plan),
		ent.ExpiresAt,
		string(ent.Provider),
		ent.StripeCustomerID,
		ent.StripeSubscriptionID,
		ent.StripePaymentIntentID,
		ent.PlayPurchaseToken,
		ent.PlayProductID,
		string(ent.PendingPlan),
		ent.PendingSince,
		ent.CancelPending,
		ent.OptimisticExpiry,
		ent.QuotaUsed,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	ent.Version++
	return nil
}

// ListExpired returns paid records whose expiry has passed.
func (r *EntitlementRepositoryPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Entitlement, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectExpiredEntitlements, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEntitlements(rows)
}

// ListStalePending returns records whose checkout marker outlived the window.
func (r *EntitlementRepositoryPG) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Entitlement, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectStalePendingEntitlements, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectEntitlements(rows)
}

// ListOptimistic returns records still carrying a locally-computed expiry.
func (r *EntitlementRepositoryPG) ListOptimistic(ctx context.Context, limit int) ([]domain.Entitlement, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectOptimisticEntitlements, limit)
	if err != nil {
		return nil, err
	}
	return collectEntitlements(rows)
}

func collectEntitlements(rows pgx.Rows) ([]domain.Entitlement, error) {
	defer rows.Close()
	var out []domain.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ent)
	}
	return out, rows.Err()
}

func scanEntitlement(row pgx.Row) (*domain.Entitlement, error) {
	var (
		e           domain.Entitlement
		plan        string
		provider    string
		pendingPlan string
	)
	err := row.Scan(
		&e.AccountID,
		&plan,
		&e.ExpiresAt,
		&provider,
		&e.StripeCustomerID,
		&e.StripeSubscriptionID,
		&e.StripePaymentIntentID,
		&e.PlayPurchaseToken,
		&e.PlayProductID,
		&pendingPlan,
		&e.PendingSince,
		&e.CancelPending,
		&e.OptimisticExpiry,
		&e.QuotaUsed,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	e.Plan = domain.Plan(plan)
	e.Provider = domain.Provider(provider)
	e.PendingPlan = domain.Plan(pendingPlan)
	return &e, nil
}
