package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// PlanRepositoryPG serves the plan catalog from PostgreSQL.
type PlanRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewPlanRepository creates a new PlanRepositoryPG.
func NewPlanRepository(sql infra.SQLExecutor) *PlanRepositoryPG {
	return &PlanRepositoryPG{sql: sql}
}

// List returns the active plans ordered by duration.
func (r *PlanRepositoryPG) List(ctx context.Context) ([]domain.PlanCatalogEntry, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListPlans)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PlanCatalogEntry
	for rows.Next() {
		entry, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// Get fetches one plan by id.
func (r *PlanRepositoryPG) Get(ctx context.Context, plan domain.Plan) (*domain.PlanCatalogEntry, error) {
	return scanPlan(r.sql.QueryRow(ctx, sqlinline.QSelectPlan, string(plan)))
}

func scanPlan(row pgx.Row) (*domain.PlanCatalogEntry, error) {
	var (
		entry domain.PlanCatalogEntry
		id    string
	)
	if err := row.Scan(&id, &entry.Name, &entry.PriceCentavos, &entry.DurationDays, &entry.StripePriceID, &entry.PlayProductID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	entry.Plan = domain.Plan(id)
	return &entry, nil
}
