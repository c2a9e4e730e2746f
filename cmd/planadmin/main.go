package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/adapter/idempotency"
	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/reconcile"
)

func main() {
	var (
		accountFlag  string
		planFlag     string
		daysFlag     int
		operatorFlag string
	)

	flag.StringVar(&accountFlag, "account", "", "account ID to grant the plan to")
	flag.StringVar(&planFlag, "plan", "monthly", "plan to grant (monthly, semiannual, annual)")
	flag.IntVar(&daysFlag, "days", 0, "validity in days (<=0 uses the plan's default duration)")
	flag.StringVar(&operatorFlag, "operator", "", "operator identity recorded in the audit log")
	flag.Parse()

	accountID := strings.TrimSpace(accountFlag)
	if accountID == "" {
		exitWithError(errors.New("-account is required"))
	}
	plan, ok := domain.ParsePlan(strings.TrimSpace(strings.ToLower(planFlag)))
	if !ok || !plan.IsPaid() {
		exitWithError(fmt.Errorf("unsupported plan %q", planFlag))
	}
	operator := strings.TrimSpace(operatorFlag)
	if operator == "" {
		operator = os.Getenv("USER")
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "planadmin").Logger()
	runner := infra.NewSQLRunner(pool, logger)
	entitlements := repo.NewEntitlementRepository(runner)

	// Manual grants carry generated event ids, so the shared seen-set is not
	// needed here.
	engine := reconcile.NewEngine(entitlements, idempotency.NewMemorySeenSet(time.Hour), logger)

	ent, err := engine.ForceActivate(ctx, accountID, plan, daysFlag, operator)
	if err != nil {
		exitWithError(fmt.Errorf("failed to activate plan: %w", err))
	}

	out := map[string]any{
		"account_id": ent.AccountID,
		"plan":       string(ent.Plan),
		"provider":   string(ent.Provider),
		"state":      string(ent.State(time.Now())),
	}
	if ent.ExpiresAt != nil {
		out["expires_at"] = ent.ExpiresAt.UTC().Format(time.RFC3339)
	}
	encoded, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "planadmin:", err)
	os.Exit(1)
}
