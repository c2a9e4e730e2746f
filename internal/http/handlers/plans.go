package handlers

import (
	"net/http"
)

// PlansList serves the purchasable plan catalog.
func (a *App) PlansList(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Plans.List(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load plans")
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":              string(entry.Plan),
			"name":            entry.Name,
			"price_centavos":  entry.PriceCentavos,
			"duration_days":   entry.DurationDays,
			"play_product_id": entry.PlayProductID,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"plans": items})
}
