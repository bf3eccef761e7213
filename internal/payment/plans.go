package payment

import (
	"math"

	"github.com/cqrrect/cqrrect/internal/store"
)

// Currency of all plan prices.
const Currency = "BDT"

// Plan is a purchasable subscription period.
type Plan struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Months   int     `json:"months"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

var plans = []Plan{
	{ID: "monthly", Name: "Monthly", Months: 1, Price: 299, Currency: Currency},
	{ID: "quarterly", Name: "Quarterly", Months: 3, Price: 799, Currency: Currency},
	{ID: "yearly", Name: "Yearly", Months: 12, Price: 2999, Currency: Currency},
}

// Plans returns the plan catalog.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// LookupPlan returns the plan with the given ID.
func LookupPlan(id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// MRR is the monthly recurring revenue of the active subscriptions: each
// counts for its plan price spread over the plan's months.
func MRR(active []store.PlanRevenue) float64 {
	var total float64
	for _, a := range active {
		p, ok := LookupPlan(a.Plan)
		if !ok || p.Months == 0 {
			continue
		}
		total += float64(a.Count) * p.Price / float64(p.Months)
	}
	return math.Round(total*100) / 100
}
