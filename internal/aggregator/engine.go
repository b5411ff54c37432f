package aggregator

import "github.com/shopspring/decimal"

// PlanAllocation decides how to fill req from snapshot without touching any
// store. Listings are consumed in the order given (first created, first
// consumed) and the whole order settles at the first eligible listing's price.
//
// The same request and snapshot always yield the same plan or error.
func PlanAllocation(req OrderRequest, snapshot []Listing) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}

	eligible := make([]Listing, 0, len(snapshot))
	available := decimal.Zero
	for _, l := range snapshot {
		if l.Crop != req.Crop || l.Status != ListingListed || !l.RemainingQuantity.IsPositive() {
			continue
		}
		eligible = append(eligible, l)
		available = available.Add(l.RemainingQuantity)
	}
	if len(eligible) == 0 {
		return Plan{}, &NotFoundError{Kind: "listings", Key: req.Crop}
	}
	if available.LessThan(req.Quantity) {
		return Plan{}, &InsufficientStockError{Crop: req.Crop, Requested: req.Quantity, Available: available}
	}

	plan := Plan{
		Crop:     req.Crop,
		Quantity: req.Quantity,
		Price:    eligible[0].Price,
	}
	need := req.Quantity
	for _, l := range eligible {
		if !need.IsPositive() {
			break
		}
		take := decimal.Min(l.RemainingQuantity, need)
		plan.Draws = append(plan.Draws, Draw{ListingID: l.ID, Quantity: take})
		need = need.Sub(take)
	}
	return plan, nil
}
