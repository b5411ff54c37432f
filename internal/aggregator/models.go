package aggregator

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Farmer struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Name      string    `json:"name" gorm:"not null"`
	Phone     string    `json:"phone" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (Farmer) TableName() string { return "farmers" }

// Listing is one farmer's offer of a crop. Only the allocation path mutates
// RemainingQuantity, Status, SoldInThisOrder and Version.
type Listing struct {
	ID                string          `json:"id" gorm:"primaryKey;size:36"`
	FarmerID          string          `json:"farmer_id" gorm:"size:36;not null"`
	FarmerName        string          `json:"farmer_name" gorm:"not null"`
	Crop              string          `json:"crop" gorm:"index:idx_listing_crop_status,priority:1;not null"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" gorm:"type:text;not null"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity" gorm:"type:text;not null"`
	Price             decimal.Decimal `json:"price" gorm:"type:text;not null"`
	Status            ListingStatus   `json:"status" gorm:"index:idx_listing_crop_status,priority:2;size:16;not null"`
	SoldInThisOrder   decimal.Decimal `json:"sold_in_this_order" gorm:"type:text;not null"`
	Version           int64           `json:"version" gorm:"not null"`
	CreatedAt         time.Time       `json:"created_at" gorm:"index:idx_listing_crop_status,priority:3"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (Listing) TableName() string { return "listings" }

// CheckInvariants reports the first broken listing invariant, if any.
func (l Listing) CheckInvariants() error {
	switch {
	case l.RemainingQuantity.IsNegative():
		return fmt.Errorf("listing %s: negative remaining quantity %s", l.ID, l.RemainingQuantity)
	case l.RemainingQuantity.GreaterThan(l.OriginalQuantity):
		return fmt.Errorf("listing %s: remaining %s exceeds original %s", l.ID, l.RemainingQuantity, l.OriginalQuantity)
	case l.RemainingQuantity.IsZero() != (l.Status == ListingSold):
		return fmt.Errorf("listing %s: status %s with remaining %s", l.ID, l.Status, l.RemainingQuantity)
	}
	return nil
}

type Order struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	ExternalID    *string         `json:"external_id,omitempty" gorm:"uniqueIndex"`
	Crop          string          `json:"crop" gorm:"not null"`
	TotalQuantity decimal.Decimal `json:"total_quantity" gorm:"type:text;not null"`
	Price         decimal.Decimal `json:"price" gorm:"type:text;not null"`
	TotalAmount   decimal.Decimal `json:"total_amount" gorm:"type:text;not null"`
	Status        OrderStatus     `json:"status" gorm:"size:16;not null"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Order) TableName() string { return "aggregator_orders" }

// Draw is one line of a consumption plan.
type Draw struct {
	ListingID string          `json:"listing_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Plan says how much to take from each listing to fill one order. It only
// lives for the duration of one allocation attempt.
type Plan struct {
	Crop     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Draws    []Draw
}

func (p Plan) Drawn() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Draws {
		total = total.Add(d.Quantity)
	}
	return total
}

func (p Plan) ListingIDs() []string {
	ids := make([]string, 0, len(p.Draws))
	for _, d := range p.Draws {
		ids = append(ids, d.ListingID)
	}
	return ids
}

type OrderRequest struct {
	ExternalID string
	Crop       string
	Quantity   decimal.Decimal
}

func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Crop) == "" {
		return &ValidationError{Field: "crop", Reason: "required"}
	}
	if !r.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return nil
}

type ListingRequest struct {
	Name     string
	Phone    string
	Crop     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

func (r ListingRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return &ValidationError{Field: "name", Reason: "required"}
	case strings.TrimSpace(r.Phone) == "":
		return &ValidationError{Field: "phone", Reason: "required"}
	case strings.TrimSpace(r.Crop) == "":
		return &ValidationError{Field: "crop", Reason: "required"}
	case !r.Quantity.IsPositive():
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	case !r.Price.IsPositive():
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	return nil
}

// Allocation is the committed result of one placed order.
type Allocation struct {
	Order    Order
	Listings []Listing
	Plan     Plan
	Existing bool // order was already placed under the same external id
}
