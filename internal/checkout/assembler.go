package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request is the request-scoped cart: everything the checkout needs travels in it.
type Request struct {
	CheckoutName  string               `json:"checkout_name"`
	PeopleID      string               `json:"people_id,omitempty"`
	PhoneNumber   string               `json:"phone_number"`
	Qobilah       string               `json:"qobilah"`
	PaymentMethod orders.PaymentMethod `json:"payment_method"`
	Items         []Item               `json:"items"`
}

type Item struct {
	ProductID        string   `json:"product_id"`
	VariantIDs       []string `json:"variant_ids,omitempty"`
	Quantity         int      `json:"quantity"`
	RecipientName    string   `json:"recipient_name"`
	RecipientPhone   string   `json:"recipient_phone,omitempty"`
	RecipientQobilah string   `json:"recipient_qobilah,omitempty"`
}

// Assembler validates a request and builds the order it would create, prices snapshotted from the catalog.
type Assembler struct {
	Catalog ledger.Catalog
	Now     func() time.Time
}

func (a *Assembler) Build(ctx context.Context, req Request) (orders.Order, error) {
	if err := Validate(req); err != nil {
		return orders.Order{}, err
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	o := orders.Order{
		ID:            uuid.NewString(),
		PeopleID:      strings.TrimSpace(req.PeopleID),
		CheckoutName:  strings.TrimSpace(req.CheckoutName),
		PhoneNumber:   strings.TrimSpace(req.PhoneNumber),
		Qobilah:       strings.TrimSpace(req.Qobilah),
		PaymentMethod: req.PaymentMethod,
		Status:        orders.StatusNew,
		TotalAmount:   decimal.Zero,
		Lines:         make([]orders.OrderLine, 0, len(req.Items)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for i, it := range req.Items {
		unit, err := a.Catalog.Resolve(ctx, it.ProductID, it.VariantIDs)
		if err != nil {
			if errors.Is(err, orders.ErrUnitNotFound) {
				return orders.Order{}, fmt.Errorf("items[%d]: %w", i, err)
			}
			return orders.Order{}, fmt.Errorf("resolve items[%d]: %w", i, err)
		}
		lineTotal := unit.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		o.Lines = append(o.Lines, orders.OrderLine{
			ID:               uuid.NewString(),
			OrderID:          o.ID,
			SellableUnitID:   unit.ID,
			ProductID:        unit.ProductID,
			SKU:              unit.SKU,
			VariantIDs:       unit.VariantIDs,
			Quantity:         it.Quantity,
			UnitPriceAtOrder: unit.UnitPrice,
			LineTotal:        lineTotal,
			RecipientName:    strings.TrimSpace(it.RecipientName),
			RecipientPhone:   strings.TrimSpace(it.RecipientPhone),
			RecipientQobilah: strings.TrimSpace(it.RecipientQobilah),
		})
		o.TotalAmount = o.TotalAmount.Add(lineTotal)
	}
	return o, nil
}

// Validate checks the request shape only; it never touches the catalog.
func Validate(req Request) error {
	ve := orders.NewValidationError()
	if strings.TrimSpace(req.CheckoutName) == "" {
		ve.Add("checkout_name", "required")
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		ve.Add("phone_number", "required")
	}
	if !req.PaymentMethod.Valid() {
		ve.Add("payment_method", fmt.Sprintf("must be one of %s, %s, %s",
			orders.PaymentCash, orders.PaymentBankTransfer, orders.PaymentQRIS))
	}
	if len(req.Items) == 0 {
		ve.Add("items", "at least one item is required")
	}
	for i, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			ve.Add(fmt.Sprintf("items[%d].product_id", i), "required")
		}
		if it.Quantity < 1 {
			ve.Add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
		if strings.TrimSpace(it.RecipientName) == "" {
			ve.Add(fmt.Sprintf("items[%d].recipient_name", i), "required")
		}
	}
	if ve.Empty() {
		return nil
	}
	return ve
}
