package orders

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SellableUnit is one purchasable product x variant combination with its own stock and price.
type SellableUnit struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	VariantIDs    []string        `json:"variant_ids,omitempty"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
}

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentQRIS         PaymentMethod = "qris"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentBankTransfer, PaymentQRIS:
		return true
	}
	return false
}

type Order struct {
	ID            string          `json:"id"`
	PeopleID      string          `json:"people_id,omitempty"`
	CheckoutName  string          `json:"checkout_name"`
	PhoneNumber   string          `json:"phone_number"`
	Qobilah       string          `json:"qobilah"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        Status          `json:"status"` // lihat status.go
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Lines         []OrderLine     `json:"lines"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
}

// OrderLine is immutable once persisted; UnitPriceAtOrder is the price snapshot taken at checkout.
type OrderLine struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	SellableUnitID   string          `json:"sellable_unit_id"`
	ProductID        string          `json:"product_id"`
	SKU              string          `json:"sku"`
	VariantIDs       []string        `json:"variant_ids,omitempty"`
	Quantity         int             `json:"quantity"`
	UnitPriceAtOrder decimal.Decimal `json:"unit_price_at_order"`
	LineTotal        decimal.Decimal `json:"line_total"`
	RecipientName    string          `json:"recipient_name"`
	RecipientPhone   string          `json:"recipient_phone,omitempty"`
	RecipientQobilah string          `json:"recipient_qobilah,omitempty"`
	ReservationID    string          `json:"reservation_id,omitempty"`
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationReleased  ReservationStatus = "released"
	ReservationCommitted ReservationStatus = "committed"
)

type Reservation struct {
	ID             string            `json:"id"`
	SellableUnitID string            `json:"sellable_unit_id"`
	OrderID        string            `json:"order_id"`
	Quantity       int               `json:"quantity"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// VariantKey is the canonical storage form of a variant selection: sorted, deduplicated, comma-joined.
func VariantKey(variantIDs []string) string {
	if len(variantIDs) == 0 {
		return ""
	}
	ids := make([]string, 0, len(variantIDs))
	seen := make(map[string]bool, len(variantIDs))
	for _, v := range variantIDs {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		ids = append(ids, v)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// SplitVariantKey reverses VariantKey.
func SplitVariantKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ",")
}
