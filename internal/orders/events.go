package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventNewOrderReceived   = "NewOrderReceived"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type LineSummary struct {
	SKU              string          `json:"sku"`
	ProductID        string          `json:"product_id"`
	Quantity         int             `json:"quantity"`
	UnitPriceAtOrder decimal.Decimal `json:"unit_price_at_order"`
	RecipientName    string          `json:"recipient_name"`
	RecipientPhone   string          `json:"recipient_phone,omitempty"`
}

type NewOrderReceivedPayload struct {
	OrderID       string          `json:"order_id"`
	CheckoutName  string          `json:"checkout_name"`
	PhoneNumber   string          `json:"phone_number"`
	Qobilah       string          `json:"qobilah"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Lines         []LineSummary   `json:"lines"`
	CreatedAt     time.Time       `json:"created_at"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

// NewOrderReceived builds the immutable event record for a persisted order.
func NewOrderReceived(o Order, producer, traceID string) (Envelope, error) {
	p := NewOrderReceivedPayload{
		OrderID:       o.ID,
		CheckoutName:  o.CheckoutName,
		PhoneNumber:   o.PhoneNumber,
		Qobilah:       o.Qobilah,
		PaymentMethod: o.PaymentMethod,
		TotalAmount:   o.TotalAmount,
		Lines:         make([]LineSummary, 0, len(o.Lines)),
		CreatedAt:     o.CreatedAt,
	}
	for _, l := range o.Lines {
		p.Lines = append(p.Lines, LineSummary{
			SKU:              l.SKU,
			ProductID:        l.ProductID,
			Quantity:         l.Quantity,
			UnitPriceAtOrder: l.UnitPriceAtOrder,
			RecipientName:    l.RecipientName,
			RecipientPhone:   l.RecipientPhone,
		})
	}
	return newEnvelope(EventNewOrderReceived, o.ID, producer, traceID, p)
}

func StatusChanged(orderID string, from, to Status, producer string) (Envelope, error) {
	return newEnvelope(EventOrderStatusChanged, orderID, producer, "",
		OrderStatusChangedPayload{OrderID: orderID, From: from, To: to})
}

func newEnvelope(eventType, orderID, producer, traceID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// UnwrapPayload decodes an envelope payload into T.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
