package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Variant struct {
	ID             string
	ProductName    string
	UnitPriceCents int64
	StockQuantity  int
	Enabled        bool
	UpdatedAt      time.Time
}

type Order struct {
	ID                       string          `json:"id"`
	OwnerID                  string          `json:"owner_id"`
	AmountCents              int64           `json:"amount_cents"`
	Currency                 string          `json:"currency"`
	Status                   Status          `json:"status"`
	PaymentProviderOrderID   string          `json:"payment_provider_order_id,omitempty"`
	PaymentProviderPaymentID string          `json:"payment_provider_payment_id,omitempty"`
	PaymentSignature         string          `json:"-"`
	Shipping                 json.RawMessage `json:"shipping,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// OrderLine is one priced item as it stood when the order was created. The
// snapshot takes its price from here, not from the live catalog.
type OrderLine struct {
	OrderID        string
	VariantID      string
	ProductName    string
	UnitPriceCents int64
	Quantity       int
}

// OrderItemSnapshot is what the buyer paid for, frozen at confirmation time.
type OrderItemSnapshot struct {
	OrderID        string    `json:"order_id"`
	VariantID      string    `json:"variant_id"`
	ProductName    string    `json:"product_name"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int       `json:"quantity"`
	SubtotalCents  int64     `json:"subtotal_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

type Reservation struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	OwnerID   string            `json:"owner_id"`
	VariantID string            `json:"variant_id"`
	Quantity  int               `json:"quantity"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PaymentPatch carries provider metadata written together with a status CAS.
// Empty fields leave the stored value untouched.
type PaymentPatch struct {
	ProviderPaymentID string
	Signature         string
	Shipping          json.RawMessage
}

type IncidentKind string

const (
	IncidentSnapshotFailed   IncidentKind = "SNAPSHOT_FAILED"
	IncidentCommitFailed     IncidentKind = "COMMIT_FAILED"
	IncidentNothingCommitted IncidentKind = "NOTHING_COMMITTED"
	IncidentCaptureTerminal  IncidentKind = "CAPTURE_ON_TERMINAL_ORDER"
	IncidentAmountMismatch   IncidentKind = "AMOUNT_MISMATCH"
	IncidentSnapshotMismatch IncidentKind = "SNAPSHOT_MISMATCH"
)

// Incident is a post-capture failure recorded for manual reconciliation.
type Incident struct {
	ID        string       `json:"id"`
	OrderID   string       `json:"order_id"`
	Kind      IncidentKind `json:"kind"`
	Detail    string       `json:"detail"`
	CreatedAt time.Time    `json:"created_at"`
}

type CommitResult struct {
	Committed        int `json:"committed"`
	AlreadyCommitted int `json:"already_committed"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrSnapshotMissing   = errors.New("order item snapshot missing")
	ErrReservationClosed = errors.New("order reservations already closed")
	ErrOwnerMismatch     = errors.New("order owner mismatch")
	ErrVariantNotFound   = errors.New("variant not found")
)

// OutOfStockError names the first variant that could not be held.
type OutOfStockError struct {
	VariantID string `json:"variant_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: variant=%s requested=%d available=%d", e.VariantID, e.Requested, e.Available)
}
