package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus tracks the provider payment lifecycle:
// created -> serverApproved -> completed | cancelled | errored.
type PaymentStatus string

const (
	PaymentCreated        PaymentStatus = "created"
	PaymentServerApproved PaymentStatus = "serverApproved"
	PaymentCompleted      PaymentStatus = "completed"
	PaymentCancelled      PaymentStatus = "cancelled"
	PaymentErrored        PaymentStatus = "errored"
)

// Terminal reports whether no further transition is possible.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentCancelled || s == PaymentErrored
}

// Payment is the local record of a provider payment bound to a room.
// A seat is only taken when the payment reaches completed.
type Payment struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	RoomSlug    string          `json:"room_slug"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    int             `json:"quantity"`
	Status      PaymentStatus   `json:"status"`
	TxRef       string          `json:"tx_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// PaymentFilter narrows payment listings.  Zero values are ignored.
type PaymentFilter struct {
	UserID        string
	RoomSlug      string
	Status        PaymentStatus
	UpdatedBefore *time.Time
}

// ProviderPayment is the provider's view of a payment, as returned by
// the payments API.
type ProviderPayment struct {
	ID                  string
	UserID              string
	Amount              decimal.Decimal
	Memo                string
	DeveloperApproved   bool
	TransactionVerified bool
	DeveloperCompleted  bool
	Cancelled           bool
	UserCancelled       bool
	TxID                string
}

// Settled reports whether the provider has a verified transaction.
func (p ProviderPayment) Settled() bool {
	return p.TransactionVerified && p.TxID != ""
}
