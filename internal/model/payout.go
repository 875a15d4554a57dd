package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutRecord is a prize owed to a final-stage entrant for one payout
// tier.  An entrant whose rank sits in two overlapping tiers has two
// records.
type PayoutRecord struct {
	ID        string          `json:"id"`
	RoomSlug  string          `json:"room_slug"`
	UserID    string          `json:"user_id"`
	Rank      int             `json:"rank"`
	TierIndex int             `json:"tier_index"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
