// Package queue defines message payloads exchanged over the message broker
// and the publisher and consumer that move them.
package queue

import "github.com/shopspring/decimal"

// Queue names.  Both queues are durable.
const (
	RoomClosedQueue    = "funnel.room.closed"
	PayoutCreatedQueue = "funnel.payout.created"
)

// RoomClosedEvent is published when a room leaves the live state.  The
// consumer runs advancement for it, so the event only carries the slug
// and a summary for logging.
type RoomClosedEvent struct {
	RoomSlug      string `json:"room_slug"`
	Stage         int    `json:"stage"`
	EntrantsCount int    `json:"entrants_count"`
	ClosedAt      string `json:"closed_at"`
}

// PayoutCreatedEvent is published for every final-stage prize so the
// payout ledger can be kept outside the primary database.
type PayoutCreatedEvent struct {
	PayoutID  string          `json:"payout_id"`
	RoomSlug  string          `json:"room_slug"`
	UserID    string          `json:"user_id"`
	Rank      int             `json:"rank"`
	TierIndex int             `json:"tier_index"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt string          `json:"created_at"`
}
