package model

import "time"

// StageTicket is a single-use capability granting free entry to one
// room of Stage.  Only the advancement engine creates tickets and only
// the entry gateway consumes them.
type StageTicket struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Stage            int        `json:"stage"`
	SourceRoomSlug   string     `json:"source_room_slug"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Used             bool       `json:"used"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
	RedeemedRoomSlug string     `json:"redeemed_room_slug,omitempty"`
}

// Expired reports whether the ticket can no longer be redeemed at now.
func (t StageTicket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
