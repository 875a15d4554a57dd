package model

import "time"

// Entrant is a seat held by a user in a room.  It is created only by a
// completed payment (stage 1) or a redeemed ticket (later stages).  A
// user holds at most one seat per stage.
//
// Fields:
//  ID         – entrants.id.
//  RoomSlug   – room the seat belongs to.
//  Stage      – copy of the room stage, used for the per-stage uniqueness.
//  UserID     – seat holder.
//  JoinedAt   – admission time; breaks rank ties (earlier wins).
//  Rank       – rank from the scoring collaborator; 0 means unranked.
//  PaymentRef – payment that bought the seat (stage 1).
//  TicketRef  – ticket that granted the seat (stage >= 2).
type Entrant struct {
	ID         uint64    `json:"id"`
	RoomSlug   string    `json:"room_slug"`
	Stage      int       `json:"stage"`
	UserID     string    `json:"user_id"`
	JoinedAt   time.Time `json:"joined_at"`
	Rank       int       `json:"rank"`
	PaymentRef *string   `json:"payment_ref,omitempty"`
	TicketRef  *string   `json:"ticket_ref,omitempty"`
}
