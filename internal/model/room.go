package model

import "time"

// RoomStatus is the lifecycle state of a room.  Transitions only move
// forward: filling -> live -> closed.
type RoomStatus string

const (
	RoomFilling RoomStatus = "filling"
	RoomLive    RoomStatus = "live"
	RoomClosed  RoomStatus = "closed"
)

// Room is a single capacity-bounded competition instance within a
// stage.  EntrantsCount is maintained by the conditional admission
// update and never exceeds Capacity.
//
// Fields:
//  ID               – rooms.id, creation order tie-breaker.
//  Slug             – unique public identifier.
//  Stage            – 1..StageCount.
//  Capacity         – seat limit.
//  EntrantsCount    – seats taken.
//  Status           – filling, live or closed.
//  NextStartAt      – scheduled start for stage >= 2 rooms.
//  LiveAt           – when the room went live.
//  ClosedAt         – when the rank order was recorded.
//  ClosureProcessed – advancement already ran for this room.
//  CreatedAt        – creation timestamp.
//  UpdatedAt        – last update timestamp.
type Room struct {
	ID               uint64     // rooms.id
	Slug             string     // rooms.slug
	Stage            int        // rooms.stage
	Capacity         int        // rooms.capacity
	EntrantsCount    int        // rooms.entrants_count
	Status           RoomStatus // rooms.status
	NextStartAt      *time.Time // rooms.next_start_at (nullable)
	LiveAt           *time.Time // rooms.live_at (nullable)
	ClosedAt         *time.Time // rooms.closed_at (nullable)
	ClosureProcessed bool       // rooms.closure_processed
	CreatedAt        time.Time  // rooms.created_at
	UpdatedAt        time.Time  // rooms.updated_at
}

// IsFull reports whether every seat is taken.
func (r Room) IsFull() bool { return r.EntrantsCount >= r.Capacity }

// Accepting reports whether the room can still admit an entrant.
func (r Room) Accepting() bool { return r.Status == RoomFilling && !r.IsFull() }

// RoomFilter narrows room listings.  Zero values are ignored.
type RoomFilter struct {
	Status      RoomStatus
	Stage       int
	MinStage    int
	StartDueBy  *time.Time // next_start_at <= StartDueBy
	LiveBefore  *time.Time // live_at <= LiveBefore
	Unprocessed bool       // closure_processed = false
}
