package service

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// Transactor runs fn in a transaction carried by the context.  Nested
// calls join the outer transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RoomRepository stores rooms and their entrants.
type RoomRepository interface {
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, slug string) (*model.Room, error)
	GetRoomForUpdate(ctx context.Context, slug string) (*model.Room, error)
	FirstOpenRoom(ctx context.Context, stage int) (*model.Room, error)
	ListRooms(ctx context.Context, f model.RoomFilter) ([]model.Room, error)
	IncrementIfSpace(ctx context.Context, slug string, promoteWhenFull bool, now time.Time) (bool, error)
	TransitionStatus(ctx context.Context, slug string, from, to model.RoomStatus, at time.Time) (bool, error)
	MarkClosureProcessed(ctx context.Context, slug string) (bool, error)
	InsertEntrant(ctx context.Context, e *model.Entrant) error
	HasEntrant(ctx context.Context, stage int, userID string) (bool, error)
	ListEntrants(ctx context.Context, slug string) ([]model.Entrant, error)
	GetEntrantByPayment(ctx context.Context, paymentID string) (*model.Entrant, error)
	SetRanks(ctx context.Context, slug string, ranks map[string]int) error
	CountEntrants(ctx context.Context, slug string) (int, error)
}

// PaymentRepository stores the local payment lifecycle.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id string) (*model.Payment, error)
	TransitionPayment(ctx context.Context, id string, from, to model.PaymentStatus, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id, txRef, roomSlug string, at time.Time) (bool, error)
	ListPayments(ctx context.Context, f model.PaymentFilter) ([]model.Payment, error)
}

// TicketRepository stores stage tickets.
type TicketRepository interface {
	InsertTicket(ctx context.Context, t *model.StageTicket) error
	GetTicketForUpdate(ctx context.Context, id string) (*model.StageTicket, error)
	MarkTicketUsed(ctx context.Context, id, roomSlug string, at time.Time) (bool, error)
	ListTicketsBySource(ctx context.Context, slug string) ([]model.StageTicket, error)
	ListTicketsByUser(ctx context.Context, userID string, includeUsed bool) ([]model.StageTicket, error)
}

// PayoutRepository stores final-stage prizes.
type PayoutRepository interface {
	InsertPayout(ctx context.Context, p *model.PayoutRecord) error
	ListPayoutsByRoom(ctx context.Context, slug string) ([]model.PayoutRecord, error)
}

// PaymentProvider is the external payments API.
type PaymentProvider interface {
	GetPayment(ctx context.Context, id string) (model.ProviderPayment, error)
	Approve(ctx context.Context, id string) error
	Complete(ctx context.Context, id, txID string) error
	Cancel(ctx context.Context, id string) error
}

// ErrScoresNotReady is returned by a Scorer that has no final order yet.
var ErrScoresNotReady = errors.New("scores not ready")

// Scorer returns the rank of each user in a live room.  Rank 1 is the
// best; users missing from the result are unranked.
type Scorer interface {
	Rank(ctx context.Context, roomSlug string, userIDs []string) (map[string]int, error)
}

// EventPublisher announces funnel events on the broker.
type EventPublisher interface {
	PublishRoomClosed(ctx context.Context, room model.Room) error
	PublishPayout(ctx context.Context, p model.PayoutRecord) error
}
