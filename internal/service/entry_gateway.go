package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/iliyamo/pi-funnel/internal/clock"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
)

// EntryGateway gates entry to rooms: stage 1 is bought with a payment,
// later stages are entered with a ticket.
type EntryGateway struct {
	tx         Transactor
	rooms      *RoomManager
	reconciler *PaymentReconciler
	payments   PaymentRepository
	tickets    TicketRepository
	clock      clock.Clock
}

// NewEntryGateway wires an EntryGateway.
func NewEntryGateway(tx Transactor, rooms *RoomManager, reconciler *PaymentReconciler,
	payments PaymentRepository, tickets TicketRepository, clk clock.Clock) *EntryGateway {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &EntryGateway{tx: tx, rooms: rooms, reconciler: reconciler, payments: payments, tickets: tickets, clock: clk}
}

// JoinRequest asks for a stage-1 room.  RoomSlug and PaymentID are
// optional.
type JoinRequest struct {
	UserID    string
	RoomSlug  string
	Stage     int
	PaymentID string
}

// JoinResult is the assigned room and, when a payment was given, its
// status after approval.
type JoinResult struct {
	AssignedRoomSlug string
	ETASeconds       int64
	PaymentStatus    model.PaymentStatus
}

// Join picks the stage-1 room the user will pay for.  Without a slug
// the oldest filling room with a free seat is chosen, or a new one is
// created.  A payment id runs provider approval against the chosen
// room, after the user's other pending payments are resolved.  No seat
// is taken here.
func (g *EntryGateway) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if req.UserID == "" {
		return JoinResult{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if req.Stage == 0 {
		req.Stage = 1
	}
	if req.Stage != 1 {
		return JoinResult{}, ErrStageRequiresTicket
	}

	if req.PaymentID != "" {
		n, err := g.reconciler.RecoverIncomplete(ctx, req.UserID, req.PaymentID)
		if err != nil {
			return JoinResult{}, err
		}
		if n > 0 {
			log.Printf("entry-gateway: resolved %d pending payments of %s", n, req.UserID)
		}
	}
	held, err := g.rooms.rooms.HasEntrant(ctx, 1, req.UserID)
	if err != nil {
		return JoinResult{}, err
	}
	if held {
		return JoinResult{}, ErrDuplicateEntry
	}

	var room *model.Room
	if req.RoomSlug != "" {
		room, err = g.rooms.GetRoom(ctx, req.RoomSlug)
		if err != nil {
			return JoinResult{}, err
		}
		if room.Stage != 1 {
			return JoinResult{}, ErrStageRequiresTicket
		}
		if !room.Accepting() {
			return JoinResult{}, g.rooms.WithFallback(ctx, &RoomFullError{Slug: room.Slug, Stage: 1})
		}
	} else {
		room, err = g.rooms.SelectRoom(ctx, 1)
		if err != nil {
			return JoinResult{}, err
		}
	}

	res := JoinResult{AssignedRoomSlug: room.Slug, ETASeconds: g.rooms.ETA(room)}
	if req.PaymentID != "" {
		p, err := g.reconciler.Approve(ctx, req.PaymentID, req.UserID, room.Slug)
		if err != nil {
			return res, err
		}
		res.PaymentStatus = p.Status
	}
	return res, nil
}

// ConfirmRequest completes a stage-1 payment.  RoomSlug overrides the
// approved room after a RoomFull.
type ConfirmRequest struct {
	RoomSlug  string
	UserID    string
	Stage     int
	PaymentID string
	TxRef     string
}

// AdmissionStatus is the outcome of confirm and redeem.
type AdmissionStatus string

const (
	Admitted AdmissionStatus = "admitted"
	Rejected AdmissionStatus = "rejected"
)

// AdmissionResult is the outcome of Confirm or Redeem; Entrant is set
// when admitted.
type AdmissionResult struct {
	Status  AdmissionStatus
	Entrant *model.Entrant
}

// Confirm completes a stage-1 payment and takes the seat.  On RoomFull
// the payment stays approved and the caller may confirm again against
// the fallback room.
func (g *EntryGateway) Confirm(ctx context.Context, req ConfirmRequest) (AdmissionResult, error) {
	if req.UserID == "" || req.PaymentID == "" {
		return AdmissionResult{Status: Rejected}, fmt.Errorf("%w: userId and paymentId are required", ErrInvalidRequest)
	}
	if req.Stage != 0 && req.Stage != 1 {
		return AdmissionResult{Status: Rejected}, ErrStageRequiresTicket
	}
	p, err := g.payments.GetPayment(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return AdmissionResult{Status: Rejected}, ErrPaymentNotFound
		}
		return AdmissionResult{Status: Rejected}, err
	}
	if p.UserID != req.UserID {
		return AdmissionResult{Status: Rejected}, fmt.Errorf("%w: payment belongs to another user", ErrPaymentVerification)
	}
	seat, err := g.reconciler.Complete(ctx, req.PaymentID, req.TxRef, req.RoomSlug)
	if err != nil {
		return AdmissionResult{Status: Rejected}, err
	}
	return AdmissionResult{Status: Admitted, Entrant: seat}, nil
}

// RedeemRequest spends a ticket.  Without RoomSlug the oldest filling
// room of the ticket's stage is used.
type RedeemRequest struct {
	UserID   string
	TicketID string
	RoomSlug string
}

// Redeem spends a ticket on a seat of its stage.  The ticket is claimed
// and the seat taken in one transaction, so RoomFull leaves the ticket
// unused.  Without a slug the oldest filling room of the ticket's stage
// is used.
func (g *EntryGateway) Redeem(ctx context.Context, req RedeemRequest) (AdmissionResult, error) {
	if req.UserID == "" || req.TicketID == "" {
		return AdmissionResult{Status: Rejected}, fmt.Errorf("%w: userId and ticketId are required", ErrInvalidRequest)
	}
	var seat *model.Entrant
	err := g.tx.WithTx(ctx, func(ctx context.Context) error {
		t, err := g.tickets.GetTicketForUpdate(ctx, req.TicketID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		if t.UserID != req.UserID {
			return ErrTicketNotFound
		}
		if t.Used {
			return ErrTicketAlreadyUsed
		}
		now := g.clock.Now()
		if t.Expired(now) {
			return ErrTicketExpired
		}

		slug := req.RoomSlug
		if slug == "" {
			room, err := g.rooms.SelectRoom(ctx, t.Stage)
			if err != nil {
				return err
			}
			slug = room.Slug
		}
		room, err := g.rooms.GetRoom(ctx, slug)
		if err != nil {
			return err
		}
		if room.Stage != t.Stage {
			return fmt.Errorf("%w: ticket for stage %d, room %s is stage %d", ErrTicketStageMismatch, t.Stage, room.Slug, room.Stage)
		}

		ref := t.ID
		seat, err = g.rooms.admit(ctx, room.Slug, &model.Entrant{UserID: t.UserID, TicketRef: &ref})
		if err != nil {
			return err
		}
		ok, err := g.tickets.MarkTicketUsed(ctx, t.ID, room.Slug, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTicketAlreadyUsed
		}
		return nil
	})
	if err != nil {
		return AdmissionResult{Status: Rejected}, g.rooms.WithFallback(ctx, err)
	}
	log.Printf("entry-gateway: ticket %s redeemed by %s in %s", req.TicketID, req.UserID, seat.RoomSlug)
	return AdmissionResult{Status: Admitted, Entrant: seat}, nil
}

// Tickets lists the user's tickets, newest first.
func (g *EntryGateway) Tickets(ctx context.Context, userID string, includeUsed bool) ([]model.StageTicket, error) {
	return g.tickets.ListTicketsByUser(ctx, userID, includeUsed)
}
