package service

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/pi-funnel/internal/clock"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
)

// AdvancementResult is what a room's closure produced.
type AdvancementResult struct {
	RoomSlug         string               `json:"roomSlug"`
	Stage            int                  `json:"stage"`
	AlreadyProcessed bool                 `json:"alreadyProcessed"`
	Tickets          []model.StageTicket  `json:"tickets,omitempty"`
	Payouts          []model.PayoutRecord `json:"payouts,omitempty"`
	NextRoomSlug     string               `json:"nextRoomSlug,omitempty"`
}

// AdvancementEngine turns a closed room into next-stage tickets or
// final payouts, exactly once per room.
type AdvancementEngine struct {
	tx        Transactor
	rooms     *RoomManager
	tickets   TicketRepository
	payouts   PayoutRepository
	events    EventPublisher
	cfg       model.FunnelConfig
	clock     clock.Clock
	ticketTTL time.Duration
}

// NewAdvancementEngine wires an AdvancementEngine and registers it as
// the closure handler of rooms.
func NewAdvancementEngine(tx Transactor, rooms *RoomManager, tickets TicketRepository, payouts PayoutRepository,
	events EventPublisher, clk clock.Clock, ticketTTL time.Duration) *AdvancementEngine {
	if clk == nil {
		clk = clock.NewSystem()
	}
	a := &AdvancementEngine{
		tx: tx, rooms: rooms, tickets: tickets, payouts: payouts, events: events,
		cfg: rooms.Config(), clock: clk, ticketTTL: ticketTTL,
	}
	rooms.SetClosureHandler(func(ctx context.Context, slug string) error {
		_, err := a.ProcessClosure(ctx, slug)
		return err
	})
	return a
}

// OrderStandings sorts entrants by rank, earlier joinedAt first on a
// tie, then user id.  Unranked entrants go last.
func OrderStandings(entrants []model.Entrant) []model.Entrant {
	out := append([]model.Entrant(nil), entrants...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Rank > 0) != (b.Rank > 0) {
			return a.Rank > 0
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return out
}

// ProcessClosure issues the outcome of a closed room.  Non-final stages
// give the top branchingFactor ranked entrants a ticket for the next
// stage.  The final stage pays every ranked entrant one record per
// tier containing their position.  A processed room returns its stored
// outcome; a run interrupted midway skips what it already wrote.
func (a *AdvancementEngine) ProcessClosure(ctx context.Context, roomSlug string) (AdvancementResult, error) {
	res := AdvancementResult{RoomSlug: roomSlug}
	var room *model.Room
	err := a.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		room, err = a.rooms.rooms.GetRoomForUpdate(ctx, roomSlug)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		res.Stage = room.Stage
		if room.Status != model.RoomClosed {
			return ErrRoomNotClosed
		}
		if room.ClosureProcessed {
			res.AlreadyProcessed = true
			return a.loadOutcome(ctx, room, &res)
		}

		entrants, err := a.rooms.rooms.ListEntrants(ctx, room.Slug)
		if err != nil {
			return err
		}
		standings := OrderStandings(entrants)
		now := a.clock.Now()
		if a.cfg.IsFinalStage(room.Stage) {
			err = a.issuePayouts(ctx, room, standings, now)
		} else {
			err = a.issueTickets(ctx, room, standings, now)
		}
		if err != nil {
			return err
		}
		if _, err := a.rooms.rooms.MarkClosureProcessed(ctx, room.Slug); err != nil {
			return err
		}
		return a.loadOutcome(ctx, room, &res)
	})
	if err != nil {
		return res, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	if len(res.Tickets) > 0 {
		next, err := a.rooms.SelectRoom(ctx, room.Stage+1)
		if err != nil {
			log.Printf("advancement: no stage %d room after %s: %v", room.Stage+1, room.Slug, err)
		} else {
			res.NextRoomSlug = next.Slug
		}
		log.Printf("advancement: room %s issued %d tickets for stage %d", room.Slug, len(res.Tickets), room.Stage+1)
	}
	if len(res.Payouts) > 0 {
		log.Printf("advancement: room %s created %d payouts", room.Slug, len(res.Payouts))
		if a.events != nil {
			for _, p := range res.Payouts {
				if err := a.events.PublishPayout(ctx, p); err != nil {
					log.Printf("advancement: publish payout %s failed: %v", p.ID, err)
				}
			}
		}
	}
	return res, nil
}

func (a *AdvancementEngine) issueTickets(ctx context.Context, room *model.Room, standings []model.Entrant, now time.Time) error {
	issued := 0
	for _, e := range standings {
		if issued >= a.cfg.BranchingFactor || e.Rank == 0 {
			break
		}
		t := &model.StageTicket{
			ID:             uuid.NewString(),
			UserID:         e.UserID,
			Stage:          room.Stage + 1,
			SourceRoomSlug: room.Slug,
			IssuedAt:       now,
			ExpiresAt:      now.Add(a.ticketTTL),
		}
		if err := a.tickets.InsertTicket(ctx, t); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return err
		}
		issued++
	}
	return nil
}

func (a *AdvancementEngine) issuePayouts(ctx context.Context, room *model.Room, standings []model.Entrant, now time.Time) error {
	for i, e := range standings {
		if e.Rank == 0 {
			break
		}
		position := i + 1
		for _, tier := range a.cfg.TiersForRank(position) {
			p := &model.PayoutRecord{
				ID:        uuid.NewString(),
				RoomSlug:  room.Slug,
				UserID:    e.UserID,
				Rank:      position,
				TierIndex: tier,
				Amount:    a.cfg.PayoutTiers[tier].Amount,
				CreatedAt: now,
			}
			if err := a.payouts.InsertPayout(ctx, p); err != nil && !errors.Is(err, repository.ErrDuplicate) {
				return err
			}
		}
	}
	return nil
}

func (a *AdvancementEngine) loadOutcome(ctx context.Context, room *model.Room, res *AdvancementResult) error {
	var err error
	if a.cfg.IsFinalStage(room.Stage) {
		res.Payouts, err = a.payouts.ListPayoutsByRoom(ctx, room.Slug)
		return err
	}
	res.Tickets, err = a.tickets.ListTicketsBySource(ctx, room.Slug)
	return err
}

// ResumePending processes every closed room whose advancement has not
// run, for instance after a crash between closure and issuance.
func (a *AdvancementEngine) ResumePending(ctx context.Context) (int, error) {
	rooms, err := a.rooms.rooms.ListRooms(ctx, model.RoomFilter{Status: model.RoomClosed, Unprocessed: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, room := range rooms {
		if _, err := a.ProcessClosure(ctx, room.Slug); err != nil {
			log.Printf("advancement: resume %s failed: %v", room.Slug, err)
			continue
		}
		n++
	}
	return n, nil
}
