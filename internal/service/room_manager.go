package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/pi-funnel/internal/clock"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
)

// RoomOptions holds the timing knobs of the room lifecycle.
type RoomOptions struct {
	// StageInterval is how far after creation a stage >= 2 room starts.
	StageInterval time.Duration
	// PlayWindow is how long a room stays live before it is resolved.
	PlayWindow time.Duration
	// SeatFillEstimate is the expected time to sell one stage-1 seat,
	// used for the join ETA.
	SeatFillEstimate time.Duration
}

// ClosureHandler runs advancement for a closed room.
type ClosureHandler func(ctx context.Context, slug string) error

// RoomManager owns the room state machine filling -> live -> closed and
// capacity-safe admission.
type RoomManager struct {
	tx     Transactor
	rooms  RoomRepository
	cfg    model.FunnelConfig
	clock  clock.Clock
	opts   RoomOptions
	scorer Scorer
	events EventPublisher

	onClosed ClosureHandler
}

// NewRoomManager wires a RoomManager.  scorer and events may be nil;
// without a scorer live rooms are only closed through CloseRoom.
func NewRoomManager(tx Transactor, rooms RoomRepository, cfg model.FunnelConfig, clk clock.Clock,
	opts RoomOptions, scorer Scorer, events EventPublisher) *RoomManager {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &RoomManager{tx: tx, rooms: rooms, cfg: cfg, clock: clk, opts: opts, scorer: scorer, events: events}
}

// SetClosureHandler registers the function run after a room closes.
func (m *RoomManager) SetClosureHandler(h ClosureHandler) { m.onClosed = h }

// Config returns the funnel shape the manager enforces.
func (m *RoomManager) Config() model.FunnelConfig { return m.cfg }

// CreateRoom opens a new filling room for stage.  Rooms of stage >= 2
// are scheduled to start StageInterval from now.
func (m *RoomManager) CreateRoom(ctx context.Context, stage int) (*model.Room, error) {
	if stage < 1 || stage > m.cfg.StageCount {
		return nil, fmt.Errorf("%w: stage %d outside 1..%d", ErrInvalidRequest, stage, m.cfg.StageCount)
	}
	now := m.clock.Now()
	room := &model.Room{
		Slug:      slug.Make(fmt.Sprintf("stage %d %s", stage, uuid.NewString()[:8])),
		Stage:     stage,
		Capacity:  m.cfg.RoomCapacity,
		Status:    model.RoomFilling,
		CreatedAt: now,
	}
	if stage > 1 {
		start := now.Add(m.opts.StageInterval)
		room.NextStartAt = &start
	}
	if err := m.rooms.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	log.Printf("room-manager: created room %s (stage %d)", room.Slug, stage)
	return room, nil
}

// SelectRoom returns the oldest filling room of stage with a free seat
// and creates one when there is none.
func (m *RoomManager) SelectRoom(ctx context.Context, stage int) (*model.Room, error) {
	room, err := m.rooms.FirstOpenRoom(ctx, stage)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return m.CreateRoom(ctx, stage)
}

// GetRoom loads a room by slug.
func (m *RoomManager) GetRoom(ctx context.Context, slug string) (*model.Room, error) {
	room, err := m.rooms.GetRoom(ctx, slug)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

// ETA estimates the seconds until the room starts: the time left to
// NextStartAt for scheduled rooms, otherwise the free seats times the
// fill estimate.
func (m *RoomManager) ETA(room *model.Room) int64 {
	if room.NextStartAt != nil {
		d := room.NextStartAt.Sub(m.clock.Now())
		if d <= 0 {
			return 0
		}
		return int64(math.Ceil(d.Seconds()))
	}
	free := room.Capacity - room.EntrantsCount
	if free <= 0 {
		return 0
	}
	return int64(free) * int64(m.opts.SeatFillEstimate/time.Second)
}

// TryAdmit takes one seat in the room for e.  Exactly min(N, capacity)
// of N concurrent calls succeed; the rest get a *RoomFullError that
// names a fallback room.
func (m *RoomManager) TryAdmit(ctx context.Context, roomSlug string, e *model.Entrant) (*model.Entrant, error) {
	var out *model.Entrant
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = m.admit(ctx, roomSlug, e)
		return err
	})
	if err != nil {
		return nil, m.WithFallback(ctx, err)
	}
	return out, nil
}

// admit must run inside a transaction.  The seat count is changed by a
// single conditional update so the capacity check cannot race.
func (m *RoomManager) admit(ctx context.Context, roomSlug string, e *model.Entrant) (*model.Entrant, error) {
	room, err := m.rooms.GetRoom(ctx, roomSlug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	if room.Status != model.RoomFilling {
		return nil, &RoomFullError{Slug: room.Slug, Stage: room.Stage}
	}
	held, err := m.rooms.HasEntrant(ctx, room.Stage, e.UserID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, ErrDuplicateEntry
	}

	now := m.clock.Now()
	// Stage-1 rooms only go live when full; the same update that takes
	// the last seat flips the status.
	ok, err := m.rooms.IncrementIfSpace(ctx, room.Slug, room.Stage == 1, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &RoomFullError{Slug: room.Slug, Stage: room.Stage}
	}
	seat := *e
	seat.RoomSlug = room.Slug
	seat.Stage = room.Stage
	seat.JoinedAt = now
	seat.Rank = 0
	if err := m.rooms.InsertEntrant(ctx, &seat); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateEntry
		}
		return nil, err
	}
	if room.Stage == 1 && room.EntrantsCount+1 >= room.Capacity {
		log.Printf("room-manager: room %s is full and live", room.Slug)
	}
	return &seat, nil
}

// WithFallback fills in the alternate room of a RoomFullError.  It
// must be called after the failed transaction has ended, since it may
// create a room.
func (m *RoomManager) WithFallback(ctx context.Context, err error) error {
	var rf *RoomFullError
	if !errors.As(err, &rf) || rf.FallbackSlug != "" {
		return err
	}
	alt, ferr := m.SelectRoom(ctx, rf.Stage)
	if ferr != nil {
		log.Printf("room-manager: no fallback for full room %s: %v", rf.Slug, ferr)
		return err
	}
	if alt.Slug != rf.Slug {
		rf.FallbackSlug = alt.Slug
	}
	return err
}

// StartDueRooms moves stage >= 2 rooms whose start time has passed to
// live, whatever their fill level.  Empty rooms close straight away.
func (m *RoomManager) StartDueRooms(ctx context.Context) (int, error) {
	now := m.clock.Now()
	due, err := m.rooms.ListRooms(ctx, model.RoomFilter{Status: model.RoomFilling, MinStage: 2, StartDueBy: &now})
	if err != nil {
		return 0, err
	}
	started := 0
	for _, room := range due {
		ok, err := m.rooms.TransitionStatus(ctx, room.Slug, model.RoomFilling, model.RoomLive, now)
		if err != nil {
			return started, err
		}
		if !ok {
			continue
		}
		started++
		log.Printf("room-manager: room %s (stage %d) started with %d/%d entrants",
			room.Slug, room.Stage, room.EntrantsCount, room.Capacity)
		if room.EntrantsCount == 0 {
			if _, err := m.CloseRoom(ctx, room.Slug, nil); err != nil {
				log.Printf("room-manager: close empty room %s: %v", room.Slug, err)
			}
		}
	}
	return started, nil
}

// ResolveLive asks the scorer for the order of every room that has been
// live for the play window and closes it.
func (m *RoomManager) ResolveLive(ctx context.Context) (int, error) {
	if m.scorer == nil {
		return 0, nil
	}
	cutoff := m.clock.Now().Add(-m.opts.PlayWindow)
	live, err := m.rooms.ListRooms(ctx, model.RoomFilter{Status: model.RoomLive, LiveBefore: &cutoff})
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, room := range live {
		entrants, err := m.rooms.ListEntrants(ctx, room.Slug)
		if err != nil {
			return closed, err
		}
		users := make([]string, 0, len(entrants))
		for _, e := range entrants {
			users = append(users, e.UserID)
		}
		ranks, err := m.scorer.Rank(ctx, room.Slug, users)
		if errors.Is(err, ErrScoresNotReady) {
			continue
		}
		if err != nil {
			log.Printf("room-manager: scoring room %s failed: %v", room.Slug, err)
			continue
		}
		if _, err := m.CloseRoom(ctx, room.Slug, ranks); err != nil {
			log.Printf("room-manager: close room %s: %v", room.Slug, err)
			continue
		}
		closed++
	}
	return closed, nil
}

// CloseRoom records the rank order of a live room, moves it to closed
// and triggers advancement.  Ranks below 1 are ignored; entrants
// without a rank stay unranked.
func (m *RoomManager) CloseRoom(ctx context.Context, roomSlug string, ranks map[string]int) (*model.Room, error) {
	clean := make(map[string]int, len(ranks))
	for user, r := range ranks {
		if r >= 1 {
			clean[user] = r
		}
	}
	var room *model.Room
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		room, err = m.rooms.GetRoomForUpdate(ctx, roomSlug)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if room.Status != model.RoomLive {
			return fmt.Errorf("%w: room %s is %s", ErrConcurrencyConflict, room.Slug, room.Status)
		}
		if err := m.rooms.SetRanks(ctx, room.Slug, clean); err != nil {
			return err
		}
		now := m.clock.Now()
		ok, err := m.rooms.TransitionStatus(ctx, room.Slug, model.RoomLive, model.RoomClosed, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: room %s changed state", ErrConcurrencyConflict, room.Slug)
		}
		room.Status = model.RoomClosed
		room.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("room-manager: room %s closed with %d ranked entrants", room.Slug, len(clean))
	m.announceClosed(ctx, *room)
	return room, nil
}

// announceClosed publishes the closure; the broker consumer runs
// advancement.  Without a broker advancement runs inline.  Either way
// the scheduled resume job catches anything missed.
func (m *RoomManager) announceClosed(ctx context.Context, room model.Room) {
	if m.events != nil {
		if err := m.events.PublishRoomClosed(ctx, room); err == nil {
			return
		}
		log.Printf("room-manager: publish room closed %s failed, advancing inline", room.Slug)
	}
	if m.onClosed == nil {
		return
	}
	if err := m.onClosed(ctx, room.Slug); err != nil {
		log.Printf("room-manager: advancement for %s failed: %v", room.Slug, err)
	}
}

// CapacityViolation describes a room whose seat accounting is broken.
type CapacityViolation struct {
	RoomSlug      string `json:"roomSlug"`
	Capacity      int    `json:"capacity"`
	EntrantsCount int    `json:"entrantsCount"`
	EntrantRows   int    `json:"entrantRows"`
}

// AuditCapacity checks every room for entrants_count > capacity or a
// count that disagrees with the entrant rows.  Violations are logged
// and returned for manual reconciliation; nothing is repaired.
func (m *RoomManager) AuditCapacity(ctx context.Context) ([]CapacityViolation, error) {
	rooms, err := m.rooms.ListRooms(ctx, model.RoomFilter{})
	if err != nil {
		return nil, err
	}
	var out []CapacityViolation
	for _, room := range rooms {
		n, err := m.rooms.CountEntrants(ctx, room.Slug)
		if err != nil {
			return out, err
		}
		if room.EntrantsCount > room.Capacity || n > room.Capacity || n != room.EntrantsCount {
			v := CapacityViolation{RoomSlug: room.Slug, Capacity: room.Capacity, EntrantsCount: room.EntrantsCount, EntrantRows: n}
			log.Printf("room-manager: INVARIANT VIOLATION room=%s capacity=%d entrants_count=%d entrant_rows=%d",
				v.RoomSlug, v.Capacity, v.EntrantsCount, v.EntrantRows)
			out = append(out, v)
		}
	}
	if len(out) > 0 {
		return out, fmt.Errorf("%w: %d rooms", ErrInvariantViolation, len(out))
	}
	return nil, nil
}

// RoomView is the public summary of a room.
type RoomView struct {
	Slug          string           `json:"slug"`
	Status        model.RoomStatus `json:"status"`
	EntrantsCount int              `json:"entrantsCount"`
	Capacity      int              `json:"capacity"`
	NextStartAt   *time.Time       `json:"nextStartAt"`
}

// StageView lists the open rooms of one stage.
type StageView struct {
	Stage int        `json:"stage"`
	Rooms []RoomView `json:"rooms"`
}

// StagesView is the funnel overview.
type StagesView struct {
	PrizePoolPi decimal.Decimal `json:"prizePoolPi"`
	Stages      []StageView     `json:"stages"`
}

// Stages returns every stage with its filling and live rooms, and the
// prize pool of the configured funnel.
func (m *RoomManager) Stages(ctx context.Context) (StagesView, error) {
	view := StagesView{PrizePoolPi: ComputeEconomics(m.cfg).TotalPayout}
	byStage := make([]StageView, m.cfg.StageCount)
	for i := range byStage {
		byStage[i] = StageView{Stage: i + 1, Rooms: []RoomView{}}
	}
	for _, st := range []model.RoomStatus{model.RoomFilling, model.RoomLive} {
		rooms, err := m.rooms.ListRooms(ctx, model.RoomFilter{Status: st})
		if err != nil {
			return view, err
		}
		for _, r := range rooms {
			if r.Stage < 1 || r.Stage > len(byStage) {
				continue
			}
			byStage[r.Stage-1].Rooms = append(byStage[r.Stage-1].Rooms, RoomView{
				Slug: r.Slug, Status: r.Status, EntrantsCount: r.EntrantsCount,
				Capacity: r.Capacity, NextStartAt: r.NextStartAt,
			})
		}
	}
	view.Stages = byStage
	return view, nil
}
