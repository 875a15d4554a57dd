package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
)

func (s *Store) CreateRoom(ctx context.Context, room *model.Room) error {
	defer s.lock(ctx)()
	if _, ok := s.st.rooms[room.Slug]; ok {
		return repository.ErrDuplicate
	}
	if room.Status == "" {
		room.Status = model.RoomFilling
	}
	s.st.roomSeq++
	room.ID = s.st.roomSeq
	room.EntrantsCount = 0
	room.UpdatedAt = room.CreatedAt
	s.st.rooms[room.Slug] = *room
	return nil
}

func (s *Store) GetRoom(ctx context.Context, slug string) (*model.Room, error) {
	defer s.lock(ctx)()
	r, ok := s.st.rooms[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (s *Store) GetRoomForUpdate(ctx context.Context, slug string) (*model.Room, error) {
	return s.GetRoom(ctx, slug)
}

func (s *Store) FirstOpenRoom(ctx context.Context, stage int) (*model.Room, error) {
	defer s.lock(ctx)()
	var best *model.Room
	for _, r := range s.st.rooms {
		if r.Stage != stage || !r.Accepting() {
			continue
		}
		if best == nil || roomBefore(r, *best) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func roomBefore(a, b model.Room) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) ListRooms(ctx context.Context, f model.RoomFilter) ([]model.Room, error) {
	defer s.lock(ctx)()
	var out []model.Room
	for _, r := range s.st.rooms {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Stage > 0 && r.Stage != f.Stage {
			continue
		}
		if f.MinStage > 0 && r.Stage < f.MinStage {
			continue
		}
		if f.StartDueBy != nil && (r.NextStartAt == nil || r.NextStartAt.After(*f.StartDueBy)) {
			continue
		}
		if f.LiveBefore != nil && (r.LiveAt == nil || r.LiveAt.After(*f.LiveBefore)) {
			continue
		}
		if f.Unprocessed && r.ClosureProcessed {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return roomBefore(out[i], out[j])
	})
	return out, nil
}

func (s *Store) IncrementIfSpace(ctx context.Context, slug string, promoteWhenFull bool, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	r, ok := s.st.rooms[slug]
	if !ok || r.Status != model.RoomFilling || r.EntrantsCount >= r.Capacity {
		return false, nil
	}
	r.EntrantsCount++
	if promoteWhenFull && r.EntrantsCount >= r.Capacity {
		r.Status = model.RoomLive
		at := now
		r.LiveAt = &at
	}
	r.UpdatedAt = now
	s.st.rooms[slug] = r
	return true, nil
}

func (s *Store) TransitionStatus(ctx context.Context, slug string, from, to model.RoomStatus, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	r, ok := s.st.rooms[slug]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case model.RoomLive:
		r.LiveAt = &at
	case model.RoomClosed:
		r.ClosedAt = &at
	}
	s.st.rooms[slug] = r
	return true, nil
}

func (s *Store) MarkClosureProcessed(ctx context.Context, slug string) (bool, error) {
	defer s.lock(ctx)()
	r, ok := s.st.rooms[slug]
	if !ok || r.Status != model.RoomClosed || r.ClosureProcessed {
		return false, nil
	}
	r.ClosureProcessed = true
	s.st.rooms[slug] = r
	return true, nil
}

func (s *Store) InsertEntrant(ctx context.Context, e *model.Entrant) error {
	defer s.lock(ctx)()
	for _, x := range s.st.entrants {
		if x.Stage == e.Stage && x.UserID == e.UserID {
			return repository.ErrDuplicate
		}
		if e.PaymentRef != nil && x.PaymentRef != nil && *x.PaymentRef == *e.PaymentRef {
			return repository.ErrDuplicate
		}
		if e.TicketRef != nil && x.TicketRef != nil && *x.TicketRef == *e.TicketRef {
			return repository.ErrDuplicate
		}
	}
	s.st.entSeq++
	e.ID = s.st.entSeq
	s.st.entrants = append(s.st.entrants, *e)
	return nil
}

func (s *Store) HasEntrant(ctx context.Context, stage int, userID string) (bool, error) {
	defer s.lock(ctx)()
	for _, x := range s.st.entrants {
		if x.Stage == stage && x.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListEntrants(ctx context.Context, slug string) ([]model.Entrant, error) {
	defer s.lock(ctx)()
	var out []model.Entrant
	for _, x := range s.st.entrants {
		if x.RoomSlug == slug {
			out = append(out, x)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetEntrantByPayment(ctx context.Context, paymentID string) (*model.Entrant, error) {
	defer s.lock(ctx)()
	for _, x := range s.st.entrants {
		if x.PaymentRef != nil && *x.PaymentRef == paymentID {
			e := x
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) SetRanks(ctx context.Context, slug string, ranks map[string]int) error {
	defer s.lock(ctx)()
	for i, x := range s.st.entrants {
		if x.RoomSlug != slug {
			continue
		}
		if r, ok := ranks[x.UserID]; ok {
			s.st.entrants[i].Rank = r
		}
	}
	return nil
}

func (s *Store) CountEntrants(ctx context.Context, slug string) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, x := range s.st.entrants {
		if x.RoomSlug == slug {
			n++
		}
	}
	return n, nil
}

// ForceEntrantsCount overwrites a room's seat counter.  Tests use it to
// simulate corrupted accounting for the capacity audit.
func (s *Store) ForceEntrantsCount(slug string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.st.rooms[slug]; ok {
		r.EntrantsCount = n
		s.st.rooms[slug] = r
	}
}
