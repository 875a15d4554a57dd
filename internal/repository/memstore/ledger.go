package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
	"github.com/iliyamo/pi-funnel/internal/utils"
)

func (s *Store) CreatePayment(ctx context.Context, p *model.Payment) error {
	defer s.lock(ctx)()
	if _, ok := s.st.payments[p.ID]; ok {
		return repository.ErrDuplicate
	}
	p.UpdatedAt = p.CreatedAt
	s.st.payments[p.ID] = *p
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	defer s.lock(ctx)()
	p, ok := s.st.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetPaymentForUpdate(ctx context.Context, id string) (*model.Payment, error) {
	return s.GetPayment(ctx, id)
}

func (s *Store) TransitionPayment(ctx context.Context, id string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	p, ok := s.st.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	if to == model.PaymentServerApproved {
		p.ApprovedAt = &at
	}
	s.st.payments[id] = p
	return true, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id, txRef, roomSlug string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	p, ok := s.st.payments[id]
	if !ok || p.Status != model.PaymentServerApproved {
		return false, nil
	}
	p.Status = model.PaymentCompleted
	p.TxRef = txRef
	p.RoomSlug = roomSlug
	p.CompletedAt = &at
	p.UpdatedAt = at
	s.st.payments[id] = p
	return true, nil
}

func (s *Store) ListPayments(ctx context.Context, f model.PaymentFilter) ([]model.Payment, error) {
	defer s.lock(ctx)()
	var out []model.Payment
	for _, p := range s.st.payments {
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.RoomSlug != "" && p.RoomSlug != f.RoomSlug {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.UpdatedBefore != nil && p.UpdatedAt.After(*f.UpdatedBefore) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertTicket(ctx context.Context, t *model.StageTicket) error {
	defer s.lock(ctx)()
	for _, x := range s.st.tickets {
		if x.ID == t.ID || (x.SourceRoomSlug == t.SourceRoomSlug && x.UserID == t.UserID) {
			return repository.ErrDuplicate
		}
	}
	s.st.tickets[t.ID] = *t
	return nil
}

func (s *Store) GetTicketForUpdate(ctx context.Context, id string) (*model.StageTicket, error) {
	defer s.lock(ctx)()
	t, ok := s.st.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s *Store) MarkTicketUsed(ctx context.Context, id, roomSlug string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	t, ok := s.st.tickets[id]
	if !ok || t.Used {
		return false, nil
	}
	t.Used = true
	t.UsedAt = &at
	t.RedeemedRoomSlug = roomSlug
	s.st.tickets[id] = t
	return true, nil
}

func (s *Store) listTickets(keep func(model.StageTicket) bool, newestFirst bool) []model.StageTicket {
	var out []model.StageTicket
	for _, t := range s.st.tickets {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt) != newestFirst
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) ListTicketsBySource(ctx context.Context, slug string) ([]model.StageTicket, error) {
	defer s.lock(ctx)()
	return s.listTickets(func(t model.StageTicket) bool { return t.SourceRoomSlug == slug }, false), nil
}

func (s *Store) ListTicketsByUser(ctx context.Context, userID string, includeUsed bool) ([]model.StageTicket, error) {
	defer s.lock(ctx)()
	return s.listTickets(func(t model.StageTicket) bool {
		return t.UserID == userID && (includeUsed || !t.Used)
	}, true), nil
}

func (s *Store) InsertPayout(ctx context.Context, p *model.PayoutRecord) error {
	defer s.lock(ctx)()
	for _, x := range s.st.payouts {
		if x.RoomSlug == p.RoomSlug && x.UserID == p.UserID && x.TierIndex == p.TierIndex {
			return repository.ErrDuplicate
		}
	}
	s.st.payouts = append(s.st.payouts, *p)
	return nil
}

func (s *Store) ListPayoutsByRoom(ctx context.Context, slug string) ([]model.PayoutRecord, error) {
	defer s.lock(ctx)()
	var out []model.PayoutRecord
	for _, p := range s.st.payouts {
		if p.RoomSlug == slug {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].TierIndex < out[j].TierIndex
	})
	return out, nil
}

// Users

func (s *Store) Create(ctx context.Context, email, password, role string, cost int) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return "", err
	}
	defer s.lock(ctx)()
	for _, u := range s.st.users {
		if u.Email == email {
			return "", repository.ErrEmailExists
		}
	}
	now := time.Now().UTC()
	u := model.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, Role: role, IsActive: true, CreatedAt: now, UpdatedAt: now}
	s.st.users[u.ID] = u
	return u.ID, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	defer s.lock(ctx)()
	for _, u := range s.st.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (s *Store) GetByID(ctx context.Context, id string) (model.User, error) {
	defer s.lock(ctx)()
	u, ok := s.st.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (s *Store) EnsureAdmin(ctx context.Context, email, password string, cost int) (string, bool, error) {
	if u, err := s.GetByEmail(ctx, email); err == nil {
		return u.ID, false, nil
	}
	id, err := s.Create(ctx, email, password, model.RoleAdmin, cost)
	return id, err == nil, err
}
