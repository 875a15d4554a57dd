package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_RollbackRestoresState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	if err := s.CreateRoom(ctx, &model.Room{Slug: "r1", Stage: 1, Capacity: 2, CreatedAt: now}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if ok, err := s.IncrementIfSpace(ctx, "r1", true, now); err != nil || !ok {
			t.Fatalf("increment: %v %v", ok, err)
		}
		if err := s.InsertEntrant(ctx, &model.Entrant{RoomSlug: "r1", Stage: 1, UserID: "alice", JoinedAt: now}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		// nested transactions join the outer one
		return s.WithTx(ctx, func(ctx context.Context) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	room, _ := s.GetRoom(ctx, "r1")
	if room.EntrantsCount != 0 {
		t.Fatalf("expected count rolled back, got %d", room.EntrantsCount)
	}
	if held, _ := s.HasEntrant(ctx, 1, "alice"); held {
		t.Fatalf("expected entrant rolled back")
	}
}

func TestStore_IncrementIfSpace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_ = s.CreateRoom(ctx, &model.Room{Slug: "r1", Stage: 1, Capacity: 2, CreatedAt: now})
	_ = s.CreateRoom(ctx, &model.Room{Slug: "r2", Stage: 2, Capacity: 1, CreatedAt: now})

	for i, want := range []bool{true, true, false} {
		ok, err := s.IncrementIfSpace(ctx, "r1", true, now)
		if err != nil || ok != want {
			t.Fatalf("call %d: expected %v, got %v (%v)", i, want, ok, err)
		}
	}
	r1, _ := s.GetRoom(ctx, "r1")
	if r1.Status != model.RoomLive || r1.LiveAt == nil {
		t.Fatalf("expected full stage 1 room live, got %s", r1.Status)
	}

	_, _ = s.IncrementIfSpace(ctx, "r2", false, now)
	r2, _ := s.GetRoom(ctx, "r2")
	if r2.Status != model.RoomFilling {
		t.Fatalf("expected scheduled room to stay filling, got %s", r2.Status)
	}
	if _, err := s.FirstOpenRoom(ctx, 2); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected no open stage 2 room, got %v", err)
	}
}

func TestStore_Uniqueness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	pay := "p1"
	if err := s.InsertEntrant(ctx, &model.Entrant{RoomSlug: "r1", Stage: 1, UserID: "alice", PaymentRef: &pay}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertEntrant(ctx, &model.Entrant{RoomSlug: "r2", Stage: 1, UserID: "alice"}); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected one seat per stage, got %v", err)
	}
	if err := s.InsertEntrant(ctx, &model.Entrant{RoomSlug: "r1", Stage: 1, UserID: "bob", PaymentRef: &pay}); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected one seat per payment, got %v", err)
	}

	tk := &model.StageTicket{ID: "t1", UserID: "alice", Stage: 2, SourceRoomSlug: "r1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.InsertTicket(ctx, tk); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	again := *tk
	again.ID = "t2"
	if err := s.InsertTicket(ctx, &again); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected one ticket per source room and user, got %v", err)
	}
	if ok, _ := s.MarkTicketUsed(ctx, "t1", "r9", now); !ok {
		t.Fatalf("expected first use to succeed")
	}
	if ok, _ := s.MarkTicketUsed(ctx, "t1", "r9", now); ok {
		t.Fatalf("expected second use to fail")
	}
}

func TestStore_Users(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	id, created, err := s.EnsureAdmin(ctx, "Admin@Example.com", "secret123", 4)
	if err != nil || !created {
		t.Fatalf("ensure admin: %v %v", created, err)
	}
	again, created, err := s.EnsureAdmin(ctx, "admin@example.com", "other", 4)
	if err != nil || created || again != id {
		t.Fatalf("expected existing admin reused, got %s %v %v", again, created, err)
	}
	if _, err := s.Create(ctx, "admin@example.com", "x", model.RolePlayer, 4); !errors.Is(err, repository.ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
	u, err := s.GetByID(ctx, id)
	if err != nil || u.Role != model.RoleAdmin {
		t.Fatalf("expected admin role, got %+v %v", u, err)
	}
}
