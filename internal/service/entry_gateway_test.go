package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
)

func TestEntryGateway_Join(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("auto selects oldest open room", func(t *testing.T) {
		f := newFixture(t, testFunnel())
		res, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice"})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		again, err := f.gateway.Join(ctx, JoinRequest{UserID: "bob"})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if res.AssignedRoomSlug == "" || res.AssignedRoomSlug != again.AssignedRoomSlug {
			t.Fatalf("expected both users in the same room, got %q and %q", res.AssignedRoomSlug, again.AssignedRoomSlug)
		}
		if res.ETASeconds != 25*60 {
			t.Fatalf("expected eta 1500s for an empty room, got %d", res.ETASeconds)
		}
		room, _ := f.manager.GetRoom(ctx, res.AssignedRoomSlug)
		if room.EntrantsCount != 0 {
			t.Fatalf("expected join to take no seat")
		}
	})

	t.Run("with payment approves it", func(t *testing.T) {
		f := newFixture(t, testFunnel())
		f.provider.add("pay-1", "alice", "0.15", "")
		res, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice", Stage: 1, PaymentID: "pay-1"})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if res.PaymentStatus != model.PaymentServerApproved {
			t.Fatalf("expected approved payment, got %s", res.PaymentStatus)
		}
	})

	t.Run("later stages need a ticket", func(t *testing.T) {
		f := newFixture(t, testFunnel())
		if _, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice", Stage: 2}); !errors.Is(err, ErrStageRequiresTicket) {
			t.Fatalf("expected ErrStageRequiresTicket, got %v", err)
		}
	})

	t.Run("duplicate entry", func(t *testing.T) {
		f := newFixture(t, testFunnel())
		f.buySeat(t, "alice", "")
		if _, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice"}); !errors.Is(err, ErrDuplicateEntry) {
			t.Fatalf("expected ErrDuplicateEntry, got %v", err)
		}
	})

	t.Run("full room suggests fallback", func(t *testing.T) {
		cfg := testFunnel()
		cfg.RoomCapacity = 1
		f := newFixture(t, cfg)
		seat := f.buySeat(t, "alice", "")
		_, err := f.gateway.Join(ctx, JoinRequest{UserID: "bob", RoomSlug: seat.RoomSlug})
		if !errors.Is(err, ErrRoomFull) || FallbackOf(err) == "" {
			t.Fatalf("expected RoomFull with fallback, got %v", err)
		}
	})

	t.Run("pending payment is resolved first", func(t *testing.T) {
		f := newFixture(t, testFunnel())
		f.provider.add("pay-old", "alice", "0.15", "")
		if _, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice", PaymentID: "pay-old"}); err != nil {
			t.Fatalf("join: %v", err)
		}
		f.provider.add("pay-new", "alice", "0.15", "")
		if _, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice", PaymentID: "pay-new"}); err != nil {
			t.Fatalf("second join: %v", err)
		}
		old, _ := f.store.GetPayment(ctx, "pay-old")
		if old.Status != model.PaymentCancelled {
			t.Fatalf("expected abandoned payment voided, got %s", old.Status)
		}
	})

	t.Run("repeated approval keeps the payment", func(t *testing.T) {
		f := newFixture(t, testFunnel())
		f.provider.add("pay-1", "alice", "0.15", "")
		req := JoinRequest{UserID: "alice", PaymentID: "pay-1"}
		first, err := f.gateway.Join(ctx, req)
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		again, err := f.gateway.Join(ctx, req)
		if err != nil {
			t.Fatalf("repeated join: %v", err)
		}
		if again.PaymentStatus != model.PaymentServerApproved || f.provider.cancelled["pay-1"] != 0 {
			t.Fatalf("expected payment still approved, got %s with %d provider cancels", again.PaymentStatus, f.provider.cancelled["pay-1"])
		}

		f.provider.settle("pay-1", "tx-1")
		res, err := f.gateway.Confirm(ctx, ConfirmRequest{RoomSlug: first.AssignedRoomSlug, UserID: "alice", PaymentID: "pay-1", TxRef: "tx-1"})
		if err != nil || res.Status != Admitted {
			t.Fatalf("expected admitted after repeated join, got %+v, %v", res, err)
		}
	})
}

func TestEntryGateway_Confirm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, testFunnel())
	f.provider.add("pay-1", "alice", "0.15", "tx-1")
	joined, err := f.gateway.Join(ctx, JoinRequest{UserID: "alice", PaymentID: "pay-1"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := f.gateway.Confirm(ctx, ConfirmRequest{UserID: "bob", PaymentID: "pay-1", TxRef: "tx-1"}); !errors.Is(err, ErrPaymentVerification) {
		t.Fatalf("expected another user's confirm to fail, got %v", err)
	}
	if _, err := f.gateway.Confirm(ctx, ConfirmRequest{UserID: "alice", PaymentID: "nope"}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	res, err := f.gateway.Confirm(ctx, ConfirmRequest{RoomSlug: joined.AssignedRoomSlug, UserID: "alice", Stage: 1, PaymentID: "pay-1", TxRef: "tx-1"})
	if err != nil || res.Status != Admitted {
		t.Fatalf("expected admitted, got %+v, %v", res, err)
	}
	if res.Entrant.RoomSlug != joined.AssignedRoomSlug || res.Entrant.PaymentRef == nil {
		t.Fatalf("unexpected entrant %+v", res.Entrant)
	}
}

// issueTicket buys user a seat in a one-seat stage-1 room, closes it
// with user ranked first and returns the stage-2 ticket it produced.
func issueTicket(t *testing.T, f *fixture, user string) model.StageTicket {
	t.Helper()
	ctx := context.Background()
	seat := f.buySeat(t, user, "")
	if _, err := f.manager.CloseRoom(ctx, seat.RoomSlug, map[string]int{user: 1}); err != nil {
		t.Fatalf("close: %v", err)
	}
	tickets, err := f.gateway.Tickets(ctx, user, false)
	if err != nil || len(tickets) != 1 {
		t.Fatalf("expected one ticket for %s, got %d, %v", user, len(tickets), err)
	}
	return tickets[0]
}

func TestEntryGateway_Redeem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	oneSeat := testFunnel()
	oneSeat.RoomCapacity = 1

	t.Run("single use", func(t *testing.T) {
		f := newFixture(t, oneSeat)
		ticket := issueTicket(t, f, "alice")
		req := RedeemRequest{UserID: "alice", TicketID: ticket.ID}
		res, err := f.gateway.Redeem(ctx, req)
		if err != nil || res.Status != Admitted {
			t.Fatalf("expected admitted, got %+v, %v", res, err)
		}
		if res.Entrant.Stage != 2 {
			t.Fatalf("expected a stage 2 seat, got %d", res.Entrant.Stage)
		}
		if _, err := f.gateway.Redeem(ctx, req); !errors.Is(err, ErrTicketAlreadyUsed) {
			t.Fatalf("expected ErrTicketAlreadyUsed, got %v", err)
		}
		if left, _ := f.gateway.Tickets(ctx, "alice", false); len(left) != 0 {
			t.Fatalf("expected no unused tickets, got %d", len(left))
		}
	})

	t.Run("room full leaves ticket unused", func(t *testing.T) {
		f := newFixture(t, oneSeat)
		alice := issueTicket(t, f, "alice")
		bob := issueTicket(t, f, "bob")
		res, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "alice", TicketID: alice.ID})
		if err != nil {
			t.Fatalf("redeem alice: %v", err)
		}
		full := res.Entrant.RoomSlug

		_, err = f.gateway.Redeem(ctx, RedeemRequest{UserID: "bob", TicketID: bob.ID, RoomSlug: full})
		if !errors.Is(err, ErrRoomFull) {
			t.Fatalf("expected ErrRoomFull, got %v", err)
		}
		fallback := FallbackOf(err)
		if fallback == "" {
			t.Fatalf("expected fallback room")
		}
		left, _ := f.gateway.Tickets(ctx, "bob", false)
		if len(left) != 1 || left[0].Used {
			t.Fatalf("expected bob's ticket unused, got %+v", left)
		}
		if _, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "bob", TicketID: bob.ID, RoomSlug: fallback}); err != nil {
			t.Fatalf("redeem in fallback: %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, oneSeat)
		ticket := issueTicket(t, f, "alice")
		f.clock.Advance(48 * time.Hour)
		if _, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "alice", TicketID: ticket.ID}); !errors.Is(err, ErrTicketExpired) {
			t.Fatalf("expected ErrTicketExpired, got %v", err)
		}
	})

	t.Run("stage mismatch", func(t *testing.T) {
		f := newFixture(t, oneSeat)
		ticket := issueTicket(t, f, "alice")
		stage3, _ := f.manager.CreateRoom(ctx, 3)
		if _, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "alice", TicketID: ticket.ID, RoomSlug: stage3.Slug}); !errors.Is(err, ErrTicketStageMismatch) {
			t.Fatalf("expected ErrTicketStageMismatch, got %v", err)
		}
	})

	t.Run("not the owner", func(t *testing.T) {
		f := newFixture(t, oneSeat)
		ticket := issueTicket(t, f, "alice")
		if _, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "mallory", TicketID: ticket.ID}); !errors.Is(err, ErrTicketNotFound) {
			t.Fatalf("expected ErrTicketNotFound, got %v", err)
		}
		if _, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "alice", TicketID: "missing"}); !errors.Is(err, ErrTicketNotFound) {
			t.Fatalf("expected ErrTicketNotFound, got %v", err)
		}
	})
}

func TestEntryGateway_RedeemConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	oneSeat := testFunnel()
	oneSeat.RoomCapacity = 1
	f := newFixture(t, oneSeat)
	ticket := issueTicket(t, f, "alice")

	const tabs = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		used     int
		other    []error
	)
	wg.Add(tabs)
	for i := 0; i < tabs; i++ {
		go func() {
			defer wg.Done()
			res, err := f.gateway.Redeem(ctx, RedeemRequest{UserID: "alice", TicketID: ticket.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Status == Admitted:
				admitted++
			case errors.Is(err, ErrTicketAlreadyUsed):
				used++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if admitted != 1 || used != tabs-1 {
		t.Fatalf("expected 1 admitted and %d already used, got %d and %d", tabs-1, admitted, used)
	}
	if held, _ := f.store.HasEntrant(ctx, 2, "alice"); !held {
		t.Fatalf("expected alice seated in stage 2")
	}
	if left, _ := f.gateway.Tickets(ctx, "alice", false); len(left) != 0 {
		t.Fatalf("expected the ticket spent, got %d unused", len(left))
	}
}
