package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/pi-funnel/internal/clock"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository/memstore"
)

var (
	_ Transactor        = (*memstore.Store)(nil)
	_ RoomRepository    = (*memstore.Store)(nil)
	_ PaymentRepository = (*memstore.Store)(nil)
	_ TicketRepository  = (*memstore.Store)(nil)
	_ PayoutRepository  = (*memstore.Store)(nil)
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testFunnel() model.FunnelConfig {
	return model.FunnelConfig{
		StageCount:      5,
		BranchingFactor: 5,
		RoomCapacity:    25,
		EntryFee:        dec("0.15"),
		PayoutTiers: []model.PayoutTier{
			{MinRank: 1, MaxRank: 1, Amount: dec("1000")},
			{MinRank: 2, MaxRank: 2, Amount: dec("500")},
			{MinRank: 3, MaxRank: 3, Amount: dec("250")},
			{MinRank: 4, MaxRank: 4, Amount: dec("100")},
			{MinRank: 5, MaxRank: 5, Amount: dec("50")},
			{MinRank: 6, MaxRank: 10, Amount: dec("20")},
			{MinRank: 10, MaxRank: 20, Amount: dec("10")},
		},
	}
}

type fakeProvider struct {
	mu        sync.Mutex
	payments  map[string]model.ProviderPayment
	approved  map[string]int
	completed map[string]int
	cancelled map[string]int
	fail      error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		payments:  map[string]model.ProviderPayment{},
		approved:  map[string]int{},
		completed: map[string]int{},
		cancelled: map[string]int{},
	}
}

// add registers a provider payment; a non-empty txID marks it settled.
func (f *fakeProvider) add(id, user, amount, txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[id] = model.ProviderPayment{
		ID: id, UserID: user, Amount: dec(amount), TxID: txID, TransactionVerified: txID != "",
	}
}

func (f *fakeProvider) settle(id, txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	p.TxID = txID
	p.TransactionVerified = true
	f.payments[id] = p
}

func (f *fakeProvider) GetPayment(_ context.Context, id string) (model.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return model.ProviderPayment{}, f.fail
	}
	p, ok := f.payments[id]
	if !ok {
		return p, errors.New("payment not found at provider")
	}
	return p, nil
}

func (f *fakeProvider) Approve(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	p.DeveloperApproved = true
	f.payments[id] = p
	f.approved[id]++
	return nil
}

func (f *fakeProvider) Complete(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	p.DeveloperCompleted = true
	f.payments[id] = p
	f.completed[id]++
	return nil
}

func (f *fakeProvider) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	p.Cancelled = true
	f.payments[id] = p
	f.cancelled[id]++
	return nil
}

type fakeScorer struct {
	ranks map[string]map[string]int
	err   error
}

func (f *fakeScorer) Rank(_ context.Context, slug string, _ []string) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ranks[slug], nil
}

type fakeEvents struct {
	mu      sync.Mutex
	closed  []string
	payouts []model.PayoutRecord
	fail    error
}

func (f *fakeEvents) PublishRoomClosed(_ context.Context, room model.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.closed = append(f.closed, room.Slug)
	return nil
}

func (f *fakeEvents) PublishPayout(_ context.Context, p model.PayoutRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payouts = append(f.payouts, p)
	return nil
}

type fixture struct {
	store      *memstore.Store
	clock      *clock.Manual
	provider   *fakeProvider
	scorer     *fakeScorer
	manager    *RoomManager
	reconciler *PaymentReconciler
	gateway    *EntryGateway
	engine     *AdvancementEngine
}

func newFixture(t *testing.T, cfg model.FunnelConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		clock:    clock.NewManual(t0),
		provider: newFakeProvider(),
		scorer:   &fakeScorer{ranks: map[string]map[string]int{}},
	}
	opts := RoomOptions{StageInterval: 24 * time.Hour, PlayWindow: 30 * time.Minute, SeatFillEstimate: time.Minute}
	f.manager = NewRoomManager(f.store, f.store, cfg, f.clock, opts, f.scorer, nil)
	f.reconciler = NewPaymentReconciler(f.store, f.store, f.manager, f.provider, f.clock, 30*time.Minute)
	f.gateway = NewEntryGateway(f.store, f.manager, f.reconciler, f.store, f.store, f.clock)
	f.engine = NewAdvancementEngine(f.store, f.manager, f.store, f.store, nil, f.clock, 48*time.Hour)
	return f
}

// buySeat runs the full stage-1 payment flow for user and returns the
// seat.  The clock moves one second per call so joinedAt is ordered.
func (f *fixture) buySeat(t *testing.T, user, roomSlug string) *model.Entrant {
	t.Helper()
	ctx := context.Background()
	pid := "pay-" + user
	f.provider.add(pid, user, "0.15", "tx-"+user)
	if _, err := f.gateway.Join(ctx, JoinRequest{UserID: user, RoomSlug: roomSlug, Stage: 1, PaymentID: pid}); err != nil {
		t.Fatalf("join %s: %v", user, err)
	}
	f.clock.Advance(time.Second)
	res, err := f.gateway.Confirm(ctx, ConfirmRequest{RoomSlug: roomSlug, UserID: user, Stage: 1, PaymentID: pid, TxRef: "tx-" + user})
	if err != nil {
		t.Fatalf("confirm %s: %v", user, err)
	}
	if res.Status != Admitted {
		t.Fatalf("expected admitted for %s, got %s", user, res.Status)
	}
	return res.Entrant
}

// fillRoom seats n users named prefix-1..prefix-n in a fresh stage-1
// room and returns its slug.
func (f *fixture) fillRoom(t *testing.T, prefix string, n int) string {
	t.Helper()
	room, err := f.manager.SelectRoom(context.Background(), 1)
	if err != nil {
		t.Fatalf("select room: %v", err)
	}
	for i := 1; i <= n; i++ {
		f.buySeat(t, fmt.Sprintf("%s-%d", prefix, i), room.Slug)
	}
	return room.Slug
}
