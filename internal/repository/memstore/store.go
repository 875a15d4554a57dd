// Package memstore is an in-process implementation of the funnel
// repositories.  It backs APP_STORE=memory and the service tests.  A
// transaction holds the store lock for its whole duration and restores
// a snapshot when it fails, so admission stays serialized.
package memstore

import (
	"context"
	"sync"

	"github.com/iliyamo/pi-funnel/internal/model"
)

type txKey struct{}

type state struct {
	rooms    map[string]model.Room
	roomSeq  uint64
	entrants []model.Entrant
	entSeq   uint64
	tickets  map[string]model.StageTicket
	payments map[string]model.Payment
	payouts  []model.PayoutRecord
	users    map[string]model.User
}

func (s *state) clone() *state {
	c := &state{
		rooms:    make(map[string]model.Room, len(s.rooms)),
		roomSeq:  s.roomSeq,
		entrants: append([]model.Entrant(nil), s.entrants...),
		entSeq:   s.entSeq,
		tickets:  make(map[string]model.StageTicket, len(s.tickets)),
		payments: make(map[string]model.Payment, len(s.payments)),
		payouts:  append([]model.PayoutRecord(nil), s.payouts...),
		users:    make(map[string]model.User, len(s.users)),
	}
	for k, v := range s.rooms {
		c.rooms[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

// Store holds every funnel record in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: &state{
		rooms:    map[string]model.Room{},
		tickets:  map[string]model.StageTicket{},
		payments: map[string]model.Payment{},
		users:    map[string]model.User{},
	}}
}

// WithTx runs fn with the store locked.  Nested calls join the running
// transaction.  When fn fails every change it made is discarded.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock takes the store lock unless ctx already holds it.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}
