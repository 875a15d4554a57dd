package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/pi-funnel/internal/clock"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
)

// PaymentReconciler drives the provider payment lifecycle
// created -> serverApproved -> completed | cancelled | errored.  A seat
// is only taken when a payment completes.
type PaymentReconciler struct {
	tx       Transactor
	payments PaymentRepository
	rooms    *RoomManager
	provider PaymentProvider
	cfg      model.FunnelConfig
	clock    clock.Clock
	timeout  time.Duration
}

// NewPaymentReconciler wires a PaymentReconciler.  timeout is how long
// a payment may sit unfinished before PurgeStale resolves it.
func NewPaymentReconciler(tx Transactor, payments PaymentRepository, rooms *RoomManager,
	provider PaymentProvider, clk clock.Clock, timeout time.Duration) *PaymentReconciler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PaymentReconciler{
		tx: tx, payments: payments, rooms: rooms, provider: provider,
		cfg: rooms.Config(), clock: clk, timeout: timeout,
	}
}

// ExpectedAmount is the price of quantity stage-1 seats.
func (r *PaymentReconciler) ExpectedAmount(quantity int) decimal.Decimal {
	return r.cfg.EntryFee.Mul(decimal.NewFromInt(int64(quantity)))
}

// Approve handles the provider's ready-for-approval callback.  The
// amount must equal the entry fee and the room must still have a free
// seat.  No seat is reserved.  Approving an approved payment is a
// no-op.
func (r *PaymentReconciler) Approve(ctx context.Context, paymentID, userID, roomSlug string) (*model.Payment, error) {
	pp, err := r.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	if pp.UserID != "" && pp.UserID != userID {
		return nil, fmt.Errorf("%w: payment belongs to another user", ErrPaymentVerification)
	}
	if pp.Cancelled || pp.UserCancelled {
		return nil, ErrPaymentVoided
	}

	var (
		p        *model.Payment
		rejected error
	)
	err = r.tx.WithTx(ctx, func(ctx context.Context) error {
		now := r.clock.Now()
		existing, err := r.payments.GetPaymentForUpdate(ctx, paymentID)
		switch {
		case err == nil:
			p = existing
			if p.UserID != userID {
				return fmt.Errorf("%w: payment belongs to another user", ErrPaymentVerification)
			}
			switch p.Status {
			case model.PaymentServerApproved, model.PaymentCompleted:
				return nil
			case model.PaymentCancelled, model.PaymentErrored:
				return ErrPaymentVoided
			}
		case errors.Is(err, repository.ErrNotFound):
		default:
			return err
		}

		room, err := r.rooms.GetRoom(ctx, roomSlug)
		if err != nil {
			return err
		}
		if room.Stage != 1 {
			return ErrStageRequiresTicket
		}
		if !room.Accepting() {
			return &RoomFullError{Slug: room.Slug, Stage: room.Stage}
		}

		if p == nil {
			p = &model.Payment{
				ID: paymentID, UserID: userID, RoomSlug: room.Slug, Amount: pp.Amount,
				Quantity: 1, Status: model.PaymentCreated, CreatedAt: now, UpdatedAt: now,
			}
			if err := r.payments.CreatePayment(ctx, p); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return ErrConcurrencyConflict
				}
				return err
			}
		}
		if expected := r.ExpectedAmount(p.Quantity); !pp.Amount.Equal(expected) {
			rejected = fmt.Errorf("%w: got %s, want %s", ErrInvalidAmount, pp.Amount, expected)
			_, err := r.payments.TransitionPayment(ctx, p.ID, model.PaymentCreated, model.PaymentErrored, now)
			p.Status = model.PaymentErrored
			return err
		}
		return nil
	})
	if err != nil {
		return nil, r.rooms.WithFallback(ctx, err)
	}
	if rejected != nil {
		log.Printf("reconciler: payment %s rejected: %v", paymentID, rejected)
		if cerr := r.provider.Cancel(ctx, paymentID); cerr != nil {
			log.Printf("reconciler: provider cancel %s failed: %v", paymentID, cerr)
		}
		return p, rejected
	}
	if p.Status != model.PaymentCreated {
		return p, nil
	}

	if !pp.DeveloperApproved {
		if err := r.provider.Approve(ctx, paymentID); err != nil {
			return p, fmt.Errorf("%w: approve: %v", ErrPaymentProvider, err)
		}
	}
	now := r.clock.Now()
	if _, err := r.payments.TransitionPayment(ctx, paymentID, model.PaymentCreated, model.PaymentServerApproved, now); err != nil {
		return p, err
	}
	p.Status = model.PaymentServerApproved
	p.ApprovedAt = &now
	log.Printf("reconciler: payment %s approved for room %s", paymentID, p.RoomSlug)
	return p, nil
}

// Complete handles the provider's ready-for-completion callback.  The
// transaction reference is checked with the provider, the seat is
// taken and the payment marked completed in one transaction.  roomSlug
// overrides the approved room when the caller retries elsewhere after
// RoomFull.  A repeated call returns the seat of the first one.
func (r *PaymentReconciler) Complete(ctx context.Context, paymentID, txRef, roomSlug string) (*model.Entrant, error) {
	p, err := r.payments.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if p.Status == model.PaymentCompleted {
		return r.rooms.rooms.GetEntrantByPayment(ctx, paymentID)
	}
	if err := checkApproved(p); err != nil {
		return nil, err
	}

	pp, err := r.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	if pp.Cancelled || pp.UserCancelled {
		return nil, ErrPaymentVoided
	}
	if !pp.Settled() {
		return nil, fmt.Errorf("%w: transaction not verified", ErrPaymentVerification)
	}
	if txRef != "" && txRef != pp.TxID {
		return nil, fmt.Errorf("%w: transaction reference mismatch", ErrPaymentVerification)
	}
	if !pp.Amount.Equal(p.Amount) {
		return nil, fmt.Errorf("%w: amount changed", ErrPaymentVerification)
	}
	if roomSlug == "" {
		roomSlug = p.RoomSlug
	}

	var (
		seat  *model.Entrant
		fresh bool
	)
	err = r.tx.WithTx(ctx, func(ctx context.Context) error {
		locked, err := r.payments.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if locked.Status == model.PaymentCompleted {
			seat, err = r.rooms.rooms.GetEntrantByPayment(ctx, paymentID)
			return err
		}
		if err := checkApproved(locked); err != nil {
			return err
		}
		ref := paymentID
		seat, err = r.rooms.admit(ctx, roomSlug, &model.Entrant{UserID: locked.UserID, PaymentRef: &ref})
		if err != nil {
			return err
		}
		ok, err := r.payments.MarkCompleted(ctx, paymentID, pp.TxID, seat.RoomSlug, r.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrencyConflict
		}
		fresh = true
		return nil
	})
	if err != nil {
		return nil, r.rooms.WithFallback(ctx, err)
	}
	if !fresh {
		return seat, nil
	}

	if !pp.DeveloperCompleted {
		if err := r.provider.Complete(ctx, paymentID, pp.TxID); err != nil {
			// The seat is paid for and recorded; the provider ack is retried
			// by the operator from this log line.
			log.Printf("reconciler: provider complete %s failed: %v", paymentID, err)
		}
	}
	log.Printf("reconciler: payment %s completed, seat in %s", paymentID, seat.RoomSlug)
	return seat, nil
}

func checkApproved(p *model.Payment) error {
	switch p.Status {
	case model.PaymentServerApproved:
		return nil
	case model.PaymentCancelled, model.PaymentErrored:
		return ErrPaymentVoided
	}
	return ErrPaymentNotApproved
}

// Payment returns the local record of a payment.
func (r *PaymentReconciler) Payment(ctx context.Context, paymentID string) (*model.Payment, error) {
	p, err := r.payments.GetPayment(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// Cancel handles the provider's cancellation callback.  The provider is
// asked first: a payment it has already settled is completed instead, so
// the user keeps the seat they paid for.  A completed payment is left
// alone.
func (r *PaymentReconciler) Cancel(ctx context.Context, paymentID string) (*model.Payment, error) {
	p, err := r.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, nil
	}
	pp, err := r.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	if p.Status == model.PaymentServerApproved && pp.Settled() && !pp.Cancelled && !pp.UserCancelled {
		log.Printf("reconciler: cancel for settled payment %s, completing it", paymentID)
		if err := r.resolve(ctx, p); err != nil {
			return nil, err
		}
		return r.Payment(ctx, paymentID)
	}

	err = r.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = r.payments.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return nil
		}
		if _, err := r.payments.TransitionPayment(ctx, paymentID, p.Status, model.PaymentCancelled, r.clock.Now()); err != nil {
			return err
		}
		p.Status = model.PaymentCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecoverIncomplete resolves every approved-but-unfinished payment of
// the user before a new one may start.  keepID names the payment being
// started; it is never resolved here, so a repeated approval leaves it
// in flight.  It returns how many payments were resolved.
func (r *PaymentReconciler) RecoverIncomplete(ctx context.Context, userID, keepID string) (int, error) {
	pending, err := r.payments.ListPayments(ctx, model.PaymentFilter{UserID: userID, Status: model.PaymentServerApproved})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range pending {
		if pending[i].ID == keepID {
			continue
		}
		if err := r.resolve(ctx, &pending[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PurgeStale resolves approved payments older than the timeout and
// marks never-approved ones errored.
func (r *PaymentReconciler) PurgeStale(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.timeout)
	n := 0
	approved, err := r.payments.ListPayments(ctx, model.PaymentFilter{Status: model.PaymentServerApproved, UpdatedBefore: &cutoff})
	if err != nil {
		return 0, err
	}
	for i := range approved {
		if err := r.resolve(ctx, &approved[i]); err != nil {
			log.Printf("reconciler: resolve stale payment %s: %v", approved[i].ID, err)
			continue
		}
		n++
	}
	created, err := r.payments.ListPayments(ctx, model.PaymentFilter{Status: model.PaymentCreated, UpdatedBefore: &cutoff})
	if err != nil {
		return n, err
	}
	for _, p := range created {
		ok, err := r.payments.TransitionPayment(ctx, p.ID, model.PaymentCreated, model.PaymentErrored, r.clock.Now())
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// resolve completes a settled payment or voids an unsettled one.
func (r *PaymentReconciler) resolve(ctx context.Context, p *model.Payment) error {
	pp, err := r.provider.GetPayment(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	if pp.Settled() && !pp.Cancelled && !pp.UserCancelled {
		_, err := r.Complete(ctx, p.ID, pp.TxID, p.RoomSlug)
		if fb := FallbackOf(err); fb != "" {
			log.Printf("reconciler: room %s full for payment %s, retrying in %s", p.RoomSlug, p.ID, fb)
			_, err = r.Complete(ctx, p.ID, pp.TxID, fb)
		}
		if err != nil && !errors.Is(err, ErrDuplicateEntry) {
			log.Printf("reconciler: settled payment %s needs manual reconciliation: %v", p.ID, err)
			return err
		}
		if errors.Is(err, ErrDuplicateEntry) {
			log.Printf("reconciler: settled payment %s duplicates a stage-1 seat of %s; refund manually", p.ID, p.UserID)
			return r.void(ctx, p, false)
		}
		return nil
	}
	return r.void(ctx, p, !pp.Cancelled && !pp.UserCancelled)
}

func (r *PaymentReconciler) void(ctx context.Context, p *model.Payment, cancelAtProvider bool) error {
	if cancelAtProvider {
		if err := r.provider.Cancel(ctx, p.ID); err != nil {
			log.Printf("reconciler: provider cancel %s failed: %v", p.ID, err)
		}
	}
	ok, err := r.payments.TransitionPayment(ctx, p.ID, model.PaymentServerApproved, model.PaymentCancelled, r.clock.Now())
	if err != nil {
		return err
	}
	if ok {
		log.Printf("reconciler: payment %s voided", p.ID)
	}
	return nil
}
