package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// PaymentRepo persists the local side of provider payments.  The
// payment id is the provider's identifier, which makes every callback
// naturally keyed for idempotency.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, user_id, room_slug, amount, quantity, status, tx_ref, created_at, updated_at, approved_at, completed_at`

func scanPayment(row interface{ Scan(dest ...any) error }) (*model.Payment, error) {
	var p model.Payment
	var status string
	var txRef sql.NullString
	var approved, completed sql.NullTime
	if err := row.Scan(&p.ID, &p.UserID, &p.RoomSlug, &p.Amount, &p.Quantity, &status, &txRef,
		&p.CreatedAt, &p.UpdatedAt, &approved, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	p.TxRef = txRef.String
	p.ApprovedAt = timePtr(approved)
	p.CompletedAt = timePtr(completed)
	return &p, nil
}

// CreatePayment inserts a payment record.  A second record with the
// same provider id returns ErrDuplicate.
func (r *PaymentRepo) CreatePayment(ctx context.Context, p *model.Payment) error {
	const q = `INSERT INTO payments (id, user_id, room_slug, amount, quantity, status, created_at, updated_at)
			   VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q, p.ID, p.UserID, p.RoomSlug, p.Amount, p.Quantity,
		string(p.Status), p.CreatedAt.UTC(), p.CreatedAt.UTC())
	if err != nil && isDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

// GetPayment loads a payment by id.
func (r *PaymentRepo) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return scanPayment(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
}

// GetPaymentForUpdate loads a payment and locks its row so concurrent
// provider callbacks for the same payment are serialized.
func (r *PaymentRepo) GetPaymentForUpdate(ctx context.Context, id string) (*model.Payment, error) {
	return scanPayment(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ? FOR UPDATE`, id))
}

// TransitionPayment moves a payment between two statuses.  It returns
// false when the payment was not in the expected state.
func (r *PaymentRepo) TransitionPayment(ctx context.Context, id string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	q := `UPDATE payments SET status = ?, updated_at = ?`
	args := []any{string(to), at.UTC()}
	if to == model.PaymentServerApproved {
		q += `, approved_at = ?`
		args = append(args, at.UTC())
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))
	res, err := conn(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkCompleted records the settlement of a server-approved payment and
// the room its seat was taken in.
func (r *PaymentRepo) MarkCompleted(ctx context.Context, id, txRef, roomSlug string, at time.Time) (bool, error) {
	const q = `UPDATE payments SET status = 'completed', tx_ref = ?, room_slug = ?, completed_at = ?, updated_at = ?
			   WHERE id = ? AND status = 'serverApproved'`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, txRef, roomSlug, at.UTC(), at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPayments returns payments matching the filter, oldest first.
func (r *PaymentRepo) ListPayments(ctx context.Context, f model.PaymentFilter) ([]model.Payment, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RoomSlug != "" {
		where = append(where, "room_slug = ?")
		args = append(args, f.RoomSlug)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UpdatedBefore != nil {
		where = append(where, "updated_at <= ?")
		args = append(args, f.UpdatedBefore.UTC())
	}
	q := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC"
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
