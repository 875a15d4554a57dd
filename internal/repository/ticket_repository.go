package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// TicketRepo persists stage tickets.  A ticket is claimed with a
// conditional UPDATE on used = 0 so two concurrent redemptions cannot
// both succeed.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a TicketRepo bound to the given database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

const ticketColumns = `id, user_id, stage, source_room_slug, issued_at, expires_at, used, used_at, redeemed_room_slug`

func scanTicket(row interface{ Scan(dest ...any) error }) (*model.StageTicket, error) {
	var t model.StageTicket
	var usedAt sql.NullTime
	var redeemed sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &t.Stage, &t.SourceRoomSlug, &t.IssuedAt, &t.ExpiresAt,
		&t.Used, &usedAt, &redeemed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.UsedAt = timePtr(usedAt)
	t.RedeemedRoomSlug = redeemed.String
	return &t, nil
}

// InsertTicket stores a new ticket.  The unique key on
// (source_room_slug, user_id) turns a repeated issuance into
// ErrDuplicate.
func (r *TicketRepo) InsertTicket(ctx context.Context, t *model.StageTicket) error {
	const q = `INSERT INTO stage_tickets (id, user_id, stage, source_room_slug, issued_at, expires_at, used)
			   VALUES (?, ?, ?, ?, ?, ?, 0)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q, t.ID, t.UserID, t.Stage, t.SourceRoomSlug, t.IssuedAt.UTC(), t.ExpiresAt.UTC())
	if err != nil && isDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

// GetTicketForUpdate loads a ticket and locks it for the current
// transaction.
func (r *TicketRepo) GetTicketForUpdate(ctx context.Context, id string) (*model.StageTicket, error) {
	return scanTicket(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM stage_tickets WHERE id = ? FOR UPDATE`, id))
}

// MarkTicketUsed claims an unused ticket.  It returns false when the
// ticket had already been used.
func (r *TicketRepo) MarkTicketUsed(ctx context.Context, id, roomSlug string, at time.Time) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE stage_tickets SET used = 1, used_at = ?, redeemed_room_slug = ? WHERE id = ? AND used = 0`,
		at.UTC(), roomSlug, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *TicketRepo) listTickets(ctx context.Context, q string, args ...any) ([]model.StageTicket, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StageTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTicketsBySource returns the tickets issued from a room.
func (r *TicketRepo) ListTicketsBySource(ctx context.Context, slug string) ([]model.StageTicket, error) {
	return r.listTickets(ctx, `SELECT `+ticketColumns+` FROM stage_tickets WHERE source_room_slug = ? ORDER BY issued_at, id`, slug)
}

// ListTicketsByUser returns a user's tickets, newest first.
func (r *TicketRepo) ListTicketsByUser(ctx context.Context, userID string, includeUsed bool) ([]model.StageTicket, error) {
	q := `SELECT ` + ticketColumns + ` FROM stage_tickets WHERE user_id = ?`
	if !includeUsed {
		q += ` AND used = 0`
	}
	q += ` ORDER BY issued_at DESC, id`
	return r.listTickets(ctx, q, userID)
}
