package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// RoomRepo provides persistence for rooms and the entrants seated in
// them.  Seat accounting lives in rooms.entrants_count and is only
// ever changed by IncrementIfSpace, a single conditional UPDATE, so
// the capacity check and the increment cannot be split by a racing
// request.
type RoomRepo struct {
	db *sql.DB
}

// NewRoomRepo returns a RoomRepo bound to the given database.
func NewRoomRepo(db *sql.DB) *RoomRepo { return &RoomRepo{db: db} }

const roomColumns = `id, slug, stage, capacity, entrants_count, status, next_start_at, live_at, closed_at, closure_processed, created_at, updated_at`

func scanRoom(row interface{ Scan(dest ...any) error }) (*model.Room, error) {
	var r model.Room
	var status string
	var next, live, closed sql.NullTime
	if err := row.Scan(&r.ID, &r.Slug, &r.Stage, &r.Capacity, &r.EntrantsCount, &status,
		&next, &live, &closed, &r.ClosureProcessed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = model.RoomStatus(status)
	r.NextStartAt = timePtr(next)
	r.LiveAt = timePtr(live)
	r.ClosedAt = timePtr(closed)
	return &r, nil
}

// CreateRoom inserts a room in the filling state and populates its ID
// and timestamps.
func (r *RoomRepo) CreateRoom(ctx context.Context, room *model.Room) error {
	const q = `INSERT INTO rooms (slug, stage, capacity, entrants_count, status, next_start_at, created_at, updated_at)
			   VALUES (?, ?, ?, 0, ?, ?, ?, ?)`
	if room.Status == "" {
		room.Status = model.RoomFilling
	}
	res, err := conn(ctx, r.db).ExecContext(ctx, q, room.Slug, room.Stage, room.Capacity, string(room.Status),
		nullable(room.NextStartAt), room.CreatedAt.UTC(), room.CreatedAt.UTC())
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	room.ID = uint64(id)
	room.EntrantsCount = 0
	room.UpdatedAt = room.CreatedAt
	return nil
}

// GetRoom loads a room by slug.
func (r *RoomRepo) GetRoom(ctx context.Context, slug string) (*model.Room, error) {
	return scanRoom(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE slug = ?`, slug))
}

// GetRoomForUpdate loads a room and locks its row until the current
// transaction ends.
func (r *RoomRepo) GetRoomForUpdate(ctx context.Context, slug string) (*model.Room, error) {
	return scanRoom(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE slug = ? FOR UPDATE`, slug))
}

// FirstOpenRoom returns the oldest filling room of the stage that still
// has a free seat, or ErrNotFound.
func (r *RoomRepo) FirstOpenRoom(ctx context.Context, stage int) (*model.Room, error) {
	const q = `SELECT ` + roomColumns + ` FROM rooms
			   WHERE stage = ? AND status = 'filling' AND entrants_count < capacity
			   ORDER BY created_at ASC, id ASC LIMIT 1`
	return scanRoom(conn(ctx, r.db).QueryRowContext(ctx, q, stage))
}

// ListRooms returns rooms matching the filter ordered by stage and
// creation.
func (r *RoomRepo) ListRooms(ctx context.Context, f model.RoomFilter) ([]model.Room, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Stage > 0 {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}
	if f.MinStage > 0 {
		where = append(where, "stage >= ?")
		args = append(args, f.MinStage)
	}
	if f.StartDueBy != nil {
		where = append(where, "next_start_at IS NOT NULL AND next_start_at <= ?")
		args = append(args, f.StartDueBy.UTC())
	}
	if f.LiveBefore != nil {
		where = append(where, "live_at IS NOT NULL AND live_at <= ?")
		args = append(args, f.LiveBefore.UTC())
	}
	if f.Unprocessed {
		where = append(where, "closure_processed = 0")
	}
	q := `SELECT ` + roomColumns + ` FROM rooms`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY stage ASC, created_at ASC, id ASC"
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *room)
	}
	return out, rows.Err()
}

// IncrementIfSpace takes one seat in a filling room in a single
// conditional UPDATE.  When promoteWhenFull is set and the seat taken
// is the last one, the same statement moves the room to live.  MySQL
// evaluates SET assignments left to right, so status and live_at are
// computed from the count before the increment.  It returns false when
// no seat was available.
func (r *RoomRepo) IncrementIfSpace(ctx context.Context, slug string, promoteWhenFull bool, now time.Time) (bool, error) {
	const q = `UPDATE rooms
			   SET status = CASE WHEN ? AND entrants_count + 1 >= capacity THEN 'live' ELSE status END,
				   live_at = CASE WHEN ? AND entrants_count + 1 >= capacity THEN ? ELSE live_at END,
				   entrants_count = entrants_count + 1,
				   updated_at = ?
			   WHERE slug = ? AND status = 'filling' AND entrants_count < capacity`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, promoteWhenFull, promoteWhenFull, now.UTC(), now.UTC(), slug)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionStatus moves a room from one status to the next and stamps
// live_at or closed_at.  It returns false when the room was not in the
// expected state.
func (r *RoomRepo) TransitionStatus(ctx context.Context, slug string, from, to model.RoomStatus, at time.Time) (bool, error) {
	q := `UPDATE rooms SET status = ?, updated_at = ?`
	args := []any{string(to), at.UTC()}
	switch to {
	case model.RoomLive:
		q += `, live_at = ?`
		args = append(args, at.UTC())
	case model.RoomClosed:
		q += `, closed_at = ?`
		args = append(args, at.UTC())
	}
	q += ` WHERE slug = ? AND status = ?`
	args = append(args, slug, string(from))
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

// MarkClosureProcessed flips the closure flag of a closed room.  It
// returns false if the flag was already set.
func (r *RoomRepo) MarkClosureProcessed(ctx context.Context, slug string) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE rooms SET closure_processed = 1 WHERE slug = ? AND status = 'closed' AND closure_processed = 0`, slug)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const entrantColumns = `id, room_slug, stage, user_id, joined_at, rank_position, payment_ref, ticket_ref`

func scanEntrant(row interface{ Scan(dest ...any) error }) (*model.Entrant, error) {
	var e model.Entrant
	var payRef, ticketRef sql.NullString
	if err := row.Scan(&e.ID, &e.RoomSlug, &e.Stage, &e.UserID, &e.JoinedAt, &e.Rank, &payRef, &ticketRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.JoinedAt = e.JoinedAt.UTC()
	if payRef.Valid {
		v := payRef.String
		e.PaymentRef = &v
	}
	if ticketRef.Valid {
		v := ticketRef.String
		e.TicketRef = &v
	}
	return &e, nil
}

// InsertEntrant records a seat.  A second seat for the same user and
// stage, or a second seat bought by the same payment or ticket,
// returns ErrDuplicate.
func (r *RoomRepo) InsertEntrant(ctx context.Context, e *model.Entrant) error {
	const q = `INSERT INTO entrants (room_slug, stage, user_id, joined_at, rank_position, payment_ref, ticket_ref)
			   VALUES (?, ?, ?, ?, 0, ?, ?)`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, e.RoomSlug, e.Stage, e.UserID, e.JoinedAt.UTC(), e.PaymentRef, e.TicketRef)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// HasEntrant reports whether the user already holds a seat in the stage.
func (r *RoomRepo) HasEntrant(ctx context.Context, stage int, userID string) (bool, error) {
	var n int
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entrants WHERE stage = ? AND user_id = ?`, stage, userID).Scan(&n)
	return n > 0, err
}

// ListEntrants returns a room's entrants in admission order.
func (r *RoomRepo) ListEntrants(ctx context.Context, slug string) ([]model.Entrant, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+entrantColumns+` FROM entrants WHERE room_slug = ? ORDER BY joined_at ASC, id ASC`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Entrant
	for rows.Next() {
		e, err := scanEntrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// GetEntrantByPayment returns the seat bought by a payment.
func (r *RoomRepo) GetEntrantByPayment(ctx context.Context, paymentID string) (*model.Entrant, error) {
	return scanEntrant(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+entrantColumns+` FROM entrants WHERE payment_ref = ?`, paymentID))
}

// SetRanks stores the rank of each listed user in the room.
func (r *RoomRepo) SetRanks(ctx context.Context, slug string, ranks map[string]int) error {
	c := conn(ctx, r.db)
	for userID, rank := range ranks {
		if _, err := c.ExecContext(ctx,
			`UPDATE entrants SET rank_position = ? WHERE room_slug = ? AND user_id = ?`, rank, slug, userID); err != nil {
			return err
		}
	}
	return nil
}

// CountEntrants counts entrant rows for a room; the audit compares it
// with rooms.entrants_count.
func (r *RoomRepo) CountEntrants(ctx context.Context, slug string) (int, error) {
	var n int
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM entrants WHERE room_slug = ?`, slug).Scan(&n)
	return n, err
}
