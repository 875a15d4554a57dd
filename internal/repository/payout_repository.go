package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// PayoutRepo persists final-stage prize records.  The unique key on
// (room_slug, user_id, tier_index) makes a resumed advancement skip
// records it already wrote.
type PayoutRepo struct {
	db *sql.DB
}

// NewPayoutRepo returns a PayoutRepo bound to the given database.
func NewPayoutRepo(db *sql.DB) *PayoutRepo { return &PayoutRepo{db: db} }

// InsertPayout stores a payout record or returns ErrDuplicate.
func (r *PayoutRepo) InsertPayout(ctx context.Context, p *model.PayoutRecord) error {
	const q = `INSERT INTO payout_records (id, room_slug, user_id, rank_position, tier_index, amount, created_at)
			   VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q, p.ID, p.RoomSlug, p.UserID, p.Rank, p.TierIndex, p.Amount, p.CreatedAt.UTC())
	if err != nil && isDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

// ListPayoutsByRoom returns a room's payouts ordered by rank and tier.
func (r *PayoutRepo) ListPayoutsByRoom(ctx context.Context, slug string) ([]model.PayoutRecord, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id, room_slug, user_id, rank_position, tier_index, amount, created_at
		 FROM payout_records WHERE room_slug = ? ORDER BY rank_position, tier_index`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PayoutRecord
	for rows.Next() {
		var p model.PayoutRecord
		if err := rows.Scan(&p.ID, &p.RoomSlug, &p.UserID, &p.Rank, &p.TierIndex, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
