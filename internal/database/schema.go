package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order at startup.  Every statement is
// idempotent so a restarted process can run it again.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            CHAR(36)     NOT NULL PRIMARY KEY,
		email         VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role          VARCHAR(16)  NOT NULL DEFAULT 'PLAYER',
		is_active     TINYINT(1)   NOT NULL DEFAULT 1,
		created_at    DATETIME     NOT NULL,
		updated_at    DATETIME     NOT NULL,
		UNIQUE KEY uq_users_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS rooms (
		id                BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		slug              VARCHAR(96)  NOT NULL,
		stage             INT          NOT NULL,
		capacity          INT          NOT NULL,
		entrants_count    INT          NOT NULL DEFAULT 0,
		status            ENUM('filling','live','closed') NOT NULL DEFAULT 'filling',
		next_start_at     DATETIME(6)  NULL,
		live_at           DATETIME(6)  NULL,
		closed_at         DATETIME(6)  NULL,
		closure_processed TINYINT(1)   NOT NULL DEFAULT 0,
		created_at        DATETIME(6)  NOT NULL,
		updated_at        DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_rooms_slug (slug),
		KEY idx_rooms_stage_status (stage, status, created_at),
		CONSTRAINT chk_rooms_capacity CHECK (entrants_count <= capacity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS entrants (
		id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		room_slug     VARCHAR(96)  NOT NULL,
		stage         INT          NOT NULL,
		user_id       VARCHAR(64)  NOT NULL,
		joined_at     DATETIME(6)  NOT NULL,
		rank_position INT          NOT NULL DEFAULT 0,
		payment_ref   VARCHAR(128) NULL,
		ticket_ref    CHAR(36)     NULL,
		UNIQUE KEY uq_entrants_stage_user (stage, user_id),
		UNIQUE KEY uq_entrants_payment (payment_ref),
		UNIQUE KEY uq_entrants_ticket (ticket_ref),
		KEY idx_entrants_room (room_slug, joined_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS stage_tickets (
		id                 CHAR(36)    NOT NULL PRIMARY KEY,
		user_id            VARCHAR(64) NOT NULL,
		stage              INT         NOT NULL,
		source_room_slug   VARCHAR(96) NOT NULL,
		issued_at          DATETIME(6) NOT NULL,
		expires_at         DATETIME(6) NOT NULL,
		used               TINYINT(1)  NOT NULL DEFAULT 0,
		used_at            DATETIME(6) NULL,
		redeemed_room_slug VARCHAR(96) NULL,
		UNIQUE KEY uq_tickets_source_user (source_room_slug, user_id),
		KEY idx_tickets_user (user_id, used)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS payments (
		id           VARCHAR(128)   NOT NULL PRIMARY KEY,
		user_id      VARCHAR(64)    NOT NULL,
		room_slug    VARCHAR(96)    NOT NULL,
		amount       DECIMAL(20,7)  NOT NULL,
		quantity     INT            NOT NULL DEFAULT 1,
		status       VARCHAR(16)    NOT NULL,
		tx_ref       VARCHAR(128)   NULL,
		created_at   DATETIME(6)    NOT NULL,
		updated_at   DATETIME(6)    NOT NULL,
		approved_at  DATETIME(6)    NULL,
		completed_at DATETIME(6)    NULL,
		KEY idx_payments_status (status, updated_at),
		KEY idx_payments_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS payout_records (
		id            CHAR(36)      NOT NULL PRIMARY KEY,
		room_slug     VARCHAR(96)   NOT NULL,
		user_id       VARCHAR(64)   NOT NULL,
		rank_position INT           NOT NULL,
		tier_index    INT           NOT NULL,
		amount        DECIMAL(20,7) NOT NULL,
		created_at    DATETIME(6)   NOT NULL,
		UNIQUE KEY uq_payouts_room_user_tier (room_slug, user_id, tier_index)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates the funnel tables when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
