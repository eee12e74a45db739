// Package postgres provides a PostgreSQL-backed [store.Store] for
// deployments where several service instances share learner state.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	_, _ = s.AddKeywords(ctx, "점자", "학교")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlKeywords = `
CREATE TABLE IF NOT EXISTS keywords (
    position  INTEGER  PRIMARY KEY,
    keyword   TEXT     NOT NULL
);
`

const ddlReviewItems = `
CREATE TABLE IF NOT EXISTS review_items (
    id           TEXT     PRIMARY KEY,
    kind         TEXT     NOT NULL,
    korean       TEXT     NOT NULL,
    braille      TEXT     NOT NULL,
    description  TEXT     NOT NULL DEFAULT '',
    correct      BOOLEAN  NOT NULL DEFAULT false,
    created_ns   BIGINT   NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_review_items_key
    ON review_items (kind, korean, braille);

CREATE INDEX IF NOT EXISTS idx_review_items_created
    ON review_items (created_ns);
`

const ddlPendingReviews = `
CREATE TABLE IF NOT EXISTS pending_reviews (
    seq         BIGSERIAL    PRIMARY KEY,
    kind        TEXT         NOT NULL,
    payload     JSONB        NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the tables if they do not exist. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlKeywords, ddlReviewItems, ddlPendingReviews} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
