package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeomgeuri/jeomgeuri/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a [store.Store] in PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─── keywords ───────────────────────────────────────────────────────────────

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readKeywords(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT keyword FROM keywords ORDER BY position`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) mutateKeywords(ctx context.Context, op string, fn func([]string) []string) ([]string, error) {
	var result []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialise concurrent rewrites of the list.
		if _, err := tx.Exec(ctx, `LOCK TABLE keywords IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		cur, err := readKeywords(ctx, tx)
		if err != nil {
			return err
		}
		result = fn(cur)
		if _, err := tx.Exec(ctx, `DELETE FROM keywords`); err != nil {
			return err
		}
		if len(result) == 0 {
			return nil
		}
		rows := make([][]any, len(result))
		for i, k := range result {
			rows[i] = []any{i, k}
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"keywords"}, []string{"position", "keyword"}, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: %s: %w", op, err)
	}
	return result, nil
}

// Keywords implements [store.KeywordStore].
func (s *Store) Keywords(ctx context.Context) ([]string, error) {
	out, err := readKeywords(ctx, s.pool)
	if err != nil {
		return nil, fmt.Errorf("postgres store: keywords: %w", err)
	}
	return out, nil
}

// SetKeywords implements [store.KeywordStore].
func (s *Store) SetKeywords(ctx context.Context, keywords []string) ([]string, error) {
	return s.mutateKeywords(ctx, "set keywords", func([]string) []string {
		return store.NormalizeKeywords(keywords)
	})
}

// AddKeywords implements [store.KeywordStore].
func (s *Store) AddKeywords(ctx context.Context, keywords ...string) ([]string, error) {
	return s.mutateKeywords(ctx, "add keywords", func(cur []string) []string {
		return store.NormalizeKeywords(append(cur, keywords...))
	})
}

// RemoveKeyword implements [store.KeywordStore].
func (s *Store) RemoveKeyword(ctx context.Context, keyword string) ([]string, error) {
	return s.mutateKeywords(ctx, "remove keyword", func(cur []string) []string {
		return store.RemoveKeywordFrom(cur, keyword)
	})
}

// ClearKeywords implements [store.KeywordStore].
func (s *Store) ClearKeywords(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM keywords`); err != nil {
		return fmt.Errorf("postgres store: clear keywords: %w", err)
	}
	return nil
}

// ─── review items ───────────────────────────────────────────────────────────

// AddReviewItem implements [store.ReviewStore].
func (s *Store) AddReviewItem(ctx context.Context, in store.ReviewInput) (store.ReviewItem, error) {
	in, err := store.Prepare(in)
	if err != nil {
		return store.ReviewItem{}, err
	}

	var item store.ReviewItem
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE review_items IN EXCLUSIVE MODE`); err != nil {
			return err
		}

		var id string
		err := tx.QueryRow(ctx,
			`SELECT id FROM review_items WHERE kind = $1 AND korean = $2 AND braille = $3`,
			string(in.Kind), in.Korean, in.Braille,
		).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			id = uuid.NewString()
		case err != nil:
			return err
		}

		var newest int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(created_ns), 0) FROM review_items`).Scan(&newest); err != nil {
			return err
		}
		ts := store.Stamp(time.Now(), time.Unix(0, newest))

		const upsert = `
			INSERT INTO review_items (id, kind, korean, braille, description, correct, created_ns)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (kind, korean, braille) DO UPDATE SET
			    description = EXCLUDED.description,
			    correct     = EXCLUDED.correct,
			    created_ns  = EXCLUDED.created_ns`
		if _, err := tx.Exec(ctx, upsert,
			id, string(in.Kind), in.Korean, in.Braille, in.Description, in.Correct, ts.UnixNano(),
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM review_items WHERE id NOT IN (
			    SELECT id FROM review_items ORDER BY created_ns DESC LIMIT $1
			)`, store.MaxReviewItems); err != nil {
			return err
		}

		item = store.ReviewItem{
			ID:          id,
			Kind:        in.Kind,
			Korean:      in.Korean,
			Braille:     in.Braille,
			Description: in.Description,
			Correct:     in.Correct,
			Timestamp:   ts,
		}
		return nil
	})
	if err != nil {
		return store.ReviewItem{}, fmt.Errorf("postgres store: add review item: %w", err)
	}
	return item, nil
}

// RemoveReviewItem implements [store.ReviewStore].
func (s *Store) RemoveReviewItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM review_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: remove review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClearReviewItems implements [store.ReviewStore].
func (s *Store) ClearReviewItems(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM review_items`); err != nil {
		return fmt.Errorf("postgres store: clear review items: %w", err)
	}
	return nil
}

// ReviewItems implements [store.ReviewStore].
func (s *Store) ReviewItems(ctx context.Context) ([]store.ReviewItem, error) {
	return s.queryReviewItems(ctx, "review items", `
		SELECT id, kind, korean, braille, description, correct, created_ns
		FROM   review_items
		ORDER  BY created_ns DESC`)
}

// IncorrectItems implements [store.ReviewStore].
func (s *Store) IncorrectItems(ctx context.Context) ([]store.ReviewItem, error) {
	return s.queryReviewItems(ctx, "incorrect items", `
		SELECT id, kind, korean, braille, description, correct, created_ns
		FROM   review_items
		WHERE  NOT correct
		ORDER  BY created_ns`)
}

func (s *Store) queryReviewItems(ctx context.Context, op, q string) ([]store.ReviewItem, error) {
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %s: %w", op, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ReviewItem, error) {
		var (
			it   store.ReviewItem
			kind string
			ns   int64
		)
		err := row.Scan(&it.ID, &kind, &it.Korean, &it.Braille, &it.Description, &it.Correct, &ns)
		it.Kind = store.ReviewKind(kind)
		it.Timestamp = time.Unix(0, ns)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: %s: %w", op, err)
	}
	return items, nil
}

// ─── pending reviews ────────────────────────────────────────────────────────

// AppendPending implements [store.PendingQueue].
func (s *Store) AppendPending(ctx context.Context, p store.PendingReview) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	payload := string(p.Payload)
	if payload == "" {
		payload = "null"
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pending_reviews (kind, payload, source, created_at) VALUES ($1, $2::jsonb, $3, $4)`,
			p.Kind, payload, p.Source, p.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM pending_reviews WHERE seq NOT IN (
			    SELECT seq FROM pending_reviews ORDER BY seq DESC LIMIT $1
			)`, store.MaxPending)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres store: append pending: %w", err)
	}
	return nil
}

// PendingReviews implements [store.PendingQueue].
func (s *Store) PendingReviews(ctx context.Context) ([]store.PendingReview, error) {
	out, err := readPending(ctx, s.pool, `
		SELECT kind, payload::text, source, created_at
		FROM   pending_reviews
		ORDER  BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: pending reviews: %w", err)
	}
	return out, nil
}

// DrainPending implements [store.PendingQueue].
func (s *Store) DrainPending(ctx context.Context) ([]store.PendingReview, error) {
	out, err := readPending(ctx, s.pool, `
		WITH drained AS (
		    DELETE FROM pending_reviews RETURNING seq, kind, payload, source, created_at
		)
		SELECT kind, payload::text, source, created_at
		FROM   drained
		ORDER  BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: drain pending: %w", err)
	}
	return out, nil
}

func readPending(ctx context.Context, q querier, sql string) ([]store.PendingReview, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.PendingReview, error) {
		var (
			p       store.PendingReview
			payload string
		)
		err := row.Scan(&p.Kind, &payload, &p.Source, &p.CreatedAt)
		p.Payload = []byte(payload)
		return p, err
	})
}
