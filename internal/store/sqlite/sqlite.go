// Package sqlite provides the SQLite-backed [store.Store] used by
// single-device deployments. The database lives in one file next to the
// service; WAL journaling keeps readers from blocking the writer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jeomgeuri/jeomgeuri/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS keywords (
    position  INTEGER PRIMARY KEY,
    keyword   TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS review_items (
    id           TEXT    PRIMARY KEY,
    kind         TEXT    NOT NULL,
    korean       TEXT    NOT NULL,
    braille      TEXT    NOT NULL,
    description  TEXT    NOT NULL DEFAULT '',
    correct      INTEGER NOT NULL DEFAULT 0,
    created_ns   INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_review_items_key
    ON review_items (kind, korean, braille);

CREATE INDEX IF NOT EXISTS idx_review_items_created
    ON review_items (created_ns);

CREATE TABLE IF NOT EXISTS pending_reviews (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    source      TEXT    NOT NULL DEFAULT '',
    created_ns  INTEGER NOT NULL
);
`

// Store is a [store.Store] in a SQLite database file. It is safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One connection serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ─── keywords ───────────────────────────────────────────────────────────────

func readKeywords(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT keyword FROM keywords ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) mutateKeywords(ctx context.Context, op string, fn func([]string) []string) ([]string, error) {
	var result []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := readKeywords(ctx, tx)
		if err != nil {
			return err
		}
		result = fn(cur)
		if _, err := tx.ExecContext(ctx, `DELETE FROM keywords`); err != nil {
			return err
		}
		for i, k := range result {
			if _, err := tx.ExecContext(ctx, `INSERT INTO keywords (position, keyword) VALUES (?, ?)`, i, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	return result, nil
}

// Keywords implements [store.KeywordStore].
func (s *Store) Keywords(ctx context.Context) ([]string, error) {
	out, err := readKeywords(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: keywords: %w", err)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM keywords`); err != nil {
		return fmt.Errorf("sqlite store: clear keywords: %w", err)
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
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM review_items WHERE kind = ? AND korean = ? AND braille = ?`,
			string(in.Kind), in.Korean, in.Braille,
		).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
		case err != nil:
			return err
		}

		var newest int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_ns), 0) FROM review_items`).Scan(&newest); err != nil {
			return err
		}
		ts := store.Stamp(time.Now(), time.Unix(0, newest))

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_items (id, kind, korean, braille, description, correct, created_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, korean, braille) DO UPDATE SET
			    description = excluded.description,
			    correct     = excluded.correct,
			    created_ns  = excluded.created_ns`,
			id, string(in.Kind), in.Korean, in.Braille, in.Description, in.Correct, ts.UnixNano(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM review_items WHERE id NOT IN (
			    SELECT id FROM review_items ORDER BY created_ns DESC LIMIT ?
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
		return store.ReviewItem{}, fmt.Errorf("sqlite store: add review item: %w", err)
	}
	return item, nil
}

// RemoveReviewItem implements [store.ReviewStore].
func (s *Store) RemoveReviewItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM review_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store: remove review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClearReviewItems implements [store.ReviewStore].
func (s *Store) ClearReviewItems(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM review_items`); err != nil {
		return fmt.Errorf("sqlite store: clear review items: %w", err)
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
		WHERE  correct = 0
		ORDER  BY created_ns`)
}

func (s *Store) queryReviewItems(ctx context.Context, op, q string) ([]store.ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	defer rows.Close()

	var out []store.ReviewItem
	for rows.Next() {
		var (
			it   store.ReviewItem
			kind string
			ns   int64
		)
		if err := rows.Scan(&it.ID, &kind, &it.Korean, &it.Braille, &it.Description, &it.Correct, &ns); err != nil {
			return nil, fmt.Errorf("sqlite store: %s: scan: %w", op, err)
		}
		it.Kind = store.ReviewKind(kind)
		it.Timestamp = time.Unix(0, ns)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	return out, nil
}

// ─── pending reviews ────────────────────────────────────────────────────────

// AppendPending implements [store.PendingQueue].
func (s *Store) AppendPending(ctx context.Context, p store.PendingReview) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_reviews (kind, payload, source, created_ns) VALUES (?, ?, ?, ?)`,
			p.Kind, string(p.Payload), p.Source, p.CreatedAt.UnixNano(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM pending_reviews WHERE seq NOT IN (
			    SELECT seq FROM pending_reviews ORDER BY seq DESC LIMIT ?
			)`, store.MaxPending)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite store: append pending: %w", err)
	}
	return nil
}

// PendingReviews implements [store.PendingQueue].
func (s *Store) PendingReviews(ctx context.Context) ([]store.PendingReview, error) {
	out, err := readPending(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: pending reviews: %w", err)
	}
	return out, nil
}

// DrainPending implements [store.PendingQueue].
func (s *Store) DrainPending(ctx context.Context) ([]store.PendingReview, error) {
	var out []store.PendingReview
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if out, err = readPending(ctx, tx); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_reviews`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: drain pending: %w", err)
	}
	return out, nil
}

func readPending(ctx context.Context, q queryer) ([]store.PendingReview, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, payload, source, created_ns
		FROM   pending_reviews
		ORDER  BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PendingReview
	for rows.Next() {
		var (
			p       store.PendingReview
			payload string
			ns      int64
		)
		if err := rows.Scan(&p.Kind, &payload, &p.Source, &ns); err != nil {
			return nil, err
		}
		p.Payload = []byte(payload)
		p.CreatedAt = time.Unix(0, ns)
		out = append(out, p)
	}
	return out, rows.Err()
}
