// Package store persists learner state: recent AI keywords, review items and
// review submissions waiting to be sent to the backend.
//
// The interfaces are split by concern, the way callers use them. [Memory] is
// an in-process implementation; the sqlite and postgres subpackages persist
// to disk and to a shared database. All implementations share the
// normalisation rules in this file, so they behave identically:
//
//   - Keywords are trimmed, de-duplicated case-insensitively (the first
//     spelling wins) and capped at [MaxKeywords].
//   - A review item is identified by kind + trimmed korean + trimmed braille.
//     Adding a duplicate replaces it, keeps its ID and moves it to the front.
//     At most [MaxReviewItems] are kept, newest first.
//   - At most [MaxPending] pending submissions are kept, the most recent ones.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capacity limits.
const (
	MaxKeywords    = 20
	MaxReviewItems = 500
	MaxPending     = 200
)

// ErrNotFound is returned when a review item does not exist.
var ErrNotFound = errors.New("store: not found")

// ReviewKind classifies a review item.
type ReviewKind string

const (
	KindChar     ReviewKind = "char"
	KindWord     ReviewKind = "word"
	KindSentence ReviewKind = "sent"
	KindFree     ReviewKind = "free"
)

// ParseReviewKind validates s.
func ParseReviewKind(s string) (ReviewKind, error) {
	switch k := ReviewKind(s); k {
	case KindChar, KindWord, KindSentence, KindFree:
		return k, nil
	}
	return "", fmt.Errorf("store: unknown review kind %q", s)
}

// ReviewInput is a review item as submitted by a client.
type ReviewInput struct {
	Kind        ReviewKind `json:"type"`
	Korean      string     `json:"korean"`
	Braille     string     `json:"braille"`
	Description string     `json:"description,omitempty"`
	Correct     bool       `json:"correct"`
}

func (in ReviewInput) normalized() ReviewInput {
	in.Korean = strings.TrimSpace(in.Korean)
	in.Braille = strings.TrimSpace(in.Braille)
	in.Description = strings.TrimSpace(in.Description)
	return in
}

// ReviewItem is a stored review item.
type ReviewItem struct {
	ID          string     `json:"id"`
	Kind        ReviewKind `json:"type"`
	Korean      string     `json:"korean"`
	Braille     string     `json:"braille"`
	Description string     `json:"description,omitempty"`
	Correct     bool       `json:"correct"`
	Timestamp   time.Time  `json:"timestamp"`
}

// PendingReview is a review submission the backend did not accept yet.
type PendingReview struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// KeywordStore keeps the keyword history shown to the learner. Every
// mutating method returns the resulting list.
type KeywordStore interface {
	Keywords(ctx context.Context) ([]string, error)
	SetKeywords(ctx context.Context, keywords []string) ([]string, error)
	AddKeywords(ctx context.Context, keywords ...string) ([]string, error)
	RemoveKeyword(ctx context.Context, keyword string) ([]string, error)
	ClearKeywords(ctx context.Context) error
}

// ReviewStore keeps review items.
type ReviewStore interface {
	AddReviewItem(ctx context.Context, in ReviewInput) (ReviewItem, error)
	RemoveReviewItem(ctx context.Context, id string) error
	ClearReviewItems(ctx context.Context) error

	// ReviewItems returns all items, newest first.
	ReviewItems(ctx context.Context) ([]ReviewItem, error)

	// IncorrectItems returns the incorrect items, oldest first.
	IncorrectItems(ctx context.Context) ([]ReviewItem, error)
}

// PendingQueue buffers review submissions while the backend is unreachable.
type PendingQueue interface {
	AppendPending(ctx context.Context, p PendingReview) error
	PendingReviews(ctx context.Context) ([]PendingReview, error)

	// DrainPending removes and returns every pending submission, oldest
	// first.
	DrainPending(ctx context.Context) ([]PendingReview, error)
}

// Store is the full persistence surface.
type Store interface {
	KeywordStore
	ReviewStore
	PendingQueue
	Close() error
}

// NormalizeKeywords trims keywords, drops blanks and case-insensitive
// duplicates (keeping the first spelling) and caps the result at
// [MaxKeywords].
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, min(len(keywords), MaxKeywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, raw := range keywords {
		k := strings.TrimSpace(raw)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

// RemoveKeywordFrom returns list without keyword, ignoring case.
func RemoveKeywordFrom(list []string, keyword string) []string {
	key := strings.ToLower(strings.TrimSpace(keyword))
	out := make([]string, 0, len(list))
	for _, k := range list {
		if strings.ToLower(k) != key {
			out = append(out, k)
		}
	}
	return out
}

// SameReview reports whether in and item identify the same review entry.
func SameReview(in ReviewInput, item ReviewItem) bool {
	in = in.normalized()
	return in.Kind == item.Kind &&
		in.Korean == strings.TrimSpace(item.Korean) &&
		in.Braille == strings.TrimSpace(item.Braille)
}

// Stamp returns the timestamp for a newly added review item: now, or just
// after newest when the clock has not advanced past it. This keeps the
// newest-first order strict.
func Stamp(now, newest time.Time) time.Time {
	if !now.After(newest) {
		return newest.Add(time.Nanosecond)
	}
	return now
}

// validate checks a review input before it is stored.
func (in ReviewInput) validate() error {
	if _, err := ParseReviewKind(string(in.Kind)); err != nil {
		return err
	}
	if in.Korean == "" && in.Braille == "" {
		return errors.New("store: review item needs korean or braille text")
	}
	return nil
}

// Prepare normalises and validates in. Implementations call it before
// storing a review item.
func Prepare(in ReviewInput) (ReviewInput, error) {
	in = in.normalized()
	if err := in.validate(); err != nil {
		return ReviewInput{}, err
	}
	return in, nil
}
