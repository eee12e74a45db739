package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process [Store]. The zero value is not usable; call
// [NewMemory].
type Memory struct {
	now func() time.Time

	mu       sync.Mutex
	keywords []string
	items    []ReviewItem // newest first
	pending  []PendingReview
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a [Memory].
type MemoryOption func(*Memory)

// WithClock sets the time source used for review timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Keywords implements [KeywordStore].
func (m *Memory) Keywords(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.keywords), nil
}

// SetKeywords implements [KeywordStore].
func (m *Memory) SetKeywords(_ context.Context, keywords []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = NormalizeKeywords(keywords)
	return slices.Clone(m.keywords), nil
}

// AddKeywords implements [KeywordStore].
func (m *Memory) AddKeywords(_ context.Context, keywords ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = NormalizeKeywords(append(slices.Clone(m.keywords), keywords...))
	return slices.Clone(m.keywords), nil
}

// RemoveKeyword implements [KeywordStore].
func (m *Memory) RemoveKeyword(_ context.Context, keyword string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = RemoveKeywordFrom(m.keywords, keyword)
	return slices.Clone(m.keywords), nil
}

// ClearKeywords implements [KeywordStore].
func (m *Memory) ClearKeywords(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = nil
	return nil
}

// AddReviewItem implements [ReviewStore].
func (m *Memory) AddReviewItem(_ context.Context, in ReviewInput) (ReviewItem, error) {
	in, err := Prepare(in)
	if err != nil {
		return ReviewItem{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := ""
	if i := slices.IndexFunc(m.items, func(it ReviewItem) bool { return SameReview(in, it) }); i >= 0 {
		id = m.items[i].ID
		m.items = slices.Delete(m.items, i, i+1)
	}
	if id == "" {
		id = uuid.NewString()
	}

	var newest time.Time
	if len(m.items) > 0 {
		newest = m.items[0].Timestamp
	}
	item := ReviewItem{
		ID:          id,
		Kind:        in.Kind,
		Korean:      in.Korean,
		Braille:     in.Braille,
		Description: in.Description,
		Correct:     in.Correct,
		Timestamp:   Stamp(m.now(), newest),
	}
	m.items = slices.Insert(m.items, 0, item)
	if len(m.items) > MaxReviewItems {
		m.items = m.items[:MaxReviewItems]
	}
	return item, nil
}

// RemoveReviewItem implements [ReviewStore].
func (m *Memory) RemoveReviewItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.items, func(it ReviewItem) bool { return it.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	m.items = slices.Delete(m.items, i, i+1)
	return nil
}

// ClearReviewItems implements [ReviewStore].
func (m *Memory) ClearReviewItems(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	return nil
}

// ReviewItems implements [ReviewStore].
func (m *Memory) ReviewItems(context.Context) ([]ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items), nil
}

// IncorrectItems implements [ReviewStore].
func (m *Memory) IncorrectItems(context.Context) ([]ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReviewItem
	for i := len(m.items) - 1; i >= 0; i-- {
		if !m.items[i].Correct {
			out = append(out, m.items[i])
		}
	}
	return out, nil
}

// AppendPending implements [PendingQueue].
func (m *Memory) AppendPending(_ context.Context, p PendingReview) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, p)
	if over := len(m.pending) - MaxPending; over > 0 {
		m.pending = slices.Delete(m.pending, 0, over)
	}
	return nil
}

// PendingReviews implements [PendingQueue].
func (m *Memory) PendingReviews(context.Context) ([]PendingReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending), nil
}

// DrainPending implements [PendingQueue].
func (m *Memory) DrainPending(context.Context) ([]PendingReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (m *Memory) Close() error { return nil }
