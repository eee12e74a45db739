// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeomgeuri/jeomgeuri/internal/store"
)

// Run exercises s against the store contract. newStore must return an empty
// store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Keywords", func(t *testing.T) { testKeywords(t, newStore(t)) })
	t.Run("KeywordCap", func(t *testing.T) { testKeywordCap(t, newStore(t)) })
	t.Run("ReviewDedup", func(t *testing.T) { testReviewDedup(t, newStore(t)) })
	t.Run("ReviewOrder", func(t *testing.T) { testReviewOrder(t, newStore(t)) })
	t.Run("ReviewRemove", func(t *testing.T) { testReviewRemove(t, newStore(t)) })
	t.Run("ReviewValidation", func(t *testing.T) { testReviewValidation(t, newStore(t)) })
	t.Run("Pending", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("PendingCap", func(t *testing.T) { testPendingCap(t, newStore(t)) })
}

func testKeywords(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.Keywords(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = s.SetKeywords(ctx, []string{" 점자 ", "Braille", "", "braille", "학교"})
	require.NoError(t, err)
	require.Equal(t, []string{"점자", "Braille", "학교"}, got)

	got, err = s.AddKeywords(ctx, "BRAILLE", "가방")
	require.NoError(t, err)
	require.Equal(t, []string{"점자", "Braille", "학교", "가방"}, got)

	got, err = s.RemoveKeyword(ctx, " braille ")
	require.NoError(t, err)
	require.Equal(t, []string{"점자", "학교", "가방"}, got)

	got, err = s.Keywords(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"점자", "학교", "가방"}, got)

	require.NoError(t, s.ClearKeywords(ctx))
	got, err = s.Keywords(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func testKeywordCap(t *testing.T, s store.Store) {
	ctx := context.Background()

	var many []string
	for i := range store.MaxKeywords + 5 {
		many = append(many, fmt.Sprintf("kw%02d", i))
	}
	got, err := s.SetKeywords(ctx, many)
	require.NoError(t, err)
	require.Len(t, got, store.MaxKeywords)
	require.Equal(t, "kw00", got[0])

	got, err = s.AddKeywords(ctx, "late")
	require.NoError(t, err)
	require.Len(t, got, store.MaxKeywords)
	require.NotContains(t, got, "late")
}

func testReviewDedup(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindWord, Korean: "학교", Braille: "⠚⠁⠈⠬", Correct: false})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	_, err = s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindWord, Korean: "가방", Braille: "⠫⠘⠶"})
	require.NoError(t, err)

	again, err := s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindWord, Korean: " 학교 ", Braille: "⠚⠁⠈⠬ ", Description: "정답", Correct: true})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	items, err := s.ReviewItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, first.ID, items[0].ID, "re-added item moves to the front")
	require.True(t, items[0].Correct)
	require.Equal(t, "정답", items[0].Description)

	// Same text under another kind is a different item.
	other, err := s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindSentence, Korean: "학교", Braille: "⠚⠁⠈⠬"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func testReviewOrder(t *testing.T, s store.Store) {
	ctx := context.Background()

	inputs := []store.ReviewInput{
		{Kind: store.KindChar, Korean: "ㄱ", Braille: "⠈", Correct: false},
		{Kind: store.KindChar, Korean: "ㄴ", Braille: "⠉", Correct: true},
		{Kind: store.KindChar, Korean: "ㄷ", Braille: "⠊", Correct: false},
	}
	for _, in := range inputs {
		_, err := s.AddReviewItem(ctx, in)
		require.NoError(t, err)
	}

	items, err := s.ReviewItems(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"ㄷ", "ㄴ", "ㄱ"}, koreans(items))
	for i := 1; i < len(items); i++ {
		require.True(t, items[i-1].Timestamp.After(items[i].Timestamp))
	}

	wrong, err := s.IncorrectItems(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"ㄱ", "ㄷ"}, koreans(wrong))
}

func testReviewRemove(t *testing.T, s store.Store) {
	ctx := context.Background()

	a, err := s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindFree, Korean: "안녕"})
	require.NoError(t, err)
	_, err = s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindFree, Korean: "감사"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveReviewItem(ctx, a.ID))
	require.ErrorIs(t, s.RemoveReviewItem(ctx, a.ID), store.ErrNotFound)

	items, err := s.ReviewItems(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"감사"}, koreans(items))

	require.NoError(t, s.ClearReviewItems(ctx))
	items, err = s.ReviewItems(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func testReviewValidation(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AddReviewItem(ctx, store.ReviewInput{Kind: "poem", Korean: "시"})
	require.Error(t, err)
	_, err = s.AddReviewItem(ctx, store.ReviewInput{Kind: store.KindWord, Korean: "  "})
	require.Error(t, err)

	items, err := s.ReviewItems(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func testPending(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := range 3 {
		payload, err := json.Marshal(map[string]any{"text": fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		require.NoError(t, s.AppendPending(ctx, store.PendingReview{Kind: "quiz", Payload: payload, Source: "quiz"}))
	}

	list, err := s.PendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.JSONEq(t, `{"text":"t0"}`, string(list[0].Payload))
	require.Equal(t, "quiz", list[0].Source)
	require.False(t, list[0].CreatedAt.IsZero())

	drained, err := s.DrainPending(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 3)
	require.JSONEq(t, `{"text":"t2"}`, string(drained[2].Payload))

	list, err = s.PendingReviews(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func testPendingCap(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := range store.MaxPending + 3 {
		payload := fmt.Appendf(nil, `{"n":%d}`, i)
		require.NoError(t, s.AppendPending(ctx, store.PendingReview{Kind: "quiz", Payload: payload}))
	}
	list, err := s.PendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, list, store.MaxPending)
	require.JSONEq(t, `{"n":3}`, string(list[0].Payload), "oldest entries are dropped")
}

func koreans(items []store.ReviewItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Korean
	}
	return out
}
