package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/store"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

// convert renders text as Braille cells. Only the latest conversion is
// delivered.
func (s *session) convert(ctx context.Context, in Inbound) {
	mode, _ := backend.ParseMode(in.Mode)
	ctx, done := s.latest.Begin(ctx, "convert")
	defer done()

	cells, err := s.srv.backend.ConvertBraille(ctx, in.Text, mode)
	switch {
	case errors.Is(err, backend.ErrSuperseded), s.ctx.Err() != nil:
		return
	case err != nil:
		slog.Warn("bridge: convert failed", "session", s.id, "err", err)
		s.srv.metrics.RecordFallback(ctx, "convert")
		s.sendError(in.ID, "convert_failed", msgConvertFailed, err.Error())
		cells = []braille.Cell{}
	}
	s.send(TypeCells, in.ID, CellsPayload{
		Text:    in.Text,
		Cells:   cells,
		Braille: braille.Cells(cells).String(),
	})
}

func (s *session) lessons(ctx context.Context, in Inbound) {
	mode, _ := backend.ParseMode(in.Mode)
	items, err := s.srv.lessons.Lessons(ctx, mode)
	if err != nil {
		slog.Warn("bridge: lessons failed", "session", s.id, "mode", mode, "err", err)
		s.sendError(in.ID, "lessons_failed", msgLessonsFailed, err.Error())
		return
	}
	s.send(TypeLessons, in.ID, LessonsPayload{Mode: mode, Items: items})
}

func (s *session) review(ctx context.Context, in Inbound) {
	st := s.srv.store
	var (
		p   ReviewPayload
		err error
	)
	switch in.Action {
	case "", "add":
		p, err = s.addReview(ctx, in)
	case "list":
		p.Items, err = st.ReviewItems(ctx)
	case "incorrect":
		p.Items, err = st.IncorrectItems(ctx)
	case "remove":
		if err = st.RemoveReviewItem(ctx, in.ReviewID); err == nil {
			p.Items, err = st.ReviewItems(ctx)
		}
	case "clear":
		if err = st.ClearReviewItems(ctx); err == nil {
			p.Items = []store.ReviewItem{}
		}
	}
	if err != nil {
		code := "review_failed"
		if errors.Is(err, store.ErrNotFound) {
			code = "review_not_found"
		}
		slog.Warn("bridge: review request failed", "session", s.id, "action", in.Action, "err", err)
		s.sendError(in.ID, code, msgReviewFailed, err.Error())
		return
	}
	if p.Items == nil && p.Item == nil {
		p.Items = []store.ReviewItem{}
	}
	s.send(TypeReview, in.ID, p)
}

// addReview stores a review item. Incorrect answers are also submitted to the
// backend review queue, or kept locally while the backend is unavailable.
func (s *session) addReview(ctx context.Context, in Inbound) (ReviewPayload, error) {
	kind, err := store.ParseReviewKind(in.Kind)
	if err != nil {
		return ReviewPayload{}, err
	}
	item, err := s.srv.store.AddReviewItem(ctx, store.ReviewInput{
		Kind:        kind,
		Korean:      in.Korean,
		Braille:     in.Braille,
		Description: in.Description,
		Correct:     in.Correct,
	})
	if err != nil {
		return ReviewPayload{}, err
	}
	p := ReviewPayload{Item: &item}
	if item.Correct {
		return p, nil
	}

	source := in.Source
	if source == "" {
		source = "review"
	}
	req := backend.ReviewRequest{
		Kind:    string(item.Kind),
		Payload: backend.ReviewPayload{Text: item.Korean, Braille: braille.Normalize(in.Cells)},
		Source:  source,
	}
	err = s.srv.reviews.Execute(func(sink backend.ReviewSink) error {
		p.Queued = "backend"
		if _, local := sink.(pendingSink); local {
			p.Queued = "pending"
		}
		return sink.EnqueueReview(ctx, req)
	})
	if err != nil {
		// The item itself is stored; only the submission was lost.
		slog.Error("bridge: review submission failed", "session", s.id, "err", err)
		p.Queued = ""
		return p, nil
	}
	if p.Queued == "backend" {
		s.srv.flushPending(ctx)
	} else {
		s.srv.metrics.RecordFallback(ctx, "review")
	}
	return p, nil
}
