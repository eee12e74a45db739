package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

// Mode selects the granularity of lessons and conversions.
type Mode string

const (
	ModeChar     Mode = "char"
	ModeWord     Mode = "word"
	ModeSentence Mode = "sentence"
)

// ParseMode validates s as a [Mode]. The empty string selects [ModeWord].
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeWord, nil
	case ModeChar, ModeWord, ModeSentence:
		return m, nil
	default:
		return "", fmt.Errorf("backend: unknown mode %q", s)
	}
}

// AskRequest is the body of the chat ask endpoints.
type AskRequest struct {
	Q     string `json:"q"`
	Mode  string `json:"mode,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// ChatResponse is an AI answer. Missing fields are filled with defaults by
// [Client.Ask], so consumers never see nil maps or slices.
type ChatResponse struct {
	Answer       string         `json:"answer"`
	Keywords     []string       `json:"keywords"`
	BrailleWords []string       `json:"braille_words"`
	Mode         string         `json:"mode"`
	Actions      map[string]any `json:"actions"`
	Meta         map[string]any `json:"meta"`
}

// chatWire accepts both answer spellings the backend uses.
type chatWire struct {
	OK           *bool          `json:"ok"`
	Error        string         `json:"error"`
	Answer       *string        `json:"answer"`
	ChatMarkdown *string        `json:"chat_markdown"`
	Keywords     []string       `json:"keywords"`
	BrailleWords []string       `json:"braille_words"`
	Mode         string         `json:"mode"`
	Actions      map[string]any `json:"actions"`
	Meta         map[string]any `json:"meta"`
}

func (w chatWire) response() ChatResponse {
	r := ChatResponse{
		Keywords:     w.Keywords,
		BrailleWords: w.BrailleWords,
		Mode:         w.Mode,
		Actions:      w.Actions,
		Meta:         w.Meta,
	}
	switch {
	case w.Answer != nil && *w.Answer != "":
		r.Answer = *w.Answer
	case w.ChatMarkdown != nil:
		r.Answer = *w.ChatMarkdown
	}
	if r.Keywords == nil {
		r.Keywords = []string{}
	}
	if r.BrailleWords == nil {
		r.BrailleWords = []string{}
	}
	if r.Mode == "" {
		r.Mode = "qa"
	}
	if r.Actions == nil {
		r.Actions = map[string]any{}
	}
	if r.Meta == nil {
		r.Meta = map[string]any{}
	}
	return r
}

// convertWire is the conversion response; cells may arrive in any shape
// accepted by [braille.Normalize].
type convertWire struct {
	OK    *bool           `json:"ok"`
	Cells json.RawMessage `json:"cells"`
	Error string          `json:"error"`
}

// Lesson is one ordered lesson item.
type Lesson struct {
	Char         string         `json:"char,omitempty"`
	Word         string         `json:"word,omitempty"`
	Sentence     string         `json:"sentence,omitempty"`
	Name         string         `json:"name,omitempty"`
	Cells        []braille.Cell `json:"cells,omitempty"`
	Examples     []string       `json:"examples,omitempty"`
	TTS          StringList     `json:"tts,omitempty"`
	TTSIntro     string         `json:"ttsIntro,omitempty"`
	DecomposeTTS []string       `json:"decomposeTTS,omitempty"`
}

// Text returns the lesson's subject: the character, word or sentence.
func (l Lesson) Text() string {
	switch {
	case l.Char != "":
		return l.Char
	case l.Word != "":
		return l.Word
	default:
		return l.Sentence
	}
}

// Speech returns what should be spoken to introduce the lesson.
func (l Lesson) Speech() []string {
	var out []string
	if l.TTSIntro != "" {
		out = append(out, l.TTSIntro)
	}
	out = append(out, l.TTS...)
	if len(out) == 0 && l.Text() != "" {
		out = append(out, l.Text())
	}
	return out
}

// UnmarshalJSON accepts cells under either "cells" or "brailles" in any
// normalizable shape.
func (l *Lesson) UnmarshalJSON(data []byte) error {
	type plain Lesson
	var w struct {
		plain
		Cells    json.RawMessage `json:"cells"`
		Brailles json.RawMessage `json:"brailles"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*l = Lesson(w.plain)
	raw := w.Cells
	if len(raw) == 0 {
		raw = w.Brailles
	}
	if len(raw) > 0 {
		l.Cells = braille.Normalize(raw)
	}
	return nil
}

// StringList decodes from either a JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements [json.Unmarshaler].
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("backend: tts: %w", err)
	}
	*s = many
	return nil
}

// lessonsWire accepts either {"items": [...]} or a bare array.
type lessonsWire []Lesson

func (w *lessonsWire) UnmarshalJSON(data []byte) error {
	var list []Lesson
	if err := json.Unmarshal(data, &list); err == nil {
		*w = list
		return nil
	}
	var obj struct {
		Items []Lesson `json:"items"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*w = obj.Items
	return nil
}

// ReviewRequest is the body of the review enqueue endpoint.
type ReviewRequest struct {
	Kind    string        `json:"kind"`
	Payload ReviewPayload `json:"payload"`
	Source  string        `json:"source,omitempty"`
}

// ReviewPayload is the item to review.
type ReviewPayload struct {
	Text     string         `json:"text,omitempty"`
	Braille  []braille.Cell `json:"braille,omitempty"`
	Segments []string       `json:"segments,omitempty"`
}
