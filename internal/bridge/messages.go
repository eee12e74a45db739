package bridge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/ble"
	"github.com/jeomgeuri/jeomgeuri/internal/playback"
	"github.com/jeomgeuri/jeomgeuri/internal/speech"
	"github.com/jeomgeuri/jeomgeuri/internal/store"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://jeomgeuri.local/schema/inbound.json"

// Inbound message types.
const (
	TypeTranscript = "transcript"
	TypeCommand    = "command"
	TypeAsk        = "ask"
	TypeConvert    = "convert"
	TypeLessons    = "lessons"
	TypeReview     = "review"
	TypeSTTError   = "stt_error"
	TypeBLE        = "ble"
	TypeSpeech     = "speech"
)

// Outbound message types.
const (
	TypeState         = "state"
	TypeSpeak         = "speak"
	TypeSpeechControl = "speech_control"
	TypeAnswer        = "answer"
	TypeAnswerDelta   = "answer_delta"
	TypeCells         = "cells"
	TypeIntent        = "intent"
	TypeNavigate      = "navigate"
	TypeDevices       = "devices"
	TypeKeywords      = "keywords"
	TypeError         = "error"
)

// Inbound is a client message. Which fields are meaningful depends on Type;
// the schema in schema.json is the authority.
type Inbound struct {
	Type string `json:"type"`

	// ID is an optional client correlation id echoed on replies.
	ID string `json:"id,omitempty"`

	// transcript, command(speak), convert
	Text  string `json:"text,omitempty"`
	Final *bool  `json:"final,omitempty"`

	// command
	Name     string   `json:"name,omitempty"`
	Index    *int     `json:"index,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`

	// ask
	Q      string `json:"q,omitempty"`
	Topic  string `json:"topic,omitempty"`
	Stream bool   `json:"stream,omitempty"`

	// ask, convert, lessons
	Mode string `json:"mode,omitempty"`

	// review
	ReviewID    string          `json:"review_id,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Korean      string          `json:"korean,omitempty"`
	Braille     string          `json:"braille,omitempty"`
	Description string          `json:"description,omitempty"`
	Correct     bool            `json:"correct,omitempty"`
	Cells       json.RawMessage `json:"cells,omitempty"`
	Source      string          `json:"source,omitempty"`

	// ble, review
	Action  string `json:"action,omitempty"`
	Address string `json:"address,omitempty"`

	// stt_error
	Code string `json:"code,omitempty"`

	// speech acknowledgements
	Utterance string `json:"utterance,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IsFinal reports whether a transcript is final. Transcripts without the
// flag are treated as final.
func (in Inbound) IsFinal() bool {
	return in.Final == nil || *in.Final
}

// Outbound is a server message.
type Outbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// StatePayload is the session state pushed after every change.
type StatePayload struct {
	Playback playback.Snapshot `json:"playback"`
	Label    string            `json:"label"`
	Speech   speech.State      `json:"speech"`
	Muted    bool              `json:"muted"`
	Display  *DisplayState     `json:"display,omitempty"`
}

// DisplayState describes the Braille display from one session's point of
// view.
type DisplayState struct {
	ble.Status
	Leased bool `json:"leased"`
}

// SpeakPayload asks the client to speak one utterance and acknowledge it
// with a speech message carrying the same ID.
type SpeakPayload struct {
	ID string `json:"utterance"`
	speech.Utterance
}

// SpeechControlPayload asks the client to stop, pause or resume speech.
type SpeechControlPayload struct {
	Action speech.Action `json:"action"`
}

// AnswerPayload is a complete AI answer.
type AnswerPayload struct {
	Q string `json:"q"`
	backend.ChatResponse
}

// AnswerDeltaPayload is one streamed answer fragment.
type AnswerDeltaPayload struct {
	Delta string `json:"delta"`
}

// CellsPayload is a Braille conversion result.
type CellsPayload struct {
	Text    string         `json:"text"`
	Cells   []braille.Cell `json:"cells"`
	Braille string         `json:"braille"`
}

// LessonsPayload is an ordered lesson list.
type LessonsPayload struct {
	Mode  backend.Mode     `json:"mode"`
	Items []backend.Lesson `json:"items"`
}

// ReviewPayload answers review requests.
type ReviewPayload struct {
	Item   *store.ReviewItem  `json:"item,omitempty"`
	Items  []store.ReviewItem `json:"items,omitempty"`
	Queued string             `json:"queued,omitempty"`
}

// IntentPayload reports how a final transcript was classified.
type IntentPayload struct {
	Intent  string `json:"intent"`
	Text    string `json:"text"`
	Index   *int   `json:"index,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// NavigatePayload asks the client to change page. Back means history back.
type NavigatePayload struct {
	Route string `json:"route,omitempty"`
	Back  bool   `json:"back,omitempty"`
}

// DevicesPayload lists Braille displays found by a scan.
type DevicesPayload struct {
	Devices []ble.Device `json:"devices"`
}

// KeywordsPayload is the stored keyword history.
type KeywordsPayload struct {
	Keywords []string `json:"keywords"`
}

// ErrorPayload reports a failed request. Message is user-facing Korean text.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Decoder validates and decodes inbound messages. It is safe for concurrent
// use.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the embedded message schema.
func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("bridge: add schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: compile schema: %w", err)
	}
	return &Decoder{schema: sch}, nil
}

// ErrInvalidMessage wraps schema and syntax failures of inbound messages.
var ErrInvalidMessage = errors.New("bridge: invalid message")

// Decode validates data against the schema and decodes it.
func (d *Decoder) Decode(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Inbound{}, fmt.Errorf("%w: %s", ErrInvalidMessage, leafMessage(ve))
		}
		return Inbound{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return in, nil
}

// leafMessage returns the deepest cause, which names the offending field.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}
