// Package speech sequences text-to-speech output for a session.
//
// The service does not synthesise audio itself. A [Queue] turns speak
// directives into [Utterance] values with clamped prosody and hands them, in
// order, to a [Sink]. In production the sink is the client bridge, which
// forwards each utterance to the browser's speech engine.
//
// All exported types are safe for concurrent use.
package speech

import (
	"context"
	"strings"
)

// Prosody defaults and bounds.
const (
	DefaultLang   = "ko-KR"
	DefaultRate   = 0.9
	DefaultPitch  = 1.0
	DefaultVolume = 1.0

	minRate, maxRate     = 0.1, 10.0
	minPitch, maxPitch   = 0.0, 2.0
	minVolume, maxVolume = 0.0, 1.0
)

// Options controls how a batch of texts is spoken. Nil numeric fields take
// the package defaults.
type Options struct {
	Lang      string   `json:"lang,omitempty"`
	VoiceName string   `json:"voice,omitempty"`
	Rate      *float64 `json:"rate,omitempty"`
	Pitch     *float64 `json:"pitch,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
}

// Utterance is one piece of text ready for a speech engine.
type Utterance struct {
	Text   string  `json:"text"`
	Lang   string  `json:"lang"`
	Voice  string  `json:"voice,omitempty"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Action is a playback control sent to a [Sink].
type Action string

const (
	ActionStop   Action = "stop"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
)

// Sink receives utterances and controls. Speak may block until the
// utterance has been spoken; it must return when ctx is done.
type Sink interface {
	Speak(ctx context.Context, u Utterance) error
	Control(ctx context.Context, a Action) error
}

// Utterances trims and filters texts and applies opts. Blank texts are
// dropped.
func Utterances(texts []string, opts Options) []Utterance {
	lang := strings.TrimSpace(opts.Lang)
	if lang == "" {
		lang = DefaultLang
	}
	rate := clamp(valueOr(opts.Rate, DefaultRate), minRate, maxRate)
	pitch := clamp(valueOr(opts.Pitch, DefaultPitch), minPitch, maxPitch)
	volume := clamp(valueOr(opts.Volume, DefaultVolume), minVolume, maxVolume)

	var out []Utterance
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, Utterance{
			Text:   t,
			Lang:   lang,
			Voice:  opts.VoiceName,
			Rate:   rate,
			Pitch:  pitch,
			Volume: volume,
		})
	}
	return out
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

// Voice describes a voice offered by a speech engine.
type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// PickVoice chooses a voice for opts: the voice named opts.VoiceName, else
// the first voice whose language equals opts.Lang (default ko-KR), else the
// first whose language shares its two-letter prefix, else the first voice.
// It reports false only when voices is empty.
func PickVoice(voices []Voice, opts Options) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	if opts.VoiceName != "" {
		for _, v := range voices {
			if v.Name == opts.VoiceName {
				return v, true
			}
		}
	}
	lang := opts.Lang
	if lang == "" {
		lang = DefaultLang
	}
	for _, v := range voices {
		if v.Lang == lang {
			return v, true
		}
	}
	prefix := strings.ToLower(lang[:min(2, len(lang))])
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), prefix) {
			return v, true
		}
	}
	return voices[0], true
}

// Speech recognition error codes reported by clients.
const (
	ErrCodeNotAllowed   = "not-allowed"
	ErrCodeNoSpeech     = "no-speech"
	ErrCodeAudioCapture = "audio-capture"
)

// ErrorMessage returns the Korean message shown to the user for a speech
// recognition error code.
func ErrorMessage(code string) string {
	switch code {
	case ErrCodeNotAllowed:
		return "마이크 권한이 거부되었습니다."
	case ErrCodeNoSpeech:
		return "음성이 감지되지 않았습니다."
	case ErrCodeAudioCapture:
		return "마이크가 감지되지 않았습니다."
	default:
		return "음성 인식 오류가 발생했습니다."
	}
}
