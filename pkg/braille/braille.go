// Package braille defines the six-dot Braille cell used throughout Jeomgeuri
// and the tolerant normalizer that turns whatever cell shape a backend or a
// local fallback produced into canonical cells.
//
// A [Cell] holds dots 1 through 6 in the standard two-column layout: column A
// is dots 1, 2, 3 (top to bottom) and column B is dots 4, 5, 6. Every element
// is 0 (raised dot absent) or 1 (raised dot present).
//
// Translation of Korean text into cells is not performed here. It is the job
// of an external service reached through the [Converter] interface.
package braille

import (
	"context"
	"strings"
)

// Dots is the number of dot positions in a cell.
const Dots = 6

// blankRune is the Unicode "BRAILLE PATTERN BLANK" code point. Adding a cell's
// mask to it yields the matching pattern because Unicode assigns bit i to
// dot i+1, the same layout as [Cell.Mask].
const blankRune = 0x2800

// Cell is one Braille cell. Index 0 is dot 1, index 5 is dot 6.
type Cell [Dots]uint8

// Mask packs the cell into a byte where bit i is set when dot i+1 is raised.
func (c Cell) Mask() byte {
	var m byte
	for i, d := range c {
		if d != 0 {
			m |= 1 << i
		}
	}
	return m
}

// Rune returns the Unicode Braille pattern for the cell (U+2800 block).
func (c Cell) Rune() rune {
	return rune(blankRune + int(c.Mask()))
}

// Raised reports whether dot (1-based) is raised. Out-of-range dots are
// reported as not raised.
func (c Cell) Raised(dot int) bool {
	if dot < 1 || dot > Dots {
		return false
	}
	return c[dot-1] != 0
}

// IsBlank reports whether no dot is raised.
func (c Cell) IsBlank() bool {
	return c.Mask() == 0
}

// String renders the cell as its six dot digits, e.g. "100100".
func (c Cell) String() string {
	var b strings.Builder
	b.Grow(Dots)
	for _, d := range c {
		if d != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// FromMask builds a cell from a bitmask. Bits above bit 5 are ignored.
func FromMask(m byte) Cell {
	var c Cell
	for i := range Dots {
		c[i] = (m >> i) & 1
	}
	return c
}

// Cells is an ordered run of cells, typically the translation of one word.
type Cells []Cell

// String renders the run as Unicode Braille patterns.
func (cs Cells) String() string {
	var b strings.Builder
	for _, c := range cs {
		b.WriteRune(c.Rune())
	}
	return b.String()
}

// Pack encodes cells as one byte per cell using [Cell.Mask]. This is the wire
// format written to a Braille display.
func Pack(cells []Cell) []byte {
	out := make([]byte, len(cells))
	for i, c := range cells {
		out[i] = c.Mask()
	}
	return out
}

// Unpack is the inverse of [Pack].
func Unpack(data []byte) []Cell {
	out := make([]Cell, len(data))
	for i, b := range data {
		out[i] = FromMask(b)
	}
	return out
}

// Converter translates text into Braille cells. Implementations are expected
// to call out to a translation service; they must be safe for concurrent use.
type Converter interface {
	Convert(ctx context.Context, text string) ([]Cell, error)
}

// ConverterFunc adapts a plain function to the [Converter] interface.
type ConverterFunc func(ctx context.Context, text string) ([]Cell, error)

// Convert calls f(ctx, text).
func (f ConverterFunc) Convert(ctx context.Context, text string) ([]Cell, error) {
	return f(ctx, text)
}
