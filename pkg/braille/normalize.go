package braille

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// shape identifies which decoder handles a single cell value.
type shape int

const (
	shapeUnknown shape = iota
	shapeCell
	shapeScalars
	shapeObject
	shapeMask
	shapeBinary
)

// objectKeys maps the named-field representation onto dot positions.
var objectKeys = [Dots]string{"a", "b", "c", "d", "e", "f"}

// Normalize converts any supported representation of a list of cells into
// canonical cells. It never panics: values it cannot interpret become blank
// cells while the remaining entries are still decoded.
//
// Accepted top-level inputs:
//
//   - nil → empty list
//   - a slice or array whose elements are individual cells
//   - a single cell in any shape accepted by [NormalizeCell]; a flat list of
//     exactly six 0/1/bool values is treated as one cell
//   - a string of whitespace or comma separated binary cells ("100000 110000")
//   - a map carrying a "cells" key (a raw backend response)
//
// Normalize is idempotent: Normalize(Normalize(x)) equals Normalize(x).
func Normalize(v any) []Cell {
	switch x := v.(type) {
	case nil:
		return []Cell{}
	case []Cell:
		out := make([]Cell, len(x))
		for i, c := range x {
			out[i] = clampCell(c)
		}
		return out
	case Cells:
		return Normalize([]Cell(x))
	case Cell:
		return []Cell{clampCell(x)}
	case string:
		return normalizeString(x)
	case map[string]any:
		if inner, ok := x["cells"]; ok {
			return Normalize(inner)
		}
		return []Cell{NormalizeCell(x)}
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return []Cell{}
		}
		return Normalize(decoded)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []Cell{NormalizeCell(v)}
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return []Cell{}
	}
	if isScalarCell(rv) {
		return []Cell{decodeScalars(rv)}
	}
	out := make([]Cell, rv.Len())
	for i := range rv.Len() {
		out[i] = NormalizeCell(rv.Index(i).Interface())
	}
	return out
}

// NormalizeCell decodes a single cell. Supported shapes:
//
//   - a [Cell] (passed through)
//   - a slice or array of numbers or bools, coerced element-wise (non-zero or
//     true → 1); short lists are padded with 0, long lists truncated
//   - a map with fields "a" through "f" mapped to dots 1 through 6
//   - an integer bitmask 0–63 where bit 0 is dot 1
//   - a binary string such as "100000"; characters other than '0' and '1'
//     become '0' and the string is padded or truncated to six characters
//
// Anything else, including out-of-range bitmasks, yields a blank cell.
func NormalizeCell(v any) Cell {
	switch classify(v) {
	case shapeCell:
		return clampCell(v.(Cell))
	case shapeScalars:
		return decodeScalars(reflect.ValueOf(v))
	case shapeObject:
		return decodeObject(v.(map[string]any))
	case shapeMask:
		return decodeMask(v)
	case shapeBinary:
		return decodeBinary(v.(string))
	default:
		return Cell{}
	}
}

func classify(v any) shape {
	switch v.(type) {
	case nil:
		return shapeUnknown
	case Cell:
		return shapeCell
	case map[string]any:
		return shapeObject
	case string:
		return shapeBinary
	case json.Number:
		return shapeMask
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return shapeMask
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return shapeUnknown
		}
		return shapeScalars
	}
	return shapeUnknown
}

// isScalarCell reports whether rv is a flat list of exactly six 0/1/bool
// values, i.e. one cell rather than a list of cells.
func isScalarCell(rv reflect.Value) bool {
	if rv.Len() != Dots {
		return false
	}
	for i := range rv.Len() {
		switch x := rv.Index(i).Interface().(type) {
		case bool:
		default:
			f, ok := toFloat(x)
			if !ok || (f != 0 && f != 1) {
				return false
			}
		}
	}
	return true
}

func decodeScalars(rv reflect.Value) Cell {
	var c Cell
	n := min(rv.Len(), Dots)
	for i := range n {
		c[i] = truthy(rv.Index(i).Interface())
	}
	return c
}

func decodeObject(m map[string]any) Cell {
	var c Cell
	for i, k := range objectKeys {
		if v, ok := m[k]; ok {
			c[i] = truthy(v)
		}
	}
	return c
}

func decodeMask(v any) Cell {
	f, ok := toFloat(v)
	if !ok || f < 0 || f > 63 || f != math.Trunc(f) {
		return Cell{}
	}
	return FromMask(byte(f))
}

func decodeBinary(s string) Cell {
	var c Cell
	i := 0
	for _, r := range strings.TrimSpace(s) {
		if i == Dots {
			break
		}
		if r == '1' {
			c[i] = 1
		}
		i++
	}
	return c
}

func normalizeString(s string) []Cell {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == ';'
	})
	if len(fields) == 0 {
		return []Cell{}
	}
	out := make([]Cell, len(fields))
	for i, f := range fields {
		out[i] = decodeBinary(f)
	}
	return out
}

// clampCell forces every element of c to 0 or 1.
func clampCell(c Cell) Cell {
	for i, d := range c {
		if d != 0 {
			c[i] = 1
		}
	}
	return c
}

// truthy coerces one dot value to 0 or 1.
func truthy(v any) uint8 {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true":
			return 1
		}
		return 0
	}
	f, ok := toFloat(v)
	if !ok || f == 0 || math.IsNaN(f) {
		return 0
	}
	return 1
}

// toFloat converts any numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case nil:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
