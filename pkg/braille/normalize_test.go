package braille

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeCell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want Cell
	}{
		{"cell passthrough", Cell{1, 0, 0, 1, 0, 0}, Cell{1, 0, 0, 1, 0, 0}},
		{"cell clamps", Cell{2, 0, 0, 7, 0, 0}, Cell{1, 0, 0, 1, 0, 0}},
		{"int slice", []int{1, 1, 0, 0, 0, 0}, Cell{1, 1, 0, 0, 0, 0}},
		{"bool slice", []bool{true, false, true, false, false, true}, Cell{1, 0, 1, 0, 0, 1}},
		{"any slice with json numbers", []any{1.0, 0.0, 0.0, 0.0, 1.0, 0.0}, Cell{1, 0, 0, 0, 1, 0}},
		{"short slice pads", []int{1, 1}, Cell{1, 1, 0, 0, 0, 0}},
		{"long slice truncates", []int{0, 0, 0, 0, 0, 1, 1, 1}, Cell{0, 0, 0, 0, 0, 1}},
		{"non-zero coerced", []int{5, 0, -1, 0, 0, 0}, Cell{1, 0, 1, 0, 0, 0}},
		{"object", map[string]any{"a": 1, "d": true, "f": 0}, Cell{1, 0, 0, 1, 0, 0}},
		{"object missing keys", map[string]any{"z": 1}, Cell{}},
		{"bitmask", 9, Cell{1, 0, 0, 1, 0, 0}},
		{"bitmask float", 63.0, Cell{1, 1, 1, 1, 1, 1}},
		{"bitmask json number", json.Number("2"), Cell{0, 1, 0, 0, 0, 0}},
		{"bitmask out of range", 64, Cell{}},
		{"bitmask negative", -1, Cell{}},
		{"bitmask fractional", 1.5, Cell{}},
		{"binary string", "100100", Cell{1, 0, 0, 1, 0, 0}},
		{"binary string with junk", "10X1", Cell{1, 0, 0, 1, 0, 0}},
		{"binary string truncates", "11111111", Cell{1, 1, 1, 1, 1, 1}},
		{"nil", nil, Cell{}},
		{"struct", struct{}{}, Cell{}},
		{"nil slice", []int(nil), Cell{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeCell(tt.in); got != tt.want {
				t.Errorf("NormalizeCell(%#v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want []Cell
	}{
		{"nil", nil, []Cell{}},
		{"empty slice", []any{}, []Cell{}},
		{"single flat cell", []any{1.0, 0.0, 0.0, 1.0, 0.0, 0.0}, []Cell{{1, 0, 0, 1, 0, 0}}},
		{
			"list of mixed shapes",
			[]any{
				[]any{1.0, 0.0, 0.0, 0.0, 0.0, 0.0},
				map[string]any{"b": 1.0},
				3.0,
				"000001",
				"garbage",
				nil,
			},
			[]Cell{
				{1, 0, 0, 0, 0, 0},
				{0, 1, 0, 0, 0, 0},
				{1, 1, 0, 0, 0, 0},
				{0, 0, 0, 0, 0, 1},
				{},
				{},
			},
		},
		{"six bitmasks are cells, not one cell", []int{1, 2, 4, 8, 16, 32}, []Cell{
			FromMask(1), FromMask(2), FromMask(4), FromMask(8), FromMask(16), FromMask(32),
		}},
		{"binary string list", "100000 110000,100100", []Cell{{1, 0, 0, 0, 0, 0}, {1, 1, 0, 0, 0, 0}, {1, 0, 0, 1, 0, 0}}},
		{"backend response map", map[string]any{"ok": true, "cells": []any{[]any{1, 1, 1, 1, 1, 1}}}, []Cell{{1, 1, 1, 1, 1, 1}}},
		{"single object", map[string]any{"a": 1}, []Cell{{1, 0, 0, 0, 0, 0}}},
		{"raw json", json.RawMessage(`[[1,0,0,0,0,0],"010000"]`), []Cell{{1, 0, 0, 0, 0, 0}, {0, 1, 0, 0, 0, 0}}},
		{"bad raw json", json.RawMessage(`[`), []Cell{}},
		{"scalar", 7, []Cell{{1, 1, 1, 0, 0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Normalize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize(%#v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []any{
		nil,
		"10X1",
		[]any{1.0, 0.0, 1.0},
		[]any{[]any{true, false}, 12.0, map[string]any{"c": 1.0}},
		map[string]any{"cells": "111111 000000"},
		[]int{1, 0, 0, 1, 0, 0},
		Cells{{1, 0, 0, 0, 0, 1}},
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("Normalize not idempotent for %#v: %v then %v", in, once, twice)
		}
	}
}

func TestNormalize_NeverPanics(t *testing.T) {
	t.Parallel()

	var nilMap map[string]any
	var nilPtr *Cell
	inputs := []any{
		nilMap, nilPtr, make(chan int), func() {}, []any{nilPtr, make(chan int)},
		[][]string{{"1", "true", "x"}}, [3]float32{1, 0, 1}, complex(1, 2),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Normalize(%T) panicked: %v", in, r)
				}
			}()
			for _, c := range Normalize(in) {
				for _, d := range c {
					if d > 1 {
						t.Errorf("Normalize(%T) produced dot value %d", in, d)
					}
				}
			}
		}()
	}
}

func TestCellEncoding(t *testing.T) {
	t.Parallel()

	c := Cell{1, 0, 0, 1, 0, 0}
	if got := c.Mask(); got != 0x09 {
		t.Errorf("Mask() = %#x, want 0x09", got)
	}
	if got := c.Rune(); got != '⠉' {
		t.Errorf("Rune() = %q, want %q", got, '⠉')
	}
	if got := c.String(); got != "100100" {
		t.Errorf("String() = %q, want %q", got, "100100")
	}
	if !c.Raised(4) || c.Raised(2) || c.Raised(0) || c.Raised(7) {
		t.Error("Raised reported wrong dots")
	}
	if (Cell{}).Rune() != '⠀' || !(Cell{}).IsBlank() {
		t.Error("blank cell should render U+2800")
	}

	cells := []Cell{{1, 1, 1, 1, 1, 1}, {}, c}
	packed := Pack(cells)
	if want := []byte{0x3f, 0x00, 0x09}; !reflect.DeepEqual(packed, want) {
		t.Errorf("Pack = %v, want %v", packed, want)
	}
	if got := Unpack(packed); !reflect.DeepEqual(got, cells) {
		t.Errorf("Unpack(Pack(x)) = %v, want %v", got, cells)
	}
	if got := Cells(cells).String(); got != "⠿⠀⠉" {
		t.Errorf("Cells.String() = %q", got)
	}
	if got := FromMask(0xff); got != (Cell{1, 1, 1, 1, 1, 1}) {
		t.Errorf("FromMask ignores high bits: got %v", got)
	}
}
