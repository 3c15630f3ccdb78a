package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Cell represents a single character in the terminal.
type Cell struct {
	Rune  rune
	Style tcell.Style
}

// Buffer is an off-screen render target, flushed to the screen in one pass.
type Buffer struct {
	Cells  [][]Cell
	Width  int
	Height int
}

// NewBuffer creates a blank buffer of the specified size.
func NewBuffer(width, height int) *Buffer {
	cells := make([][]Cell, height)
	for y := range cells {
		cells[y] = make([]Cell, width)
		for x := range cells[y] {
			cells[y][x] = Cell{Rune: ' ', Style: CurrentStyles.Normal}
		}
	}
	return &Buffer{Cells: cells, Width: width, Height: height}
}

// ApplyToScreen copies the buffer onto screen at the given offset.
func (b *Buffer) ApplyToScreen(screen tcell.Screen, offsetX, offsetY int) {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			cell := b.Cells[y][x]
			screen.SetContent(offsetX+x, offsetY+y, cell.Rune, nil, cell.Style)
		}
	}
}

// Set writes a rune at (x, y); out-of-bounds writes are dropped.
func (b *Buffer) Set(x, y int, r rune, style tcell.Style) {
	if x >= 0 && x < b.Width && y >= 0 && y < b.Height {
		b.Cells[y][x] = Cell{Rune: r, Style: style}
	}
}

// DrawString writes s starting at (x, y), clipped to the buffer width.
func (b *Buffer) DrawString(x, y int, s string, style tcell.Style) {
	col := x
	for _, r := range s {
		if col >= b.Width {
			break
		}
		b.Set(col, y, r, style)
		col++
	}
}

// Row returns row y as text with trailing blanks removed.
func (b *Buffer) Row(y int) string {
	if y < 0 || y >= b.Height {
		return ""
	}
	var sb strings.Builder
	for _, c := range b.Cells[y] {
		sb.WriteRune(c.Rune)
	}
	return strings.TrimRight(sb.String(), " ")
}
