package ui

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// DefaultScrollback is the number of lines kept per tab
const DefaultScrollback = 5000

// Scrollback accumulates received bytes as text lines. The last line stays
// open until a newline arrives. Incomplete UTF-8 sequences are held back
// until the rest of the rune is appended.
type Scrollback struct {
	lines    []string
	current  strings.Builder
	pending  []byte
	maxLines int
}

// NewScrollback creates a scrollback holding at most maxLines closed lines
func NewScrollback(maxLines int) *Scrollback {
	if maxLines <= 0 {
		maxLines = DefaultScrollback
	}
	return &Scrollback{maxLines: maxLines}
}

// Append adds received bytes
func (sb *Scrollback) Append(data []byte) {
	if len(sb.pending) > 0 {
		data = append(sb.pending, data...)
		sb.pending = nil
	}

	for len(data) > 0 {
		if !utf8.FullRune(data) {
			sb.pending = append([]byte(nil), data...)
			return
		}
		r, size := utf8.DecodeRune(data)
		data = data[size:]

		switch {
		case r == '\n':
			sb.newline()
		case r == '\r':
			// line endings are normalized on '\n'
		case r == '\t':
			col := runewidth.StringWidth(sb.current.String())
			sb.current.WriteString(strings.Repeat(" ", 8-col%8))
		case r == utf8.RuneError && size == 1, r < 0x20, r == 0x7f:
			sb.current.WriteRune('·')
		default:
			sb.current.WriteRune(r)
		}
	}
}

func (sb *Scrollback) newline() {
	sb.lines = append(sb.lines, sb.current.String())
	sb.current.Reset()
	if over := len(sb.lines) - sb.maxLines; over > 0 {
		sb.lines = append(sb.lines[:0:0], sb.lines[over:]...)
	}
}

// Lines returns every line including the open one
func (sb *Scrollback) Lines() []string {
	out := make([]string, 0, len(sb.lines)+1)
	out = append(out, sb.lines...)
	if sb.current.Len() > 0 {
		out = append(out, sb.current.String())
	}
	return out
}

// Len returns the number of lines including the open one
func (sb *Scrollback) Len() int {
	n := len(sb.lines)
	if sb.current.Len() > 0 {
		n++
	}
	return n
}

// Clear drops all content
func (sb *Scrollback) Clear() {
	sb.lines = nil
	sb.current.Reset()
	sb.pending = nil
}

// View returns up to height display rows of at most width cells, wrapping long
// lines. offset counts rows back from the newest one.
func (sb *Scrollback) View(width, height, offset int) []string {
	if width <= 0 || height <= 0 {
		return nil
	}

	var rows []string
	for _, line := range sb.Lines() {
		rows = append(rows, wrap(line, width)...)
	}

	if offset < 0 {
		offset = 0
	}
	if max := len(rows) - height; offset > max {
		offset = max
		if offset < 0 {
			offset = 0
		}
	}
	end := len(rows) - offset
	start := end - height
	if start < 0 {
		start = 0
	}
	return rows[start:end]
}

// wrap splits line into rows of at most width display cells
func wrap(line string, width int) []string {
	if line == "" {
		return []string{""}
	}

	var rows []string
	var row strings.Builder
	col := 0
	for _, r := range line {
		w := runewidth.RuneWidth(r)
		if col+w > width && col > 0 {
			rows = append(rows, row.String())
			row.Reset()
			col = 0
		}
		row.WriteRune(r)
		col += w
	}
	return append(rows, row.String())
}
