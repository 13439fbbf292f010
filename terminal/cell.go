package terminal

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Cell is one position of the grid.
//
// A wide rune occupies its own cell plus a continuation cell with Width 0.
// Magic cells hold a captured file instead of text.
type Cell struct {
	Ch    rune
	Comb  string // combining marks attached to Ch
	Width uint8
	Rend  Rendition
	Magic *Magic
}

// Line is one row of cells.
type Line []Cell

func blankCell(r Rendition) Cell {
	// erased cells keep the background only
	return Cell{Ch: ' ', Width: 1, Rend: Rendition{Bg: r.Bg}}
}

func newLine(cols int, r Rendition) Line {
	l := make(Line, cols)
	b := blankCell(r)
	for i := range l {
		l[i] = b
	}
	return l
}

func (l Line) clone() Line {
	c := make(Line, len(l))
	copy(c, l)
	return c
}

// resize returns l truncated or padded to cols.
func (l Line) resize(cols int) Line {
	if len(l) == cols {
		return l
	}
	if len(l) > cols {
		out := l[:cols].clone()
		// never leave half of a wide rune at the edge
		if cols > 0 && out[cols-1].Width == 2 {
			out[cols-1] = blankCell(out[cols-1].Rend)
		}
		return out
	}
	out := make(Line, cols)
	copy(out, l)
	b := blankCell(Rendition{})
	for i := len(l); i < cols; i++ {
		out[i] = b
	}
	return out
}

// Text returns the plain text of the line with trailing blanks removed.
func (l Line) Text() string {
	var b strings.Builder
	for _, c := range l {
		if c.Width == 0 {
			continue
		}
		if c.Magic != nil {
			b.WriteRune(magicPlaceholder)
			continue
		}
		b.WriteRune(c.Ch)
		b.WriteString(c.Comb)
	}
	return strings.TrimRight(b.String(), " ")
}

// Ambiguous-width runes (box drawing, Greek) are narrow regardless of locale.
var widthCond = &runewidth.Condition{EastAsianWidth: false, StrictEmojiNeutral: true}

// runeWidth returns the number of columns r takes on screen.
func runeWidth(r rune) int {
	return widthCond.RuneWidth(r)
}
