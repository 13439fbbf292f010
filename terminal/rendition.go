package terminal

import (
	"fmt"
	"strconv"
	"strings"
)

// ColorKind tells how a Color is encoded.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorIndexed
	ColorRGB
)

// Color is either the terminal default, a 256-color palette index or a 24-bit value.
type Color struct {
	Kind    ColorKind
	Index   uint8
	R, G, B uint8
}

// DefaultColor is the unset foreground/background.
var DefaultColor = Color{}

// Indexed returns a palette color.
func Indexed(n int) Color {
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	return Color{Kind: ColorIndexed, Index: uint8(n)}
}

// RGB returns a 24-bit color.
func RGB(r, g, b int) Color {
	return Color{Kind: ColorRGB, R: clamp8(r), G: clamp8(g), B: clamp8(b)}
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Hex returns the color as #rrggbb. Only meaningful for ColorRGB.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Attr is a set of SGR flags.
type Attr uint16

const (
	AttrBold Attr = 1 << iota
	AttrDim
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrReverse
	AttrInvisible
	AttrStrikethrough
)

var attrNames = []struct {
	attr Attr
	name string
}{
	{AttrBold, "bold"},
	{AttrDim, "dim"},
	{AttrItalic, "italic"},
	{AttrUnderline, "underline"},
	{AttrBlink, "blink"},
	{AttrReverse, "reverse"},
	{AttrInvisible, "invisible"},
	{AttrStrikethrough, "strikethrough"},
}

// Has reports whether every flag in a is set.
func (a Attr) Has(flag Attr) bool { return a&flag == flag }

// Rendition is the set of visual attributes applied to a cell.
// It is comparable, so adjacent cells can be merged with ==.
type Rendition struct {
	Fg    Color
	Bg    Color
	Attrs Attr
	Link  uint32 // hyperlink id, 0 = none
}

// IsDefault reports whether r carries no styling at all.
func (r Rendition) IsDefault() bool { return r == Rendition{} }

// Classes returns the CSS class list and inline style for r.
// 24-bit colors have no class and are emitted as inline style.
func (r Rendition) Classes(prefix string) (classes []string, style string) {
	for _, an := range attrNames {
		if r.Attrs.Has(an.attr) {
			classes = append(classes, prefix+an.name)
		}
	}
	var styles []string
	switch r.Fg.Kind {
	case ColorIndexed:
		classes = append(classes, prefix+"f"+strconv.Itoa(int(r.Fg.Index)))
	case ColorRGB:
		styles = append(styles, "color:"+r.Fg.Hex())
	}
	switch r.Bg.Kind {
	case ColorIndexed:
		classes = append(classes, prefix+"b"+strconv.Itoa(int(r.Bg.Index)))
	case ColorRGB:
		styles = append(styles, "background-color:"+r.Bg.Hex())
	}
	return classes, strings.Join(styles, ";")
}

// applySGR updates r according to one CSI ... m parameter list.
// Missing parameters are passed as -1 and treated as 0.
func applySGR(r Rendition, params []int) Rendition {
	if len(params) == 0 {
		return Rendition{Link: r.Link}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		if p < 0 {
			p = 0
		}
		switch {
		case p == 0:
			r = Rendition{Link: r.Link}
		case p == 1:
			r.Attrs |= AttrBold
		case p == 2:
			r.Attrs |= AttrDim
		case p == 3:
			r.Attrs |= AttrItalic
		case p == 4, p == 21:
			r.Attrs |= AttrUnderline
		case p == 5, p == 6:
			r.Attrs |= AttrBlink
		case p == 7:
			r.Attrs |= AttrReverse
		case p == 8:
			r.Attrs |= AttrInvisible
		case p == 9:
			r.Attrs |= AttrStrikethrough
		case p == 22:
			r.Attrs &^= AttrBold | AttrDim
		case p == 23:
			r.Attrs &^= AttrItalic
		case p == 24:
			r.Attrs &^= AttrUnderline
		case p == 25:
			r.Attrs &^= AttrBlink
		case p == 27:
			r.Attrs &^= AttrReverse
		case p == 28:
			r.Attrs &^= AttrInvisible
		case p == 29:
			r.Attrs &^= AttrStrikethrough
		case p >= 30 && p <= 37:
			r.Fg = Indexed(p - 30)
		case p == 38, p == 48:
			c, used := extendedColor(params[i+1:])
			i += used
			if used > 0 {
				if p == 38 {
					r.Fg = c
				} else {
					r.Bg = c
				}
			}
		case p == 39:
			r.Fg = DefaultColor
		case p >= 40 && p <= 47:
			r.Bg = Indexed(p - 40)
		case p == 49:
			r.Bg = DefaultColor
		case p >= 90 && p <= 97:
			r.Fg = Indexed(p - 90 + 8)
		case p >= 100 && p <= 107:
			r.Bg = Indexed(p - 100 + 8)
		}
	}
	return r
}

// extendedColor decodes the tail of a 38/48 parameter: "5;n" or "2;r;g;b".
// It returns how many parameters were consumed.
func extendedColor(rest []int) (Color, int) {
	if len(rest) == 0 {
		return DefaultColor, 0
	}
	switch rest[0] {
	case 5:
		if len(rest) < 2 {
			return DefaultColor, len(rest)
		}
		return Indexed(rest[1]), 2
	case 2:
		if len(rest) < 4 {
			return DefaultColor, len(rest)
		}
		return RGB(rest[1], rest[2], rest[3]), 4
	}
	return DefaultColor, 1
}
