package terminal

// Charset is a designation for one of G0..G3.
type Charset byte

const (
	CharsetASCII   Charset = 'B'
	CharsetUK      Charset = 'A'
	CharsetSpecial Charset = '0' // DEC special graphics (line drawing)
)

var decSpecial = map[rune]rune{
	'`': '◆', 'a': '▒', 'b': '␉', 'c': '␌', 'd': '␍', 'e': '␊',
	'f': '°', 'g': '±', 'h': '␤', 'i': '␋', 'j': '┘', 'k': '┐',
	'l': '┌', 'm': '└', 'n': '┼', 'o': '⎺', 'p': '⎻', 'q': '─',
	'r': '⎼', 's': '⎽', 't': '├', 'u': '┤', 'v': '┴', 'w': '┬',
	'x': '│', 'y': '≤', 'z': '≥', '{': 'π', '|': '≠', '}': '£',
	'~': '·',
}

// translate maps r through the charset.
func (c Charset) translate(r rune) rune {
	switch c {
	case CharsetSpecial:
		if m, ok := decSpecial[r]; ok {
			return m
		}
	case CharsetUK:
		if r == '#' {
			return '£'
		}
	}
	return r
}

func validCharset(b byte) bool {
	switch Charset(b) {
	case CharsetASCII, CharsetUK, CharsetSpecial:
		return true
	}
	return false
}
