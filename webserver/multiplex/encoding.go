package multiplex

import (
	"errors"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// DefaultEncoding is used for new terminals.
const DefaultEncoding = "utf-8"

// codec converts between a terminal encoding and UTF-8. The zero value passes
// bytes through unchanged.
type codec struct {
	name    string
	dec     transform.Transformer
	enc     *encoding.Encoder
	pending []byte
}

func newCodec(name string) (*codec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultEncoding
	}
	e, err := htmlindex.Get(name)
	if err != nil {
		return nil, err
	}
	canonical, err := htmlindex.Name(e)
	if err != nil {
		return nil, err
	}
	c := &codec{name: canonical}
	if canonical != DefaultEncoding {
		c.dec = e.NewDecoder()
		c.enc = encoding.ReplaceUnsupported(e.NewEncoder())
	}
	return c, nil
}

// decode converts PTY output to UTF-8. Incomplete trailing input is kept for
// the next call.
func (c *codec) decode(p []byte) []byte {
	if c.dec == nil {
		return p
	}
	src := p
	if len(c.pending) > 0 {
		src = append(c.pending, p...)
		c.pending = nil
	}
	dst := make([]byte, len(src)*3+8)
	var out []byte
	for len(src) > 0 {
		nDst, nSrc, err := c.dec.Transform(dst, src, false)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch {
		case err == nil:
		case errors.Is(err, transform.ErrShortDst):
			if nSrc == 0 && nDst == 0 {
				dst = make([]byte, len(dst)*2)
			}
			continue
		case errors.Is(err, transform.ErrShortSrc):
			c.pending = append([]byte(nil), src...)
			return out
		default:
			// undecodable byte: replace it and move on
			out = append(out, "�"...)
			src = src[1:]
			c.dec.Reset()
		}
	}
	return out
}

// encode converts client input (UTF-8) to the terminal encoding.
func (c *codec) encode(p []byte) []byte {
	if c.enc == nil {
		return p
	}
	out, err := c.enc.Bytes(p)
	if err != nil {
		return p
	}
	return out
}
