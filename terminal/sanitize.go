package terminal

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var allowedTags = map[string]bool{
	"a": true, "abbr": true, "b": true, "blockquote": true, "br": true, "caption": true,
	"center": true, "code": true, "col": true, "colgroup": true, "dd": true, "del": true,
	"details": true, "div": true, "dl": true, "dt": true, "em": true, "figcaption": true,
	"figure": true, "font": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "hr": true, "i": true, "img": true, "ins": true, "kbd": true, "li": true,
	"mark": true, "ol": true, "p": true, "pre": true, "q": true, "s": true, "samp": true,
	"small": true, "span": true, "strike": true, "strong": true, "sub": true, "summary": true,
	"sup": true, "table": true, "tbody": true, "td": true, "tfoot": true, "th": true,
	"thead": true, "tr": true, "tt": true, "u": true, "ul": true, "var": true,
}

// Tags whose mere presence rejects the payload.
var forbiddenTags = map[string]bool{
	"script": true, "iframe": true, "frame": true, "frameset": true, "object": true,
	"embed": true, "applet": true, "meta": true, "link": true, "base": true,
	"foreignobject": true, "form": true,
}

// Tags dropped together with their content.
var droppedWithContent = map[string]bool{"style": true, "title": true, "noscript": true, "textarea": true}

var allowedAttrs = map[string]bool{
	"align": true, "alt": true, "border": true, "cellpadding": true, "cellspacing": true,
	"class": true, "color": true, "colspan": true, "face": true, "height": true, "href": true,
	"id": true, "name": true, "rowspan": true, "size": true, "src": true, "style": true,
	"target": true, "title": true, "valign": true, "width": true, "open": true,
}

var badSchemes = []string{"javascript:", "vbscript:", "livescript:"}

var urlAttrs = map[string]bool{
	"href": true, "src": true, "action": true, "formaction": true, "background": true,
	"data": true, "xlink:href": true, "lowsrc": true, "dynsrc": true, "poster": true,
}

// embedsData lists the tag/attribute pairs that may load a data: URL.
func embedsData(tag, key string) bool {
	switch tag {
	case "img":
		return key == "src"
	case "image":
		return key == "href" || key == "xlink:href"
	}
	return false
}

// checkAttr reports whether the attribute of tag is active content.
func checkAttr(tag string, a html.Attribute) error {
	key := strings.ToLower(a.Key)
	if strings.HasPrefix(key, "on") && key != "open" {
		return fmt.Errorf("%w: event handler %q", ErrXSS, key)
	}
	val := normalizeURL(a.Val)
	if urlAttrs[key] && strings.HasPrefix(val, "data:") && !embedsData(tag, key) {
		return fmt.Errorf("%w: data URL in %q", ErrXSS, key)
	}
	for _, s := range badSchemes {
		if (urlAttrs[key] && strings.HasPrefix(val, s)) || (key == "style" && strings.Contains(val, s)) {
			return fmt.Errorf("%w: %s URL in %q", ErrXSS, strings.TrimSuffix(s, ":"), key)
		}
	}
	if strings.Contains(val, "fscommand") {
		return fmt.Errorf("%w: fscommand in %q", ErrXSS, key)
	}
	if key == "style" && strings.Contains(val, "expression(") {
		return fmt.Errorf("%w: css expression", ErrXSS)
	}
	return nil
}

// normalizeURL lowercases and drops whitespace and control characters,
// which browsers ignore inside a scheme.
func normalizeURL(v string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, html.UnescapeString(v))
}

// SanitizeHTML keeps an allowlist of tags and attributes. Active content
// (scripts, event handlers, script URLs) rejects the whole payload with ErrXSS.
func SanitizeHTML(payload []byte) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(payload))
	var out bytes.Buffer
	skipDepth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return out.Bytes(), nil
			}
			return nil, z.Err()
		}
		tok := z.Token()
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name := strings.ToLower(tok.Data)
			if forbiddenTags[name] {
				return nil, fmt.Errorf("%w: <%s> element", ErrXSS, name)
			}
			if droppedWithContent[name] {
				if tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if skipDepth > 0 || !allowedTags[name] {
				continue
			}
			attrs := tok.Attr[:0]
			for _, a := range tok.Attr {
				if err := checkAttr(name, a); err != nil {
					return nil, err
				}
				if allowedAttrs[strings.ToLower(a.Key)] {
					attrs = append(attrs, a)
				}
			}
			tok.Attr = attrs
			out.WriteString(tok.String())
		case html.EndTagToken:
			name := strings.ToLower(tok.Data)
			if droppedWithContent[name] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth == 0 && allowedTags[name] {
				out.WriteString(tok.String())
			}
		case html.TextToken:
			if skipDepth == 0 {
				out.WriteString(tok.String())
			}
		}
	}
}

// SanitizeSVG rejects SVG documents carrying scripts or handlers. Clean
// documents are returned unchanged since they are only ever shown as images.
func SanitizeSVG(payload []byte) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(payload))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return payload, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if forbiddenTags[strings.ToLower(tok.Data)] {
				return nil, fmt.Errorf("%w: <%s> element", ErrXSS, tok.Data)
			}
			for _, a := range tok.Attr {
				if err := checkAttr(strings.ToLower(tok.Data), a); err != nil {
					return nil, err
				}
			}
		}
	}
}
