package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var (
	blankLinesRE = regexp.MustCompile(`\n{3,}`)
	tagRE        = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)\b[^<>]*>`)
	entityRE     = regexp.MustCompile(`&(#[0-9]+|#[xX][0-9a-fA-F]+|[a-zA-Z][a-zA-Z0-9]*);`)
)

var voidTags = map[string]bool{"br": true, "hr": true, "img": true, "wbr": true}

// SanitizeContent reduces user-supplied message text to plain text: markup
// is dropped, entities are decoded, line breaks survive. The result is
// rejected when empty or longer than maxLen runes.
//
// Only balanced or void tags count as markup. A "<" that does not open one
// is kept as text, so "x<y" and "a<b, c>d" pass through unchanged.
func SanitizeContent(raw string, maxLen int) (string, error) {
	text := raw
	if markup, ok := escapeStrayLT(raw); ok {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		body := doc.Find("body")
		body.Find("script, style, noscript, iframe, object").Remove()
		body.Find("br").ReplaceWithHtml("\n")
		body.Find("p, div, li, blockquote, pre, h1, h2, h3, h4, h5, h6").AppendHtml("\n")
		text = body.Text()
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = blankLinesRE.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", ErrEmptyMessage
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// escapeStrayLT reports whether raw carries real markup and, if so, returns
// it with every "<" that does not start a recognised tag escaped as "&lt;".
func escapeStrayLT(raw string) (string, bool) {
	matches := tagRE.FindAllStringSubmatchIndex(raw, -1)
	opened := make(map[string]bool)
	closed := make(map[string]bool)
	for _, m := range matches {
		name := strings.ToLower(raw[m[2]:m[3]])
		if raw[m[0]+1] == '/' {
			closed[name] = true
		} else {
			opened[name] = true
		}
	}

	tagAt := make(map[int]bool)
	for _, m := range matches {
		name := strings.ToLower(raw[m[2]:m[3]])
		if (opened[name] && closed[name]) || (voidTags[name] && raw[m[0]+1] != '/') {
			tagAt[m[0]] = true
		}
	}
	if len(tagAt) == 0 && !entityRE.MatchString(raw) {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(raw) + 8)
	for i := 0; i < len(raw); i++ {
		if raw[i] == '<' && !tagAt[i] {
			b.WriteString("&lt;")
			continue
		}
		b.WriteByte(raw[i])
	}
	return b.String(), true
}
