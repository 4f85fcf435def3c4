package mail

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const snippetLength = 150

// HTMLToText extracts the visible text of an HTML fragment
func HTMLToText(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Snippet builds a short preview from a text body, falling back to the HTML body
func Snippet(text, html string) string {
	s := strings.Join(strings.Fields(text), " ")
	if s == "" {
		s = HTMLToText(html)
	}
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetLength]) + "..."
}
