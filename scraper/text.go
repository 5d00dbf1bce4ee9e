package scraper

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// NormalizeText collapses runs of whitespace into single spaces and trims
// the ends.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NodeText returns the normalized text a node contributes as a field value.
// Extraction and selector discovery both compare values through this, so a
// value recorded by one is always comparable by the other.
func NodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	return NormalizeText(htmlquery.InnerText(n))
}
