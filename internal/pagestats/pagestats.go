// Package pagestats counts the structural elements of a fetched page.
package pagestats

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// Parse builds a goquery document from raw HTML.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Count returns anchor, image and non-blank text node counts for doc. Text
// inside script and style elements is not counted.
func Count(doc *goquery.Document) crawler.PageStats {
	if doc == nil {
		return crawler.PageStats{}
	}
	stats := crawler.PageStats{
		Anchors: doc.Find("a[href]").Length(),
		Images:  doc.Find("img").Length(),
	}
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			stats.Texts += countText(n)
		}
	})
	return stats
}

func countText(n *html.Node) int {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
		return 0
	}
	if n.Type == html.TextNode {
		if strings.TrimSpace(n.Data) != "" {
			return 1
		}
		return 0
	}
	total := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		total += countText(c)
	}
	return total
}
