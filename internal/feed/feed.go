// Package feed parses RSS documents into the few fields discovery needs.
// Upstream feeds are occasionally mis-encoded or carry junk ahead of the XML
// declaration, so parsing is deliberately tolerant.
package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// Item is one feed entry. PublishedAt is zero when the feed omits or
// mangles the date.
type Item struct {
	URL         string
	Title       string
	PublishedAt time.Time
}

type rssDoc struct {
	Items []rssItem `xml:"channel>item"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

// pubDate layouts seen in the wild, most common first.
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
}

// Parse decodes an RSS document. On an XML syntax error it retries once
// after stripping a UTF-8 BOM or any junk bytes ahead of the first '<'
// (the documented fallback for malformed-but-recoverable responses).
func Parse(data []byte) ([]Item, error) {
	items, err := decode(data)
	if err == nil {
		return items, nil
	}

	cleaned := stripLeadingJunk(data)
	if len(cleaned) == len(data) {
		return nil, fmt.Errorf("parsing rss: %w", err)
	}
	items, err2 := decode(cleaned)
	if err2 != nil {
		return nil, fmt.Errorf("parsing rss: %w", err)
	}
	return items, nil
}

func decode(data []byte) ([]Item, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false

	var doc rssDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(doc.Items))
	for _, it := range doc.Items {
		u := strings.TrimSpace(it.Link)
		if u == "" {
			continue
		}
		items = append(items, Item{
			URL:         u,
			Title:       strings.TrimSpace(it.Title),
			PublishedAt: parsePubDate(it.PubDate),
		})
	}
	return items, nil
}

func parsePubDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// stripLeadingJunk drops a UTF-8 BOM and anything else before the first '<'.
func stripLeadingJunk(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if i := bytes.IndexByte(data, '<'); i > 0 {
		data = data[i:]
	}
	return data
}
