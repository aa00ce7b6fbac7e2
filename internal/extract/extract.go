// Package extract turns fetched article HTML into title, publication time,
// and body text. The site's own paragraph classes are tried first; generic
// readability extraction is the fallback for layouts we don't recognize.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// MinWords is the body size below which site-specific extraction is
// considered to have missed the article and the fallback chain kicks in.
const MinWords = 80

// siteDefaultDate is what the CMS stamps on pages with no real
// publication time. It carries no signal and is never persisted.
const siteDefaultDate = "2002-01-01"

// Site publishes local times; articles carry no explicit zone outside the
// meta tags.
var siteZone = time.FixedZone("ICT", 7*3600)

var dateNewRe = regexp.MustCompile(`(\d{2})-(\d{2})-(\d{4})\s+(\d{2}):(\d{2})`)

// Document is the extracted article content.
type Document struct {
	Title       string
	PublishedAt string // RFC3339, "" when the page carries no usable date
	Text        string
	WordCount   int
}

// Extract parses article HTML. pageURL is needed by the readability
// fallback to resolve relative links.
func Extract(pageURL string, html []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("parsing article html: %w", err)
	}

	d := Document{
		Title:       title(doc),
		PublishedAt: published(doc),
	}

	d.Text = siteParagraphs(doc)
	d.WordCount = len(strings.Fields(d.Text))
	if d.WordCount >= MinWords {
		return d, nil
	}

	if text, t := readable(pageURL, html); len(strings.Fields(text)) > d.WordCount {
		d.Text = text
		d.WordCount = len(strings.Fields(text))
		if d.Title == "" {
			d.Title = t
		}
	}
	if d.WordCount == 0 {
		d.Text = strings.TrimSpace(doc.Find("body").Text())
		d.WordCount = len(strings.Fields(d.Text))
	}
	return d, nil
}

// siteParagraphs collects the CMS paragraph classes in document order,
// dropping consecutive duplicates (the mobile layout repeats blocks).
func siteParagraphs(doc *goquery.Document) string {
	var parts []string
	prev := ""
	doc.Find("p.pTitle, p.pHead, p.pBody").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" || text == prev {
			return
		}
		parts = append(parts, text)
		prev = text
	})
	return strings.Join(parts, "\n\n")
}

func readable(pageURL string, html []byte) (text, title string) {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = nil
	}
	article, err := readability.FromReader(bytes.NewReader(html), u)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(article.TextContent), strings.TrimSpace(article.Title)
}

func title(doc *goquery.Document) string {
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// published tries the page's date signals in order of reliability:
// article:published_time meta, the visible span.datenew stamp, then the
// dc.created meta unless it is the CMS default.
func published(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[property="article:published_time"]`).Attr("content"); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}

	if m := dateNewRe.FindStringSubmatch(doc.Find("span.datenew").First().Text()); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, siteZone)
		return t.UTC().Format(time.RFC3339)
	}

	if v, ok := doc.Find(`meta[name="dc.created"]`).Attr("content"); ok {
		v = strings.TrimSpace(v)
		if v == "" || strings.HasPrefix(v, siteDefaultDate) {
			return ""
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, v, siteZone); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
		}
	}
	return ""
}
