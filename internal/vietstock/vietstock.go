// Package vietstock knows the site-specific shapes of vietstock.vn:
// article URL patterns, the channel listing endpoint, and how category
// seeds relate to RSS feeds. Everything else treats its output as opaque
// candidate URLs.
package vietstock

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/vnarchive/internal/feed"
	"github.com/kalambet/vnarchive/internal/storage"
)

// UserAgent is sent on every request to the site.
const UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0 Safari/537.36"

const defaultBaseURL = "https://vietstock.vn"

// Article URLs follow /YYYY/MM/slug.htm on both vietstock.vn and fili.vn.
var (
	articleURLRe = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:vietstock\.vn|fili\.vn)/\d{4}/\d{2}/[^\s"']+?\.htm`)
	relURLRe     = regexp.MustCompile(`(?i)["'](/\d{4}/\d{2}/[^\s"']+?\.htm)`)
	feedPathRe   = regexp.MustCompile(`^/(\d+)(/.*)?$`)
)

// NormalizeURL canonicalizes article URLs (the site serves both schemes).
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://vietstock.vn/") {
		u = "https://vietstock.vn/" + u[len("http://vietstock.vn/"):]
	}
	return u
}

// ExtractArticleURLs pulls every article link out of a listing fragment,
// resolving relative links against vietstock.vn. The result is sorted and
// deduplicated.
func ExtractArticleURLs(html []byte) []string {
	s := string(html)
	set := make(map[string]struct{})
	for _, m := range articleURLRe.FindAllString(s, -1) {
		set[NormalizeURL(m)] = struct{}{}
	}
	for _, m := range relURLRe.FindAllStringSubmatch(s, -1) {
		set[NormalizeURL(defaultBaseURL+m[1])] = struct{}{}
	}

	urls := make([]string, 0, len(set))
	for u := range set {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// DeriveSeed maps an RSS feed URL to its category listing seed and channel
// id: https://vietstock.vn/761/kinh-te/vi-mo.rss -> (…/kinh-te/vi-mo.htm, 761).
// Returns ok=false for URLs that don't follow the pattern.
func DeriveSeed(feedURL string) (seedURL string, channelID int, ok bool) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", 0, false
	}
	path := strings.ReplaceAll(u.Path, "//", "/")

	if m := feedPathRe.FindStringSubmatch(path); m != nil {
		channelID, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			path = m[2]
		}
	}
	if !strings.HasSuffix(path, ".rss") {
		return "", 0, false
	}
	path = strings.TrimSuffix(path, ".rss") + ".htm"
	return defaultBaseURL + path, channelID, true
}

// Client fetches listing pages and feeds from the site.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

// NewClient returns a Client with sane timeouts against the public site.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTP:    &http.Client{Timeout: timeout},
		BaseURL: defaultBaseURL,
	}
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ListPage fetches one listing page for a seed and returns the candidate
// article URLs it contains. Seeds with a channel id use the
// ChannelContentPage endpoint the site's own frontend calls; others fall
// back to paginating the seed URL directly.
func (c *Client) ListPage(ctx context.Context, seed storage.SeedState, page int) ([]string, error) {
	var pageURL string
	if seed.ChannelID != 0 {
		q := url.Values{}
		q.Set("channelID", strconv.Itoa(seed.ChannelID))
		q.Set("page", strconv.Itoa(page))
		pageURL = c.BaseURL + "/StartPage/ChannelContentPage?" + q.Encode()
	} else {
		var err error
		pageURL, err = pageQueryURL(seed.SeedURL, page)
		if err != nil {
			return nil, err
		}
	}

	body, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ExtractArticleURLs(body), nil
}

// FetchFeed retrieves and parses one RSS feed, keeping only site article
// links with normalized URLs.
func (c *Client) FetchFeed(ctx context.Context, feedURL string) ([]feed.Item, error) {
	body, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	items, err := feed.Parse(body)
	if err != nil {
		return nil, err
	}

	out := items[:0]
	for _, it := range items {
		if !strings.Contains(it.URL, "vietstock.vn") && !strings.Contains(it.URL, "fili.vn") {
			continue
		}
		it.URL = NormalizeURL(it.URL)
		out = append(out, it)
	}
	return out, nil
}

func pageQueryURL(seedURL string, page int) (string, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return "", fmt.Errorf("parsing seed url %s: %w", seedURL, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
