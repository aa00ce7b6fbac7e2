package vietstock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/vnarchive/internal/storage"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://vietstock.vn/2026/01/x.htm", "https://vietstock.vn/2026/01/x.htm"},
		{"https://vietstock.vn/2026/01/x.htm", "https://vietstock.vn/2026/01/x.htm"},
		{"  https://fili.vn/2026/01/x.htm ", "https://fili.vn/2026/01/x.htm"},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractArticleURLs(t *testing.T) {
	html := `
	<div><a href="https://vietstock.vn/2026/02/abc-123.htm">x</a></div>
	<div><a href="http://vietstock.vn/2026/02/def-456.htm">y</a></div>
	<div><a href="/2026/02/rel-789.htm">z</a></div>
	<div><a href="https://vietstock.vn/2026/02/abc-123.htm">dupe</a></div>
	<div><a href="https://example.com/2026/02/other.htm">not ours</a></div>
	<div><a href="https://vietstock.vn/kinh-te.htm">category, no date</a></div>`

	got := ExtractArticleURLs([]byte(html))
	want := []string{
		"https://vietstock.vn/2026/02/abc-123.htm",
		"https://vietstock.vn/2026/02/def-456.htm",
		"https://vietstock.vn/2026/02/rel-789.htm",
	}
	if len(got) != len(want) {
		t.Fatalf("extracted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("extracted[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDeriveSeed(t *testing.T) {
	tests := []struct {
		feed    string
		seed    string
		channel int
		ok      bool
	}{
		{"https://vietstock.vn/761/kinh-te/vi-mo.rss", "https://vietstock.vn/kinh-te/vi-mo.htm", 761, true},
		{"https://vietstock.vn/144/chung-khoan.rss", "https://vietstock.vn/chung-khoan.htm", 144, true},
		{"https://vietstock.vn/about.html", "", 0, false},
	}
	for _, tt := range tests {
		seed, channel, ok := DeriveSeed(tt.feed)
		if ok != tt.ok || seed != tt.seed || channel != tt.channel {
			t.Errorf("DeriveSeed(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.feed, seed, channel, ok, tt.seed, tt.channel, tt.ok)
		}
	}
}

func TestListPageUsesChannelEndpoint(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`<a href="/2026/02/from-channel.htm">x</a>`))
	}))
	defer srv.Close()

	c := NewClient(0)
	c.BaseURL = srv.URL

	urls, err := c.ListPage(context.Background(), storage.SeedState{
		Seed: storage.Seed{SeedURL: "https://vietstock.vn/chung-khoan.htm", ChannelID: 144},
	}, 7)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/StartPage/ChannelContentPage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "channelID=144&page=7" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(urls) != 1 || urls[0] != "https://vietstock.vn/2026/02/from-channel.htm" {
		t.Errorf("urls = %v", urls)
	}
}

func TestListPageFallsBackToSeedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "3" {
			t.Errorf("page = %q, want 3", r.URL.Query().Get("page"))
		}
		w.Write([]byte(`<a href="/2026/02/from-seed.htm">x</a>`))
	}))
	defer srv.Close()

	c := NewClient(0)
	urls, err := c.ListPage(context.Background(), storage.SeedState{
		Seed: storage.Seed{SeedURL: srv.URL + "/kinh-te.htm"},
	}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 {
		t.Errorf("urls = %v", urls)
	}
}

func TestFetchFeedFiltersForeignLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><rss><channel>
			<item><link>http://vietstock.vn/2026/02/a.htm</link><pubDate>Mon, 16 Feb 2026 08:30:00 +0700</pubDate></item>
			<item><link>https://elsewhere.com/b.htm</link></item>
		</channel></rss>`))
	}))
	defer srv.Close()

	c := NewClient(0)
	items, err := c.FetchFeed(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].URL != "https://vietstock.vn/2026/02/a.htm" {
		t.Errorf("url = %q (normalization)", items[0].URL)
	}
}

func TestListPageNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(0)
	_, err := c.ListPage(context.Background(), storage.SeedState{
		Seed: storage.Seed{SeedURL: srv.URL + "/kinh-te.htm"},
	}, 1)
	if err == nil {
		t.Error("expected error for 403 response")
	}
}
