package storage

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestUpsertDiscoveredIdempotent(t *testing.T) {
	s := openTestStore(t)

	d := Discovered{URL: "https://vietstock.vn/2026/01/test-1.htm", Source: "rss"}
	inserted, _, err := s.UpsertDiscovered(d)
	if err != nil {
		t.Fatalf("UpsertDiscovered: %v", err)
	}
	if !inserted {
		t.Error("first discovery should insert")
	}

	inserted, _, err = s.UpsertDiscovered(d)
	if err != nil {
		t.Fatalf("second UpsertDiscovered: %v", err)
	}
	if inserted {
		t.Error("second discovery should not insert")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM articles").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("article rows = %d, want 1", count)
	}
}

func TestUpsertDiscoveredFillsOnlyMissingMetadata(t *testing.T) {
	s := openTestStore(t)

	url := "https://vietstock.vn/2026/01/test-2.htm"
	if _, _, err := s.UpsertDiscovered(Discovered{URL: url, Source: "backfill"}); err != nil {
		t.Fatal(err)
	}

	_, filled, err := s.UpsertDiscovered(Discovered{
		URL: url, Source: "rss", Title: "A Title", PublishedAt: "2026-01-05T08:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !filled {
		t.Error("expected metadata fill on second sighting")
	}

	a, err := s.GetArticle(url)
	if err != nil {
		t.Fatal(err)
	}
	if a.Title != "A Title" || a.PublishedAt != "2026-01-05T08:00:00Z" {
		t.Errorf("metadata not filled: %+v", a)
	}
	if a.Source != "backfill" {
		t.Errorf("source overwritten: got %q, want backfill", a.Source)
	}

	// A third sighting with a different title must not overwrite.
	if _, _, err := s.UpsertDiscovered(Discovered{URL: url, Title: "Other"}); err != nil {
		t.Fatal(err)
	}
	a, _ = s.GetArticle(url)
	if a.Title != "A Title" {
		t.Errorf("title overwritten: %q", a.Title)
	}
}

// TestRediscoveryNeverResurrects is the core dedup invariant: a second
// sighting of a fetched or failed article must not move it back to pending.
func TestRediscoveryNeverResurrects(t *testing.T) {
	s := openTestStore(t)

	for _, terminal := range []string{StatusFetched, StatusFailed} {
		url := "https://vietstock.vn/2026/02/" + terminal + ".htm"
		if _, _, err := s.UpsertDiscovered(Discovered{URL: url, Source: "rss"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimPendingArticles(1, OrderByDiscovered); err != nil {
			t.Fatal(err)
		}
		if terminal == StatusFetched {
			err := s.MarkArticleFetched(FetchResult{URL: url, FetchMethod: "http", ContentSHA256: "abc", WordCount: 100})
			if err != nil {
				t.Fatal(err)
			}
		} else {
			if err := s.MarkArticleFailed(url, "boom"); err != nil {
				t.Fatal(err)
			}
		}

		if _, _, err := s.UpsertDiscovered(Discovered{URL: url, Source: "backfill"}); err != nil {
			t.Fatal(err)
		}
		a, err := s.GetArticle(url)
		if err != nil {
			t.Fatal(err)
		}
		if a.FetchStatus != terminal {
			t.Errorf("status %q resurrected to %q by re-discovery", terminal, a.FetchStatus)
		}
	}
}

// TestClaimExclusivity claims concurrently from a pool of 5 pending articles
// with two batches of 3 and verifies the sets are disjoint and cover all 5.
func TestClaimExclusivity(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("https://vietstock.vn/2026/03/a-%d.htm", i)
		if _, _, err := s.UpsertDiscovered(Discovered{URL: url, Source: "rss"}); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	results := make([][]Article, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ClaimPendingArticles(3, OrderByDiscovered)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	for _, batch := range results {
		for _, a := range batch {
			if seen[a.URL] {
				t.Errorf("article %s claimed twice", a.URL)
			}
			seen[a.URL] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("claimed union = %d articles, want 5", len(seen))
	}
}

func TestClaimOrderByDiscovered(t *testing.T) {
	s := openTestStore(t)

	urls := []string{
		"https://vietstock.vn/2026/01/first.htm",
		"https://vietstock.vn/2026/01/second.htm",
	}
	for _, u := range urls {
		if _, _, err := s.UpsertDiscovered(Discovered{URL: u, Source: "rss"}); err != nil {
			t.Fatal(err)
		}
	}
	// discovered_at has second resolution; separate the rows explicitly.
	older := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := s.db.Exec("UPDATE articles SET discovered_at = ? WHERE url = ?", older, urls[0]); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimPendingArticles(1, OrderByDiscovered)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URL != urls[0] {
		t.Errorf("claimed %v, want oldest-discovered %s", got, urls[0])
	}
}

func TestClaimOrderByURLDate(t *testing.T) {
	s := openTestStore(t)

	// Insert newest-path URL first so discovery order disagrees with URL date.
	newer := "https://vietstock.vn/2026/06/new.htm"
	older := "https://vietstock.vn/2011/02/old.htm"
	noDate := "https://vietstock.vn/static/about.htm"
	for _, u := range []string{newer, older, noDate} {
		if _, _, err := s.UpsertDiscovered(Discovered{URL: u, Source: "backfill"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ClaimPendingArticles(2, OrderByURLDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("claimed %d, want 2", len(got))
	}
	if got[0].URL != older {
		t.Errorf("first claim = %s, want oldest URL date %s", got[0].URL, older)
	}
	if got[1].URL != newer {
		t.Errorf("second claim = %s, want %s (dateless URLs sort last)", got[1].URL, newer)
	}
}

func TestMarkArticleFailedTruncates(t *testing.T) {
	s := openTestStore(t)

	url := "https://vietstock.vn/2026/04/fail.htm"
	if _, _, err := s.UpsertDiscovered(Discovered{URL: url}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkArticleFailed(url, strings.Repeat("e", 5000)); err != nil {
		t.Fatal(err)
	}
	a, err := s.GetArticle(url)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.FetchError) != maxErrLen {
		t.Errorf("stored error length = %d, want %d", len(a.FetchError), maxErrLen)
	}
	if a.FetchStatus != StatusFailed {
		t.Errorf("status = %q, want failed", a.FetchStatus)
	}
}

func TestReclaimStaleArticles(t *testing.T) {
	s := openTestStore(t)

	url := "https://vietstock.vn/2026/05/stuck.htm"
	if _, _, err := s.UpsertDiscovered(Discovered{URL: url}); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimPendingArticles(1, OrderByDiscovered)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// Fresh claim is not reclaimed.
	n, err := s.ReclaimStaleArticles(time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("ReclaimStaleArticles(fresh) = %d, %v; want 0", n, err)
	}

	// Age the claim past the lease.
	old := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	if _, err := s.db.Exec("UPDATE articles SET claimed_at = ? WHERE url = ?", old, url); err != nil {
		t.Fatal(err)
	}
	n, err = s.ReclaimStaleArticles(time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStaleArticles(stale) = %d, %v; want 1", n, err)
	}

	a, _ := s.GetArticle(url)
	if a.FetchStatus != StatusPending {
		t.Errorf("status after reclaim = %q, want pending", a.FetchStatus)
	}
}
