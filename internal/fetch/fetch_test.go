package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/vnarchive/internal/storage"
	"github.com/kalambet/vnarchive/internal/vietstock"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discover(t *testing.T, s *storage.Store, urls ...string) {
	t.Helper()
	for _, u := range urls {
		if _, _, err := s.UpsertDiscovered(storage.Discovered{URL: u, Source: "backfill"}); err != nil {
			t.Fatal(err)
		}
	}
}

// articleHTML builds a page whose pBody clears the extraction threshold.
func articleHTML(title string, words int) []byte {
	var b strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&b, "từ%d ", i)
	}
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head>
		<body><p class="pTitle">%s</p><p class="pBody">%s</p></body></html>`,
		title, title, b.String()))
}

type fakeGetter struct {
	mu    sync.Mutex
	pages map[string][]byte
	errs  map[string]error
	calls []string
}

func (g *fakeGetter) Get(_ context.Context, url string) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, url)
	g.mu.Unlock()
	if err := g.errs[url]; err != nil {
		return nil, err
	}
	return g.pages[url], nil
}

func newTestStage(s *storage.Store, getter Getter, opts Options) *Stage {
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 10000
	}
	return New(s, getter, opts)
}

func TestRunFetchesBatch(t *testing.T) {
	s := openTestStore(t)
	urls := []string{
		"https://vietstock.vn/2026/02/a.htm",
		"https://vietstock.vn/2026/02/b.htm",
		"https://vietstock.vn/2026/02/c.htm",
	}
	discover(t, s, urls...)

	getter := &fakeGetter{pages: map[string][]byte{}}
	for _, u := range urls {
		getter.pages[u] = articleHTML("bài "+u, 120)
	}
	stage := newTestStage(s, getter, Options{Workers: 2})

	sum, err := stage.Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Claimed != 3 || sum.Fetched != 3 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	for _, u := range urls {
		a, err := s.GetArticle(u)
		if err != nil {
			t.Fatal(err)
		}
		if a.FetchStatus != storage.StatusFetched {
			t.Errorf("%s status = %q", u, a.FetchStatus)
		}
		if a.ContentSHA256 == "" || a.WordCount < 100 {
			t.Errorf("%s content not recorded: sha=%q words=%d", u, a.ContentSHA256, a.WordCount)
		}
		if a.FetchMethod != MethodHTTP {
			t.Errorf("%s method = %q", u, a.FetchMethod)
		}
	}

	status, err := s.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Fetch.HTTPUsed != 3 {
		t.Errorf("http_used counter = %d, want 3", status.Fetch.HTTPUsed)
	}
}

func TestRunIsolatesItemFailure(t *testing.T) {
	s := openTestStore(t)
	good := "https://vietstock.vn/2026/02/good.htm"
	bad := "https://vietstock.vn/2026/02/bad.htm"
	discover(t, s, good, bad)

	getter := &fakeGetter{
		pages: map[string][]byte{good: articleHTML("ok", 120)},
		errs:  map[string]error{bad: errors.New("connection reset " + strings.Repeat("x", 1000))},
	}
	stage := newTestStage(s, getter, Options{Workers: 2})

	sum, err := stage.Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 fetched 1 failed", sum)
	}

	a, err := s.GetArticle(bad)
	if err != nil {
		t.Fatal(err)
	}
	if a.FetchStatus != storage.StatusFailed {
		t.Errorf("status = %q", a.FetchStatus)
	}
	if a.FetchError == "" || len(a.FetchError) > 800 {
		t.Errorf("fetch_error length = %d, want bounded non-empty", len(a.FetchError))
	}
}

func TestRunRendersWhenHTTPFails(t *testing.T) {
	s := openTestStore(t)
	u := "https://vietstock.vn/2026/02/blocked.htm"
	discover(t, s, u)

	httpGet := &fakeGetter{errs: map[string]error{u: errors.New("403 forbidden")}}
	render := &fakeGetter{pages: map[string][]byte{u: articleHTML("rendered", 120)}}
	stage := newTestStage(s, httpGet, Options{Render: render})

	sum, err := stage.Run(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 1 || sum.Rendered != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	a, _ := s.GetArticle(u)
	if a.FetchMethod != MethodRender {
		t.Errorf("method = %q, want render", a.FetchMethod)
	}
}

func TestRunRendersShortExtraction(t *testing.T) {
	s := openTestStore(t)
	u := "https://vietstock.vn/2026/02/script-heavy.htm"
	discover(t, s, u)

	httpGet := &fakeGetter{pages: map[string][]byte{u: articleHTML("shell", 5)}}
	render := &fakeGetter{pages: map[string][]byte{u: articleHTML("full", 150)}}
	stage := newTestStage(s, httpGet, Options{Render: render})

	sum, err := stage.Run(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rendered != 1 {
		t.Fatalf("summary = %+v, want rendered retry", sum)
	}
	a, _ := s.GetArticle(u)
	if a.FetchMethod != MethodRender || a.WordCount < 100 {
		t.Errorf("method = %q words = %d", a.FetchMethod, a.WordCount)
	}

	status, _ := s.Status()
	if status.Fetch.RenderUsed != 1 || status.Fetch.HTTPUsed != 0 {
		t.Errorf("counters = %+v", status.Fetch)
	}
}

func TestRunKeepsShortPageWithoutRenderer(t *testing.T) {
	s := openTestStore(t)
	u := "https://vietstock.vn/2026/02/short.htm"
	discover(t, s, u)

	getter := &fakeGetter{pages: map[string][]byte{u: articleHTML("brief", 5)}}
	stage := newTestStage(s, getter, Options{})

	sum, err := stage.Run(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	a, _ := s.GetArticle(u)
	if a.FetchStatus != storage.StatusFetched || a.FetchMethod != MethodHTTP {
		t.Errorf("short page should still complete over http: %+v", a)
	}
}

func TestRunReclaimsStaleClaims(t *testing.T) {
	s := openTestStore(t)
	u := "https://vietstock.vn/2026/02/orphaned.htm"
	discover(t, s, u)

	// A crashed worker: claimed but never finished.
	claimed, err := s.ClaimPendingArticles(1, storage.OrderByDiscovered)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("setup claim: %v %d", err, len(claimed))
	}
	time.Sleep(1100 * time.Millisecond) // RFC3339 claim stamps have second precision

	getter := &fakeGetter{pages: map[string][]byte{u: articleHTML("recovered", 120)}}
	stage := newTestStage(s, getter, Options{Lease: time.Millisecond})

	sum, err := stage.Run(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reclaimed != 1 || sum.Fetched != 1 {
		t.Fatalf("summary = %+v, want 1 reclaimed and fetched", sum)
	}
}

func TestRunRateLimitSpacesRequests(t *testing.T) {
	s := openTestStore(t)
	urls := []string{
		"https://vietstock.vn/2026/02/r1.htm",
		"https://vietstock.vn/2026/02/r2.htm",
		"https://vietstock.vn/2026/02/r3.htm",
	}
	discover(t, s, urls...)

	getter := &fakeGetter{pages: map[string][]byte{}}
	for _, u := range urls {
		getter.pages[u] = articleHTML("x", 120)
	}
	// 20 req/s with burst 1: three requests need at least ~100ms even with
	// more workers than items.
	stage := New(s, getter, Options{Workers: 8, RequestsPerSec: 20})

	start := time.Now()
	if _, err := stage.Run(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 requests at 20/s finished in %v, limiter not shared", elapsed)
	}
}

func TestHTTPGetterSetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := NewHTTPGetter(0)
	body, err := g.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if gotUA != vietstock.UserAgent {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestHTTPGetterNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	if _, err := NewHTTPGetter(0).Get(context.Background(), srv.URL); err == nil {
		t.Error("expected error for 410 response")
	}
}
