// Package fetch is the pipeline stage that turns claimed pending articles
// into stored content: claim a batch, download each page under a shared
// rate ceiling, extract text, and write a terminal state per article.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/vnarchive/internal/extract"
	"github.com/kalambet/vnarchive/internal/storage"
)

// Fetch methods recorded on article rows and bumped as counters.
const (
	MethodHTTP   = "http"
	MethodRender = "render"
)

// Options tunes a Stage. Zero values pick the defaults below.
type Options struct {
	// Workers bounds concurrent downloads. Default 4.
	Workers int
	// RequestsPerSec is the global outbound ceiling shared by all workers.
	// Default 2.
	RequestsPerSec float64
	// Lease requeues articles claimed longer than this ago before claiming
	// (a crashed worker's leftovers). Zero disables reclaim.
	Lease time.Duration
	// MinWords is the extraction size under which a plain HTTP fetch is
	// retried rendered. Default extract.MinWords.
	MinWords int
	// Order selects the claim ordering policy.
	Order storage.OrderPolicy
	// Render is the browser-rendering fallback. Nil disables rendering.
	Render Getter
	Logger *slog.Logger
}

// Stage fetches claimed articles.
type Stage struct {
	store   *storage.Store
	httpGet Getter
	render  Getter
	limiter *rate.Limiter
	log     *slog.Logger

	workers  int
	lease    time.Duration
	minWords int
	order    storage.OrderPolicy
}

func New(store *storage.Store, httpGet Getter, opts Options) *Stage {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 2
	}
	if opts.MinWords <= 0 {
		opts.MinWords = extract.MinWords
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stage{
		store:    store,
		httpGet:  httpGet,
		render:   opts.Render,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		log:      opts.Logger,
		workers:  opts.Workers,
		lease:    opts.Lease,
		minWords: opts.MinWords,
		order:    opts.Order,
	}
}

// Summary reports one fetch batch.
type Summary struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Fetched   int `json:"fetched"`
	Failed    int `json:"failed"`
	Rendered  int `json:"rendered"`
}

// Run claims up to limit pending articles and fetches them concurrently.
// One article's failure is recorded on its row and never aborts the batch;
// only storage errors propagate.
func (s *Stage) Run(ctx context.Context, limit int) (Summary, error) {
	var sum Summary

	if s.lease > 0 {
		n, err := s.store.ReclaimStaleArticles(s.lease)
		if err != nil {
			return sum, err
		}
		sum.Reclaimed = n
		if n > 0 {
			s.log.Info("requeued stale claims", "count", n)
		}
	}

	claimed, err := s.store.ClaimPendingArticles(limit, s.order)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(claimed)
	if len(claimed) == 0 {
		return sum, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, a := range claimed {
		g.Go(func() error {
			result, err := s.fetchOne(gctx, a.URL)
			if err != nil {
				if gctx.Err() != nil {
					// Deadline mid-flight: leave the row running for the
					// lease to reclaim rather than recording a bogus failure.
					return nil
				}
				s.log.Warn("article fetch failed", "url", a.URL, "error", err)
				if err := s.store.MarkArticleFailed(a.URL, err.Error()); err != nil {
					return err
				}
				if err := s.store.BumpCounter("fetch.failed", 1); err != nil {
					return err
				}
				mu.Lock()
				sum.Failed++
				mu.Unlock()
				return nil
			}

			if err := s.store.MarkArticleFetched(result); err != nil {
				return err
			}
			counter := "fetch.http_used"
			if result.FetchMethod == MethodRender {
				counter = "fetch.render_used"
			}
			if err := s.store.BumpCounter(counter, 1); err != nil {
				return err
			}
			s.log.Info("article fetched",
				"url", a.URL, "method", result.FetchMethod, "words", result.WordCount)

			mu.Lock()
			sum.Fetched++
			if result.FetchMethod == MethodRender {
				sum.Rendered++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, nil
}

// fetchOne downloads and extracts a single article. Plain HTTP is tried
// first; the render fallback covers transport failures and pages whose
// extracted body is too short to be the real article.
func (s *Stage) fetchOne(ctx context.Context, url string) (storage.FetchResult, error) {
	method := MethodHTTP
	body, err := s.get(ctx, s.httpGet, url)
	if err != nil {
		if s.render == nil {
			return storage.FetchResult{}, err
		}
		body, err = s.get(ctx, s.render, url)
		if err != nil {
			return storage.FetchResult{}, fmt.Errorf("rendered after http failure: %w", err)
		}
		method = MethodRender
	}

	doc, err := extract.Extract(url, body)
	if err != nil {
		return storage.FetchResult{}, err
	}

	if doc.WordCount < s.minWords && method == MethodHTTP && s.render != nil {
		if rendered, err := s.get(ctx, s.render, url); err == nil {
			if rdoc, err := extract.Extract(url, rendered); err == nil && rdoc.WordCount > doc.WordCount {
				doc = rdoc
				method = MethodRender
			}
		}
	}

	sum := sha256.Sum256([]byte(doc.Text))
	return storage.FetchResult{
		URL:           url,
		Title:         doc.Title,
		PublishedAt:   doc.PublishedAt,
		FetchMethod:   method,
		ContentSHA256: hex.EncodeToString(sum[:]),
		WordCount:     doc.WordCount,
	}, nil
}

func (s *Stage) get(ctx context.Context, g Getter, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.Get(ctx, url)
}
