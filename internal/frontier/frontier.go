// Package frontier drives discovery: paginating category listing seeds
// until they converge (backfill) and polling RSS feeds for fresh articles.
// It only ever creates pending article rows; fetching is a separate stage.
package frontier

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/vnarchive/internal/feed"
	"github.com/kalambet/vnarchive/internal/storage"
)

// Lister fetches one listing page for a seed.
type Lister interface {
	ListPage(ctx context.Context, seed storage.SeedState, page int) ([]string, error)
}

// FeedSource fetches and parses one RSS feed.
type FeedSource interface {
	FetchFeed(ctx context.Context, feedURL string) ([]feed.Item, error)
}

// Options tunes a Tracker. Zero values pick the defaults below.
type Options struct {
	// EmptyPageThreshold is how many consecutive pages with zero new URLs
	// mark a seed as converged. Default 3.
	EmptyPageThreshold int
	// RequestsPerSec caps outbound listing/feed requests. Default 2.
	RequestsPerSec float64
	Logger         *slog.Logger
}

// Tracker owns the discovery frontier: seed cursors, feed high-water
// marks, and the backfill completion flag.
type Tracker struct {
	store   *storage.Store
	lister  Lister
	feeds   FeedSource
	limiter *rate.Limiter
	log     *slog.Logger

	emptyPageThreshold int
}

func New(store *storage.Store, lister Lister, feeds FeedSource, opts Options) *Tracker {
	if opts.EmptyPageThreshold <= 0 {
		opts.EmptyPageThreshold = 3
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		store:              store,
		lister:             lister,
		feeds:              feeds,
		limiter:            rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		log:                opts.Logger,
		emptyPageThreshold: opts.EmptyPageThreshold,
	}
}

// BackfillSummary reports one backfill invocation.
type BackfillSummary struct {
	SeedsVisited int  `json:"seeds_visited"`
	PagesFetched int  `json:"pages_fetched"`
	Inserted     int  `json:"inserted"`
	Converged    int  `json:"converged"`
	Errors       int  `json:"errors"`
	Done         bool `json:"done"`
}

// Backfill crawls every enabled, non-converged seed page by page, up to
// budgetPages listing fetches total (0 means no budget). A seed converges
// after EmptyPageThreshold consecutive pages that yield no new URLs. Page
// fetch errors are recorded on the seed without advancing its cursor, so
// the next run retries the same page. Once every enabled seed has
// converged the backfill.done flag is set; later runs are no-ops.
func (t *Tracker) Backfill(ctx context.Context, budgetPages int) (BackfillSummary, error) {
	var sum BackfillSummary

	if done, err := t.store.GetControlFlag(storage.ControlBackfillDone); err != nil {
		return sum, err
	} else if done == "1" {
		sum.Done = true
		return sum, nil
	}

	seeds, err := t.store.ListActiveSeeds()
	if err != nil {
		return sum, err
	}

seeds:
	for _, seed := range seeds {
		sum.SeedsVisited++
		page, streak := seed.NextPage, seed.NoNewPages

		for {
			if err := ctx.Err(); err != nil {
				break seeds
			}
			if budgetPages > 0 && sum.PagesFetched >= budgetPages {
				break seeds
			}
			if err := t.limiter.Wait(ctx); err != nil {
				break seeds
			}

			urls, err := t.lister.ListPage(ctx, seed, page)
			if err != nil {
				sum.Errors++
				t.log.Warn("listing page failed", "seed", seed.SeedURL, "page", page, "error", err)
				if err := t.store.RecordSeedError(seed.SeedURL, err.Error()); err != nil {
					return sum, err
				}
				continue seeds
			}
			sum.PagesFetched++

			newURLs := 0
			for _, u := range urls {
				inserted, _, err := t.store.UpsertDiscovered(storage.Discovered{URL: u, Source: "backfill"})
				if err != nil {
					return sum, err
				}
				if inserted {
					newURLs++
				}
			}
			sum.Inserted += newURLs

			if newURLs == 0 {
				streak++
			} else {
				streak = 0
			}
			converged := streak >= t.emptyPageThreshold
			if err := t.store.AdvanceSeed(seed.SeedURL, page+1, streak, converged); err != nil {
				return sum, err
			}
			t.log.Info("listing page crawled",
				"seed", seed.SeedURL, "page", page, "new", newURLs, "empty_streak", streak)
			page++

			if converged {
				sum.Converged++
				continue seeds
			}
		}
	}

	enabled, done, err := t.store.CountSeeds()
	if err != nil {
		return sum, err
	}
	if enabled > 0 && done == enabled {
		if err := t.store.SetControlFlag(storage.ControlBackfillDone, "1"); err != nil {
			return sum, err
		}
		sum.Done = true
		t.log.Info("backfill complete", "seeds", enabled)
	}
	return sum, nil
}

// FeedSummary reports one feed within a poll.
type FeedSummary struct {
	FeedURL     string `json:"feed_url"`
	Inserted    int    `json:"inserted"`
	MetaFilled  int    `json:"meta_filled"`
	SkippedDupe int    `json:"skipped_dupe"`
	StoppedOld  bool   `json:"stopped_old"`
	Error       string `json:"error,omitempty"`
}

// PollSummary aggregates a PollFeeds run across all feeds.
type PollSummary struct {
	Feeds       []FeedSummary `json:"feeds"`
	Inserted    int           `json:"inserted"`
	MetaFilled  int           `json:"meta_filled"`
	SkippedDupe int           `json:"skipped_dupe"`
	Errors      int           `json:"errors"`
}

// PollFeeds checks every registered feed, taking at most limit items per
// feed (0 means all). Items are assumed newest-first, so polling stops at
// the first item at or before the feed's high-water mark. A feed's fetch
// error is recorded in its summary and isolates: the remaining feeds are
// still polled.
func (t *Tracker) PollFeeds(ctx context.Context, limit int) (PollSummary, error) {
	var sum PollSummary

	feeds, err := t.store.ListFeeds()
	if err != nil {
		return sum, err
	}

	for _, f := range feeds {
		// A deadline between feeds ends the run cleanly; everything polled
		// so far is already persisted.
		if ctx.Err() != nil {
			return sum, nil
		}
		fs := FeedSummary{FeedURL: f.FeedURL}

		if err := t.limiter.Wait(ctx); err != nil {
			return sum, nil
		}
		items, err := t.feeds.FetchFeed(ctx, f.FeedURL)
		if err != nil {
			fs.Error = err.Error()
			sum.Errors++
			sum.Feeds = append(sum.Feeds, fs)
			t.log.Warn("feed poll failed", "feed", f.FeedURL, "error", err)
			continue
		}

		maxPublished := ""
		for i, it := range items {
			if limit > 0 && i >= limit {
				break
			}
			published := ""
			if !it.PublishedAt.IsZero() {
				published = it.PublishedAt.UTC().Format(time.RFC3339)
			}
			if published != "" && f.LastSeenPublishedAt != "" && published <= f.LastSeenPublishedAt {
				fs.StoppedOld = true
				break
			}
			if published > maxPublished {
				maxPublished = published
			}

			inserted, metaFilled, err := t.store.UpsertDiscovered(storage.Discovered{
				URL:         it.URL,
				Source:      "rss",
				Title:       it.Title,
				PublishedAt: published,
				FeedURL:     f.FeedURL,
			})
			if err != nil {
				return sum, err
			}
			switch {
			case inserted:
				fs.Inserted++
			case metaFilled:
				fs.MetaFilled++
			default:
				fs.SkippedDupe++
			}
		}

		if err := t.store.UpdateFeedChecked(f.FeedURL, maxPublished); err != nil {
			return sum, err
		}
		sum.Inserted += fs.Inserted
		sum.MetaFilled += fs.MetaFilled
		sum.SkippedDupe += fs.SkippedDupe
		sum.Feeds = append(sum.Feeds, fs)
		t.log.Info("feed polled", "feed", f.FeedURL,
			"inserted", fs.Inserted, "meta_filled", fs.MetaFilled, "skipped", fs.SkippedDupe)
	}
	return sum, nil
}
