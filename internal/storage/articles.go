package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// UpsertDiscovered records one sighting of an article URL. Unknown URLs are
// inserted as pending. Known URLs only get NULL metadata filled in; the
// fetch_status column is owned by the fetch pipeline, so a second sighting of
// an already fetched or failed article never resurrects it.
//
// Returns whether a new row was inserted and whether metadata was filled on
// an existing row.
func (s *Store) UpsertDiscovered(d Discovered) (inserted, metaFilled bool, err error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO articles (url, source, title, published_at, feed_url, fetch_status, discovered_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		d.URL, nullable(d.Source), nullable(d.Title), nullable(d.PublishedAt), nullable(d.FeedURL), nowRFC3339(),
	)
	if err != nil {
		return false, false, fmt.Errorf("inserting article %s: %w", d.URL, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, false, err
	} else if n == 1 {
		return true, false, nil
	}

	// Existing row: fill only missing metadata; avoid a write if nothing to fill.
	res, err = s.db.Exec(`
		UPDATE articles SET
			title = COALESCE(title, ?),
			published_at = COALESCE(published_at, ?),
			source = COALESCE(source, ?),
			feed_url = COALESCE(feed_url, ?)
		WHERE url = ? AND (title IS NULL OR published_at IS NULL OR source IS NULL OR feed_url IS NULL)`,
		nullable(d.Title), nullable(d.PublishedAt), nullable(d.Source), nullable(d.FeedURL), d.URL,
	)
	if err != nil {
		return false, false, fmt.Errorf("merging article metadata %s: %w", d.URL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}
	return false, n == 1, nil
}

// urlDateRe matches the /YYYY/MM/ segment embedded in article URLs.
var urlDateRe = regexp.MustCompile(`/(\d{4})/(\d{2})/`)

// urlDateKey orders URLs by the year/month their path encodes; URLs without
// the segment sort last. Ties break on the URL itself for stability.
func urlDateKey(u string) (int, int, string) {
	m := urlDateRe.FindStringSubmatch(u)
	if m == nil {
		return 9999, 99, u
	}
	var y, mo int
	fmt.Sscanf(m[1], "%d", &y)
	fmt.Sscanf(m[2], "%d", &mo)
	return y, mo, u
}

// ClaimPendingArticles atomically selects up to limit pending articles,
// marks them running, and returns them. Concurrent claims return disjoint
// sets: each row transition is guarded by a status re-check.
//
// OrderByURLDate oversamples the oldest-discovered candidates and re-sorts
// them by the URL's /YYYY/MM/ segment before taking the batch.
func (s *Store) ClaimPendingArticles(limit int, policy OrderPolicy) ([]Article, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidateLimit := limit
	if policy == OrderByURLDate {
		candidateLimit = limit * 10
		if candidateLimit < 100 {
			candidateLimit = 100
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT url, source, discovered_at
		FROM articles
		WHERE fetch_status = 'pending'
		ORDER BY discovered_at ASC
		LIMIT ?`, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending articles: %w", err)
	}

	type candidate struct {
		url          string
		source       sql.NullString
		discoveredAt string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.url, &c.source, &c.discoveredAt); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if policy == OrderByURLDate {
		sort.Slice(candidates, func(i, j int) bool {
			yi, mi, ui := urlDateKey(candidates[i].url)
			yj, mj, uj := urlDateKey(candidates[j].url)
			if yi != yj {
				return yi < yj
			}
			if mi != mj {
				return mi < mj
			}
			return ui < uj
		})
	}

	now := nowRFC3339()
	var claimed []Article
	for _, c := range candidates {
		if len(claimed) == limit {
			break
		}
		ok, err := claimOne(tx, `
			UPDATE articles SET fetch_status = 'running', claimed_at = ?
			WHERE url = ? AND fetch_status = 'pending'`, now, c.url)
		if err != nil {
			return nil, fmt.Errorf("claiming article %s: %w", c.url, err)
		}
		if !ok {
			continue
		}
		claimed = append(claimed, Article{
			URL:          c.url,
			Source:       c.source.String,
			FetchStatus:  StatusRunning,
			DiscoveredAt: parseTime(c.discoveredAt),
			ClaimedAt:    parseTime(now),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// FetchResult carries the terminal state of one successfully fetched article.
type FetchResult struct {
	URL           string
	Title         string
	PublishedAt   string
	FetchMethod   string
	ContentSHA256 string
	WordCount     int
}

// MarkArticleFetched writes the terminal fetched state and clears any
// previous error.
func (s *Store) MarkArticleFetched(r FetchResult) error {
	res, err := s.db.Exec(`
		UPDATE articles SET
			fetch_status = 'fetched',
			fetched_at = ?,
			title = COALESCE(?, title),
			published_at = COALESCE(?, published_at),
			fetch_method = ?,
			content_sha256 = ?,
			word_count = ?,
			fetch_error = NULL,
			claimed_at = NULL
		WHERE url = ?`,
		nowRFC3339(), nullable(r.Title), nullable(r.PublishedAt), r.FetchMethod, r.ContentSHA256, r.WordCount, r.URL,
	)
	if err != nil {
		return fmt.Errorf("marking article fetched %s: %w", r.URL, err)
	}
	return requireRow(res)
}

// MarkArticleFailed writes the terminal failed state with a bounded error
// message.
func (s *Store) MarkArticleFailed(url, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE articles SET
			fetch_status = 'failed',
			fetched_at = ?,
			fetch_error = ?,
			claimed_at = NULL
		WHERE url = ?`,
		nowRFC3339(), truncateErr(errMsg), url,
	)
	if err != nil {
		return fmt.Errorf("marking article failed %s: %w", url, err)
	}
	return requireRow(res)
}

// ReclaimStaleArticles requeues articles that were claimed longer than lease
// ago but never reached a terminal state (a crashed worker). Returns the
// number of rows requeued.
func (s *Store) ReclaimStaleArticles(lease time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-lease).Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE articles SET fetch_status = 'pending', claimed_at = NULL
		WHERE fetch_status = 'running' AND claimed_at IS NOT NULL AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale articles: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetArticle returns a single article row by URL.
func (s *Store) GetArticle(url string) (Article, error) {
	var a Article
	var source, title, publishedAt, feedURL, method, fetchErr, sha sql.NullString
	var wordCount sql.NullInt64
	var discoveredAt string
	var fetchedAt, claimedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT url, source, title, published_at, feed_url, fetch_status, fetch_method,
		       fetch_error, content_sha256, word_count, discovered_at, fetched_at, claimed_at
		FROM articles WHERE url = ?`, url,
	).Scan(&a.URL, &source, &title, &publishedAt, &feedURL, &a.FetchStatus, &method,
		&fetchErr, &sha, &wordCount, &discoveredAt, &fetchedAt, &claimedAt)
	if err == sql.ErrNoRows {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, err
	}
	a.Source = source.String
	a.Title = title.String
	a.PublishedAt = publishedAt.String
	a.FeedURL = feedURL.String
	a.FetchMethod = method.String
	a.FetchError = fetchErr.String
	a.ContentSHA256 = sha.String
	a.WordCount = int(wordCount.Int64)
	a.DiscoveredAt = parseTime(discoveredAt)
	a.FetchedAt = parseTime(fetchedAt.String)
	a.ClaimedAt = parseTime(claimedAt.String)
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
