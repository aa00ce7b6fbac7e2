package storage

import (
	"database/sql"
	"fmt"
	"strconv"
)

// --- Feeds ---

// RegisterFeed inserts a feed if it is not already known.
func (s *Store) RegisterFeed(feedURL, kind string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO feeds (feed_url, kind) VALUES (?, ?)`, feedURL, kind)
	if err != nil {
		return fmt.Errorf("registering feed %s: %w", feedURL, err)
	}
	return nil
}

// ListFeeds returns all registered feeds ordered by URL.
func (s *Store) ListFeeds() ([]Feed, error) {
	rows, err := s.db.Query(`
		SELECT feed_url, kind, last_checked_at, last_seen_published_at
		FROM feeds ORDER BY feed_url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		var f Feed
		var checked, seen sql.NullString
		if err := rows.Scan(&f.FeedURL, &f.Kind, &checked, &seen); err != nil {
			return nil, err
		}
		f.LastCheckedAt = checked.String
		f.LastSeenPublishedAt = seen.String
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// UpdateFeedChecked stamps the feed's last check and advances its high-water
// mark. The mark only moves forward: a NULL or older maxPublished never
// regresses it.
func (s *Store) UpdateFeedChecked(feedURL, maxPublished string) error {
	_, err := s.db.Exec(`
		UPDATE feeds SET
			last_checked_at = ?,
			last_seen_published_at = COALESCE(MAX(?, last_seen_published_at), ?, last_seen_published_at)
		WHERE feed_url = ?`,
		nowRFC3339(), nullable(maxPublished), nullable(maxPublished), feedURL)
	if err != nil {
		return fmt.Errorf("updating feed %s: %w", feedURL, err)
	}
	return nil
}

// --- Seeds & crawl state ---

// RegisterSeed inserts a seed and its crawl cursor if missing. On existing
// rows only a missing channel_id is backfilled; pagination progress is never
// reset.
func (s *Store) RegisterSeed(seed Seed) error {
	enabled := 0
	if seed.Enabled {
		enabled = 1
	}
	var channelID any
	if seed.ChannelID != 0 {
		channelID = seed.ChannelID
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO seeds (seed_url, feed_url, channel_id, kind, enabled, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seed.SeedURL, nullable(seed.FeedURL), channelID, seed.Kind, enabled, nullable(seed.Note))
	if err != nil {
		return fmt.Errorf("registering seed %s: %w", seed.SeedURL, err)
	}
	if channelID != nil {
		if _, err := s.db.Exec(`UPDATE seeds SET channel_id = COALESCE(channel_id, ?) WHERE seed_url = ?`,
			channelID, seed.SeedURL); err != nil {
			return fmt.Errorf("backfilling channel id for %s: %w", seed.SeedURL, err)
		}
	}
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO crawl_state (seed_url, next_page, no_new_pages, done)
		VALUES (?, 1, 0, 0)`, seed.SeedURL); err != nil {
		return fmt.Errorf("initializing crawl state for %s: %w", seed.SeedURL, err)
	}
	return nil
}

// ListActiveSeeds returns enabled, non-converged seeds joined with their
// crawl cursors, least-recently-crawled first.
func (s *Store) ListActiveSeeds() ([]SeedState, error) {
	rows, err := s.db.Query(`
		SELECT s.seed_url, s.feed_url, s.channel_id, s.kind, s.enabled, s.note,
		       cs.next_page, cs.no_new_pages, cs.done, cs.last_crawled_at, cs.last_error
		FROM seeds s
		JOIN crawl_state cs ON cs.seed_url = s.seed_url
		WHERE s.enabled = 1 AND cs.done = 0
		ORDER BY cs.last_crawled_at IS NOT NULL, cs.last_crawled_at, s.seed_url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seeds []SeedState
	for rows.Next() {
		var st SeedState
		var feedURL, note, crawledAt, lastErr sql.NullString
		var channelID sql.NullInt64
		var enabled, done int
		if err := rows.Scan(&st.SeedURL, &feedURL, &channelID, &st.Kind, &enabled, &note,
			&st.NextPage, &st.NoNewPages, &done, &crawledAt, &lastErr); err != nil {
			return nil, err
		}
		st.FeedURL = feedURL.String
		st.ChannelID = int(channelID.Int64)
		st.Note = note.String
		st.Enabled = enabled == 1
		st.Done = done == 1
		st.LastCrawledAt = crawledAt.String
		st.LastError = lastErr.String
		seeds = append(seeds, st)
	}
	return seeds, rows.Err()
}

// AdvanceSeed records the outcome of one successfully fetched listing page:
// new cursor position, empty-page streak, and convergence. Clears last_error.
func (s *Store) AdvanceSeed(seedURL string, nextPage, noNewPages int, done bool) error {
	doneFlag := 0
	if done {
		doneFlag = 1
	}
	res, err := s.db.Exec(`
		UPDATE crawl_state SET
			next_page = ?, no_new_pages = ?, done = ?, last_crawled_at = ?, last_error = NULL
		WHERE seed_url = ?`,
		nextPage, noNewPages, doneFlag, nowRFC3339(), seedURL)
	if err != nil {
		return fmt.Errorf("advancing seed %s: %w", seedURL, err)
	}
	return requireRow(res)
}

// RecordSeedError notes a failed page fetch without touching the cursor, so
// the next invocation retries the same page.
func (s *Store) RecordSeedError(seedURL, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE crawl_state SET last_crawled_at = ?, last_error = ? WHERE seed_url = ?`,
		nowRFC3339(), truncateErr(errMsg), seedURL)
	if err != nil {
		return fmt.Errorf("recording seed error %s: %w", seedURL, err)
	}
	return requireRow(res)
}

// CountSeeds returns (enabled, enabled-and-done) seed counts.
func (s *Store) CountSeeds() (enabled, done int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(cs.done), 0)
		FROM seeds s JOIN crawl_state cs ON cs.seed_url = s.seed_url
		WHERE s.enabled = 1`).Scan(&enabled, &done)
	return enabled, done, err
}

// --- Control flags & counters ---

// SetControlFlag upserts a control key.
func (s *Store) SetControlFlag(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO control_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowRFC3339())
	if err != nil {
		return fmt.Errorf("setting control flag %s: %w", key, err)
	}
	return nil
}

// GetControlFlag returns the value for key, or "" when unset.
func (s *Store) GetControlFlag(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM control_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// BumpCounter increments an integer-valued control key by delta.
func (s *Store) BumpCounter(key string, delta int) error {
	_, err := s.db.Exec(`
		INSERT INTO control_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CAST(CAST(value AS INTEGER) + ? AS TEXT),
			updated_at = excluded.updated_at`,
		key, strconv.Itoa(delta), nowRFC3339(), delta)
	if err != nil {
		return fmt.Errorf("bumping counter %s: %w", key, err)
	}
	return nil
}

// Counter returns the integer value of a control key, 0 when unset.
func (s *Store) Counter(key string) (int, error) {
	v, err := s.GetControlFlag(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-integer %q", key, v)
	}
	return n, nil
}
